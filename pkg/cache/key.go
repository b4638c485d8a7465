package cache

import (
	"net/url"
	"sort"
	"strings"
)

// CacheKey represents the request identity a response is cached under.
type CacheKey struct {
	// URL is the absolute request URL
	URL *url.URL

	// IgnoreQuery drops the query string, so every variant shares one entry
	IgnoreQuery bool
}

// String generates a deterministic cache key string.
// Format: scheme://host/path?k1=v1&k2=v2 with query parameters sorted.
//
// Example:
//
//	https://app.example.com/api/media/42/clip.mp4?quality=hd
func (k CacheKey) String() string {
	if k.URL == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(k.URL.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(k.URL.Host))

	path := k.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)

	if k.IgnoreQuery || k.URL.RawQuery == "" {
		return b.String()
	}

	query := k.URL.Query()
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	sep := "?"
	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(sep)
			b.WriteString(url.QueryEscape(name))
			b.WriteString("=")
			b.WriteString(url.QueryEscape(v))
			sep = "&"
		}
	}

	return b.String()
}

// KeyPath returns the URL path of a cache key string, or "" if it does not parse.
func KeyPath(key string) string {
	u, err := url.Parse(key)
	if err != nil {
		return ""
	}
	return u.Path
}
