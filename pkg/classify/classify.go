// Package classify maps outgoing requests to the cache tier that handles them.
package classify

import (
	"net/http"
	"path"
	"strings"
)

// Kind is the cache tier a request is routed to.
type Kind int

const (
	// Passthrough requests go to the network untouched.
	Passthrough Kind = iota

	// Static covers the application shell, documents and static assets.
	Static

	// Image covers gallery images, thumbnails and untyped media.
	Image

	// Video covers media that is served with byte-range support.
	Video

	// API covers backend API calls.
	API
)

// String returns the tier name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case Static:
		return "static"
	case Image:
		return "image"
	case Video:
		return "video"
	case API:
		return "api"
	default:
		return "passthrough"
	}
}

// Rules configures the classifier. Extensions are lower case without the dot.
type Rules struct {
	MediaPrefixes    []string
	APIPrefixes      []string
	ThumbnailMarkers []string
	VideoExtensions  []string
	ImageExtensions  []string
	StaticExtensions []string

	// ShellPaths are exact paths of the application shell, logo and icons.
	ShellPaths []string
}

// DefaultRules returns the routing rules of the event application.
func DefaultRules() Rules {
	return Rules{
		MediaPrefixes:    []string{"/api/media/", "/uploads/"},
		APIPrefixes:      []string{"/api/"},
		ThumbnailMarkers: []string{"/thumb", "thumbnail"},
		VideoExtensions:  []string{"mp4", "webm", "mov", "m4v", "ogv", "mkv"},
		ImageExtensions:  []string{"jpg", "jpeg", "png", "gif", "webp", "avif", "svg", "bmp"},
		StaticExtensions: []string{"js", "mjs", "css", "woff", "woff2", "ttf", "ico", "webmanifest", "json"},
		ShellPaths:       []string{"/", "/index.html", "/manifest.json", "/favicon.ico", "/logo.png", "/icon.png"},
	}
}

// Classifier applies Rules to requests. It holds no mutable state.
type Classifier struct {
	rules     Rules
	video     map[string]struct{}
	image     map[string]struct{}
	static    map[string]struct{}
	shellPath map[string]struct{}
}

// New builds a classifier from rules.
func New(rules Rules) *Classifier {
	return &Classifier{
		rules:     rules,
		video:     toSet(rules.VideoExtensions),
		image:     toSet(rules.ImageExtensions),
		static:    toSet(rules.StaticExtensions),
		shellPath: toSet(rules.ShellPaths),
	}
}

// Classify returns the tier for the request. Rules are evaluated in priority
// order; the first match wins.
func (c *Classifier) Classify(req *http.Request) Kind {
	if req == nil || req.URL == nil {
		return Passthrough
	}
	if req.Method != http.MethodGet && req.Method != "" {
		return Passthrough
	}

	p := req.URL.Path
	ext := extension(p)
	media := hasAnyPrefix(p, c.rules.MediaPrefixes)

	if media && (wantsVideo(req) || c.has(c.video, ext)) {
		return Video
	}

	// Media routes without a recognizable type default to Image.
	if media || c.has(c.image, ext) || containsAny(strings.ToLower(p), c.rules.ThumbnailMarkers) {
		return Image
	}

	if hasAnyPrefix(p, c.rules.APIPrefixes) {
		return API
	}

	if IsNavigation(req) || c.has(c.shellPath, p) || c.has(c.static, ext) {
		return Static
	}

	return Passthrough
}

// IsNavigation reports whether the request is a document navigation.
func IsNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	if req.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// IsVideoContentType reports whether a response content type is a video type.
func IsVideoContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "video")
}

func wantsVideo(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Dest") == "video" {
		return true
	}
	return IsVideoContentType(req.Header.Get("Accept"))
}

func (c *Classifier) has(set map[string]struct{}, v string) bool {
	if v == "" {
		return false
	}
	_, ok := set[v]
	return ok
}

func extension(p string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimPrefix(v, "."))] = struct{}{}
	}
	return set
}
