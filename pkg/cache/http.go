package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/media-cache/pkg/store"
)

// CacheStatusHeader reports how a response was produced: HIT, STALE or MISS.
const CacheStatusHeader = "X-Cache"

// LongLivedCacheControl is sent with responses synthesized from the video tier.
const LongLivedCacheControl = "public, max-age=31536000, immutable"

// Headers that describe one transfer rather than the resource; never replayed.
var transferHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Content-Range",
	"Set-Cookie",
	CacheStatusHeader,
}

// ResponseToEntry converts an HTTP response to an Entry stored under key.
// The body is read completely and the response body is restored after reading.
// InsertedAt and LastAccessAt are set to now; the origin Date header is kept
// with the other headers.
func ResponseToEntry(key string, resp *http.Response) (*store.Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := time.Now()
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for _, h := range transferHeaders {
		header.Del(h)
	}
	header.Del("Content-Type")

	entry := &store.Entry{
		Key:          key,
		Data:         body,
		ContentType:  resp.Header.Get("Content-Type"),
		StatusCode:   resp.StatusCode,
		Header:       header,
		InsertedAt:   now,
		LastAccessAt: now,
	}

	return entry, nil
}

// EntryToResponse converts an entry back to a complete HTTP response for req.
func EntryToResponse(entry *store.Entry, req *http.Request, cacheStatus string) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(entry.Data)))
	if cacheStatus != "" {
		header.Set(CacheStatusHeader, cacheStatus)
	}

	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	return newResponse(req, status, header, entry.Data)
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
