package cache

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sternrassler/media-cache/pkg/store"
)

// DefaultRangeWindow bounds the slice served for an open-ended range.
const DefaultRangeWindow int64 = 1 << 20

var (
	// ErrMalformedRange indicates a Range header that is not a single
	// "bytes=<start>-<end>" range. Callers serve the whole entry instead.
	ErrMalformedRange = errors.New("malformed range header")

	// ErrRangeNotSatisfiable indicates a range starting beyond the cached blob.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// ByteRange is an inclusive byte range. End is -1 for an open-ended range.
type ByteRange struct {
	Start int64
	End   int64
}

// ParseRange parses a single "bytes=<start>-<end>" range; end is optional.
// Suffix ranges ("bytes=-500") and multiple ranges are rejected.
func ParseRange(header string) (ByteRange, error) {
	set, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(set, ",") {
		return ByteRange{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	startStr, endStr, ok := strings.Cut(set, "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	endStr = strings.TrimSpace(endStr)
	if endStr == "" {
		return ByteRange{Start: start, End: -1}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	return ByteRange{Start: start, End: end}, nil
}

// Resolve clamps the range to a blob of size bytes. Open-ended ranges end at
// min(start+window, size-1).
func (r ByteRange) Resolve(size, window int64) (start, end int64, err error) {
	if r.Start >= size {
		return 0, 0, fmt.Errorf("%w: start %d, size %d", ErrRangeNotSatisfiable, r.Start, size)
	}

	end = r.End
	if end < 0 {
		end = r.Start + window
	}
	if end > size-1 {
		end = size - 1
	}
	return r.Start, end, nil
}

// Reconstruct answers req from a whole cached blob.
//
// Without a Range header the blob is returned as a 200. With a valid range
// the slice is returned as a 206. A malformed range is treated as absent.
// ErrRangeNotSatisfiable is returned when the range starts past the blob.
func Reconstruct(req *http.Request, entry *store.Entry, window int64) (*http.Response, error) {
	if window <= 0 {
		window = DefaultRangeWindow
	}

	rangeHeader := req.Header.Get("Range")
	if rangeHeader == "" {
		return fullResponse(req, entry, "HIT"), nil
	}

	byteRange, err := ParseRange(rangeHeader)
	if err != nil {
		MalformedRanges.Inc()
		return fullResponse(req, entry, "HIT"), nil
	}

	size := entry.Size()
	start, end, err := byteRange.Resolve(size, window)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	header.Set("Cache-Control", LongLivedCacheControl)
	header.Set(CacheStatusHeader, "HIT")

	RangeResponses.WithLabelValues(strconv.Itoa(http.StatusPartialContent)).Inc()
	return newResponse(req, http.StatusPartialContent, header, entry.Data[start:end+1]), nil
}

// fullResponse returns the whole blob with range support advertised.
func fullResponse(req *http.Request, entry *store.Entry, cacheStatus string) *http.Response {
	resp := EntryToResponse(entry, req, cacheStatus)
	resp.Header.Set("Accept-Ranges", "bytes")
	RangeResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	return resp
}
