// Package testutil provides a configurable origin server for media cache tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior of one mock origin path.
type MockResponse struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
	Delay      time.Duration
}

// MockOrigin is a configurable origin server for testing.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	counts   map[string]int
	gates    map[string]chan struct{}

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
}

// NewMockOrigin creates and starts a mock origin.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		handlers: make(map[string]http.HandlerFunc),
		counts:   make(map[string]int),
		gates:    make(map[string]chan struct{}),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.counts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		gate := mock.gates[r.URL.Path]
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Close releases every gate and shuts down the server.
func (m *MockOrigin) Close() {
	m.mu.Lock()
	for path, gate := range m.gates {
		close(gate)
		delete(m.gates, path)
	}
	m.mu.Unlock()
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.counts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockOrigin) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockOrigin) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		w.Write(resp.Body)
	})
}

// SetVideo serves data as a video/mp4 resource.
func (m *MockOrigin) SetVideo(path string, data []byte) {
	m.SetResponse(path, NewMediaResponse("video/mp4", data))
}

// SetImage serves data as an image/png resource.
func (m *MockOrigin) SetImage(path string, data []byte) {
	m.SetResponse(path, NewMediaResponse("image/png", data))
}

// Hold blocks requests for path until Release is called.
func (m *MockOrigin) Hold(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.gates[path]; !held {
		m.gates[path] = make(chan struct{})
	}
}

// Release unblocks requests held for path.
func (m *MockOrigin) Release(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gate, held := m.gates[path]; held {
		close(gate)
		delete(m.gates, path)
	}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockOrigin) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made for path.
func (m *MockOrigin) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[path]
}

// defaultHandler serves the application shell for every unknown path.
func (m *MockOrigin) defaultHandler(w http.ResponseWriter, r *http.Request) {
	body := []byte("<!doctype html><title>app</title>")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// NewMediaResponse creates a 200 OK response with the given content type.
func NewMediaResponse(contentType string, data []byte) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type":  contentType,
			"Cache-Control": "public, max-age=3600",
			"Date":          time.Now().UTC().Format(http.TimeFormat),
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       []byte(`{"error": "Internal server error"}`),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       []byte("not found"),
		Headers: map[string]string{
			"Content-Type": "text/plain",
		},
	}
}

// Blob returns size deterministic bytes.
func Blob(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
