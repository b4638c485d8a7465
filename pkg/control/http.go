package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Sternrassler/media-cache/pkg/cache"
	"github.com/Sternrassler/media-cache/pkg/fetch"
	"github.com/rs/zerolog"
)

// Path is where the control endpoint is mounted.
const Path = "/_cache/control"

// maxMessageBytes bounds a control request body.
const maxMessageBytes = 64 << 10

// HTTPHandler exposes the control protocol as POST requests carrying one
// JSON message each.
type HTTPHandler struct {
	handler *Handler
	logger  zerolog.Logger
}

// NewHTTPHandler wraps h for HTTP.
func NewHTTPHandler(h *Handler, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{handler: h, logger: logger}
}

// ServeHTTP implements http.Handler.
func (s *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeReply(w, http.StatusMethodNotAllowed, Reply{Error: "method not allowed"})
		return
	}

	var msg Message
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err := decoder.Decode(&msg); err != nil {
		writeReply(w, http.StatusBadRequest, Reply{Error: "invalid message: " + err.Error()})
		return
	}

	reply, err := s.handler.Handle(r.Context(), msg)
	writeReply(w, statusFor(err), reply)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownMessage), errors.Is(err, ErrUnknownPartition), errors.Is(err, ErrInvalidMessage),
		errors.Is(err, cache.ErrPrefetchTarget):
		return http.StatusBadRequest
	case fetch.IsNetworkFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeReply(w http.ResponseWriter, status int, reply Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(reply)
}
