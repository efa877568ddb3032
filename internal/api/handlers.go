package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ResultStore is the slice of the result store this front end consumes.
type ResultStore interface {
	RetrieveResult(ctx context.Context, id string) (io.ReadCloser, string, error)
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	store ResultStore
}

func NewHandlers(store ResultStore) *Handlers {
	return &Handlers{store: store}
}

// HandleRetrieveResult streams the payload stored under the id query
// parameter, with its recorded mime type.
func (h *Handlers) HandleRetrieveResult(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, "id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	rc, mimeType, err := h.store.RetrieveResult(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("result retrieval failed")
		writeError(w, "could not retrieve result", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if rc == nil {
		writeError(w, "no result for id "+id, "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	defer rc.Close()

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("streaming result payload failed")
	}
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse reports server and database health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
