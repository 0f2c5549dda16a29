package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/kalambet/chatflow/internal/ingest"
)

const maxEntryBodySize = 4 << 20 // 4MB

func handleCreateEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Jobs == nil {
			httpError(w, http.StatusNotImplemented, "unavailable", "ingestion is disabled")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxEntryBodySize)
		defer r.Body.Close()

		var doc ingest.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		jobID, err := ingest.EnqueueDocument(r.Context(), deps.Jobs, doc)
		if errors.Is(err, ingest.ErrInvalidDocument) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue record: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     jobID,
			"status": "queued",
		})
	}
}
