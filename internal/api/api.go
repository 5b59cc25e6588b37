// Package api implements the guarded JSON endpoints: document intake,
// document metadata lookup, and feedback submission.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/calebmorton/perimeter-api/internal/httpmw"
	"github.com/calebmorton/perimeter-api/internal/log"
	"github.com/calebmorton/perimeter-api/internal/pathutil"
)

// maxFeedbackLen caps the feedback message so a single request can't stuff
// megabytes into memory past the body limit middleware.
const maxFeedbackLen = 4096

// Document is the stored metadata for one accepted upload.
type Document struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	ContentType      string    `json:"content_type,omitempty"`
	Size             int       `json:"size"`
	ReceivedAt       time.Time `json:"received_at"`
}

// API implements the document and feedback endpoints.
type API struct {
	logger log.Logger

	mu   sync.RWMutex
	docs map[string]Document
}

func New(logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		logger: logger,
		docs:   make(map[string]Document),
	}
}

// RegisterRoutes attaches the API endpoints to the router. Rate limit guards
// are applied by the caller so route policy stays in one place.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/documents", api.HandleCreateDocument)
	r.Get("/api/v1/documents/{id}", api.HandleGetDocument)
	r.Post("/api/v1/feedback", api.HandleFeedback)
}

type createDocumentRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// HandleCreateDocument accepts an upload, sanitizes the client-supplied
// filename, and stores the metadata. A filename that sanitizes to nothing is
// rejected rather than silently renamed.
func (api *API) HandleCreateDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	safe := pathutil.SanitizeFilename(req.Filename)
	if safe == "" {
		httpmw.WriteJSONError(w, http.StatusBadRequest, "filename is empty or contains no usable characters")
		return
	}

	doc := Document{
		ID:          uuid.NewString(),
		Filename:    safe,
		ContentType: r.Header.Get("Content-Type"),
		Size:        len(req.Content),
		ReceivedAt:  time.Now().UTC(),
	}
	if safe != req.Filename {
		doc.OriginalFilename = req.Filename
	}

	api.mu.Lock()
	api.docs[doc.ID] = doc
	api.mu.Unlock()

	api.logger.Info(ctx, "document accepted",
		"document_id", doc.ID,
		"filename", doc.Filename,
		"size", doc.Size,
	)

	api.writeJSON(ctx, w, http.StatusCreated, doc)
}

// HandleGetDocument returns stored metadata by id.
func (api *API) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		httpmw.WriteJSONError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	api.mu.RLock()
	doc, ok := api.docs[id]
	api.mu.RUnlock()
	if !ok {
		httpmw.WriteJSONError(w, http.StatusNotFound, "document not found")
		return
	}

	api.writeJSON(r.Context(), w, http.StatusOK, doc)
}

type feedbackRequest struct {
	Message string `json:"message"`
	Rating  int    `json:"rating"`
}

type feedbackResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HandleFeedback accepts a feedback message. Stored only long enough to log;
// this endpoint exists to have a second write route under independent quota.
func (api *API) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpmw.WriteJSONError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Message) > maxFeedbackLen {
		httpmw.WriteJSONError(w, http.StatusBadRequest, "message too long")
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		httpmw.WriteJSONError(w, http.StatusBadRequest, "rating must be 1..5")
		return
	}

	id := uuid.NewString()
	api.logger.Info(ctx, "feedback received",
		"feedback_id", id,
		"rating", req.Rating,
		"message_len", len(req.Message),
	)

	api.writeJSON(ctx, w, http.StatusAccepted, feedbackResponse{ID: id, Status: "received"})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
