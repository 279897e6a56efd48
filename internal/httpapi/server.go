// Package httpapi exposes the upload reconciliation engine over HTTP: the
// multipart upload endpoint plus thin operator endpoints for health, build
// identity, table counts, metrics, and record lookups.
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/npcdata/eaframe/internal/reconcile"
)

type ServerConfig struct {
	// AdminSecret authorizes the overwrite flag on uploads. Empty means
	// override requests are always refused.
	AdminSecret  string
	BuildID      string
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

type Server struct {
	store   *reconcile.Store
	cfg     ServerConfig
	metrics http.Handler
}

func NewServer(store *reconcile.Store, cfg ServerConfig) *Server {
	if cfg.BuildID == "" {
		cfg.BuildID = "dev"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	return &Server{store: store, cfg: cfg, metrics: promhttp.Handler()}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.route(sw, r)
	s.cfg.Logger.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", sw.status).
		Dur("duration", time.Since(start)).
		Msg("request")
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/upload":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleUpload(w, r)
	case r.URL.Path == "/health":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
			"build":  s.cfg.BuildID,
		})
	case r.URL.Path == "/build":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"build": s.cfg.BuildID})
	case r.URL.Path == "/stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleStats(w, r)
	case r.URL.Path == "/metrics":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.metrics.ServeHTTP(w, r)
	case strings.HasPrefix(r.URL.Path, "/entities/"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleEntity(w, r)
	case strings.HasPrefix(r.URL.Path, "/batches/"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleBatch(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// uploadResponse is the single response envelope for all three upload
// outcomes: accepted, rejected, already-uploaded.
type uploadResponse struct {
	Status     string                   `json:"status"`
	Reason     string                   `json:"reason,omitempty"`
	BatchID    string                   `json:"batchId,omitempty"`
	UploadedAt string                   `json:"uploadedAt,omitempty"`
	Summary    *reconcile.UploadSummary `json:"summary,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxBodyBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds configured size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "expected a multipart form upload")
		return
	}

	override := strings.EqualFold(strings.TrimSpace(r.FormValue("overwrite")), "yes")
	if override && !s.adminAuthorized(r) {
		writeError(w, http.StatusForbidden, "forbidden", "admin override requires a valid admin secret")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "could not read the uploaded file, please try again")
		return
	}
	defer func() { _ = file.Close() }()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "could not read the uploaded file, please try again")
		return
	}

	summary, err := s.store.ApplyUpload(r.Context(), reconcile.UploadRequest{
		ClientName:     r.FormValue("client_name"),
		ClientProject:  r.FormValue("client_project"),
		CollectionDate: r.FormValue("collection_date"),
		Content:        content,
		Policy: reconcile.ConflictPolicy{
			AllowOverride: override,
			DateMode:      reconcile.NewerWins,
		},
	})
	if err != nil {
		var rejection *reconcile.RejectionError
		if errors.As(err, &rejection) {
			writeJSON(w, http.StatusBadRequest, uploadResponse{Status: "rejected", Reason: rejection.Reason})
			return
		}
		var dup *reconcile.AlreadyUploadedError
		if errors.As(err, &dup) {
			writeJSON(w, http.StatusOK, uploadResponse{
				Status:     "already_uploaded",
				BatchID:    dup.BatchID,
				UploadedAt: dup.UploadedAt.Format(time.RFC3339),
			})
			return
		}
		s.cfg.Logger.Error().Err(err).Msg("upload failed")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "could not process the upload, please retry")
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Status: "accepted", BatchID: summary.BatchID, Summary: summary})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("stats failed")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "could not read table counts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eaFrame":       counts.Masters,
		"uploadBatches": counts.Batches,
		"uploadItems":   counts.Items,
		"build":         s.cfg.BuildID,
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	entityID := strings.TrimPrefix(r.URL.Path, "/entities/")
	record, err := s.store.Master(r.Context(), entityID)
	if err != nil {
		s.writeLookupError(w, err, "entity")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	batchID := strings.TrimPrefix(r.URL.Path, "/batches/")
	batch, err := s.store.Batch(r.Context(), batchID)
	if err != nil {
		s.writeLookupError(w, err, "batch")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, kind string) {
	switch {
	case errors.Is(err, reconcile.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", kind+" not found")
	case errors.Is(err, reconcile.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", kind+" identifier is required")
	default:
		s.cfg.Logger.Error().Err(err).Str("kind", kind).Msg("lookup failed")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "could not read "+kind)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
