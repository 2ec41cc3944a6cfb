// Package server provides the HTTP API for records and their images.
//
// Endpoints:
//
//	POST   /records             create an empty record
//	DELETE /records/{id}        delete a record and its image
//	PUT    /records/{id}/image  upload or replace the image (multipart field "file")
//	GET    /records/{id}/image  download the image
//	DELETE /records/{id}/image  delete the image
//	GET    /metrics             prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomasbasham/imagestore/internal/artefact"
	"github.com/tomasbasham/imagestore/internal/validate"
)

// multipartOverhead is the allowance for boundaries and part headers on top
// of the upload limit.
const multipartOverhead = 1 << 20

// Service is the subset of the orchestrator the handlers use.
type Service interface {
	Create(ctx context.Context) (int64, error)
	Remove(ctx context.Context, ownerID int64) error
	Upload(ctx context.Context, ownerID int64, file artefact.File) (artefact.UploadResult, error)
	Delete(ctx context.Context, ownerID int64) error
	ReadArtifact(ctx context.Context, ownerID int64) (artefact.Artefact, error)
}

// Options configures a Server.
type Options struct {
	Service  Service
	Logger   *slog.Logger
	Gatherer prometheus.Gatherer

	// MaxUploadSize is the largest image accepted. Larger bodies are cut off
	// while reading and rejected by the validator.
	MaxUploadSize int64
}

// Server holds the dependencies shared across HTTP handlers.
type Server struct {
	svc     Service
	logger  *slog.Logger
	maxSize int64
	mux     *http.ServeMux
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = validate.DefaultMaxSize
	}
	s := &Server{
		svc:     opts.Service,
		logger:  opts.Logger,
		maxSize: opts.MaxUploadSize,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /records", s.handleCreateRecord)
	s.mux.HandleFunc("DELETE /records/{id}", s.handleDeleteRecord)
	s.mux.HandleFunc("PUT /records/{id}/image", s.handleUploadImage)
	s.mux.HandleFunc("GET /records/{id}/image", s.handleGetImage)
	s.mux.HandleFunc("DELETE /records/{id}/image", s.handleDeleteImage)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type createRecordResponse struct {
	OwnerID int64 `json:"owner_id"`
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.Create(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createRecordResponse{OwnerID: id})
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Remove(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxSize+multipartOverhead)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required: "+err.Error())
		return
	}
	defer f.Close()

	// Read one byte past the limit so oversize uploads fail validation.
	data, err := io.ReadAll(io.LimitReader(f, s.maxSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}

	res, err := s.svc.Upload(r.Context(), id, artefact.File{Name: hdr.Filename, Data: data})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	a, err := s.svc.ReadArtifact(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer a.Content.Close()

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", a.StorageKey))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, a.Content); err != nil {
		s.logger.Warn("failed to stream image", "owner_id", id, "storage_key", a.StorageKey, "error", err)
	}
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *validate.Error
	switch {
	case errors.As(err, &verr):
		switch verr.Reason {
		case validate.ReasonTooLarge:
			return http.StatusRequestEntityTooLarge
		case validate.ReasonUnsupportedType, validate.ReasonContentMismatch:
			return http.StatusUnsupportedMediaType
		default:
			return http.StatusBadRequest
		}
	case errors.Is(err, artefact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ownerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid record id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
