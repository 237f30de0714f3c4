package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/common"
	"github.com/jo-hoe/bookforge/internal/config"
	"github.com/jo-hoe/bookforge/internal/executor"
	"github.com/jo-hoe/bookforge/internal/jobs"
	"github.com/jo-hoe/bookforge/internal/util"
)

const paramID = "id"

type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Executor executor.Executor
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:              svc.Cfg.Server.Addr,
		Handler:           svc.Routes(),
		ReadTimeout:       svc.Cfg.Server.ReadTimeout,
		ReadHeaderTimeout: svc.Cfg.Server.ReadTimeout,
		WriteTimeout:      svc.Cfg.Server.WriteTimeout,
		IdleTimeout:       svc.Cfg.Server.IdleTimeout,
	}
}

// Routes returns the API handler.
func (svc *Service) Routes() http.Handler {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(next, svc.Log) })
	r.Use(recoveryMiddleware)

	r.Get(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route(common.PathGenerations, func(r chi.Router) {
		r.Use(svc.withCommon)
		r.Post("/", svc.handleCreateGeneration)
		r.Route("/{"+paramID+"}", func(r chi.Router) {
			r.Get("/", svc.handleGetGeneration)
			r.Post("/cancel", svc.handleCancelGeneration)
			r.Get("/file", svc.handleDownload)
		})
	})
	return r
}

func (svc *Service) withCommon(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size
		if max := safeInt64(svc.Cfg.Server.MaxRequestSize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

type createResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req book.GenerationRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing data", http.StatusBadRequest)
		return
	}
	// Files are only ever written below the configured output directory.
	req.OutputPath = ""
	if req.CallbackURL != nil {
		cb, err := parseOptionalURL(*req.CallbackURL)
		if err != nil {
			http.Error(w, "invalid callback_url", http.StatusBadRequest)
			return
		}
		req.CallbackURL = cb
	}

	id, err := svc.Executor.Submit(r.Context(), req)
	if err != nil {
		var unsupported *book.UnsupportedFormatError
		switch {
		case errors.As(err, &unsupported), errors.Is(err, executor.ErrInvalidRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed), id != "":
			svc.Log.Warn("generation not queued", "job_id", id, "err", err)
			if id != "" {
				w.Header().Set("Location", statusURL(id))
			}
			http.Error(w, "queue full, try later", http.StatusServiceUnavailable)
		default:
			svc.Log.Error("submit generation", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Location", statusURL(id))
	writeJSON(w, http.StatusAccepted, createResponse{JobID: id, StatusURL: statusURL(id)})
}

func (svc *Service) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job))
}

func (svc *Service) handleCancelGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, paramID)
	if !util.ValidID(id) {
		http.NotFound(w, r)
		return
	}
	accepted, err := svc.Executor.Cancel(r.Context(), id)
	if err != nil {
		svc.writeLookupError(w, r, id, err)
		return
	}
	job, err := svc.Executor.Status(r.Context(), id)
	if err != nil {
		svc.writeLookupError(w, r, id, err)
		return
	}
	status := http.StatusAccepted
	if !accepted {
		// already finished
		status = http.StatusConflict
	}
	writeJSON(w, status, jobToOut(job))
}

func (svc *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.lookup(w, r)
	if !ok {
		return
	}
	if job.State != jobs.StateSucceeded || job.ResultPath == nil {
		http.Error(w, "file not available in state "+string(job.State), http.StatusConflict)
		return
	}
	p := filepath.Clean(*job.ResultPath)
	f, err := os.Open(p) // #nosec G304 - path was produced by the renderer for this job
	if err != nil {
		svc.Log.Error("open result", "job_id", job.ID, "err", err)
		http.Error(w, "file missing", http.StatusGone)
		return
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", job.Request.Format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(p)))
	http.ServeContent(w, r, filepath.Base(p), fi.ModTime(), f)
}

func (svc *Service) lookup(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := chi.URLParam(r, paramID)
	if !util.ValidID(id) {
		http.NotFound(w, r)
		return nil, false
	}
	job, err := svc.Executor.Status(r.Context(), id)
	if err != nil {
		svc.writeLookupError(w, r, id, err)
		return nil, false
	}
	return job, true
}

func (svc *Service) writeLookupError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	svc.Log.Error("load job", "job_id", id, "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func statusURL(id string) string {
	return path.Join(common.PathGenerations, id)
}

type errorOut struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func jobToOut(job *jobs.Job) map[string]any {
	out := map[string]any{
		"job_id":           job.ID,
		"project_id":       job.ProjectID,
		"status":           string(job.State),
		"progress":         job.Progress,
		"format":           string(job.Request.Format),
		"title":            job.Request.Title,
		"cancel_requested": job.CancelRequested,
		"created_at":       job.CreatedAt,
		"started_at":       job.StartedAt,
		"completed_at":     job.CompletedAt,
		"error":            nil,
	}
	if job.State == jobs.StateSucceeded && job.ResultPath != nil {
		out["file_url"] = statusURL(job.ID) + "/file"
		out["file_name"] = filepath.Base(*job.ResultPath)
	}
	if job.ErrorCode != nil {
		out["error"] = errorOut{Code: deref(job.ErrorCode), Message: deref(job.ErrorMessage)}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

// parseOptionalURL accepts empty input or an absolute http(s) URL.
func parseOptionalURL(s string) (*string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil, nil
	}
	u, err := url.ParseRequestURI(v)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return &v, nil
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
