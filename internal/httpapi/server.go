package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/meshforge/internal/model"
	"github.com/example/meshforge/internal/orchestrator"
)

// JobService is the part of the orchestrator the HTTP layer drives.
type JobService interface {
	Submit(ctx context.Context, owner string, up orchestrator.Upload) (string, error)
	GetStatus(ctx context.Context, jobID, owner string) (orchestrator.Status, error)
	ListJobs(ctx context.Context, owner string, state *model.JobState, limit int) ([]orchestrator.Status, error)
	Cancel(ctx context.Context, jobID, owner string) (orchestrator.Status, error)
	Download(ctx context.Context, jobID, owner string) (orchestrator.Download, error)
	ListArtifacts(ctx context.Context, owner string) ([]model.Artifact, error)
}

type Server struct {
	Jobs           JobService
	Auth           *Authenticator
	Logger         *zap.Logger
	Metrics        http.Handler // optional, served at /metrics
	AllowedOrigins []string
	MaxUploadBytes int64
}

func (s Server) Router() http.Handler {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.With(zap.String("component", "http"))))
	r.Use(cors(s.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/jobs/{id}/result", s.handleGetResult)
		r.Get("/artifacts", s.handleListArtifacts)
	})

	return r
}

func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Principal")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := s.MaxUploadBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))
	if err := r.ParseMultipartForm(limit); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("image")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'image' file: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("read image: %w", err))
		return
	}

	id, err := s.Jobs.Submit(ctx, PrincipalFrom(ctx), orchestrator.Upload{Data: data, Filename: header.Filename})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.Jobs.GetStatus(ctx, chi.URLParam(r, "id"), PrincipalFrom(ctx))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var state *model.JobState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		parsed := model.JobState(raw)
		if !parsed.Valid() {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid state: %s", raw))
			return
		}
		state = &parsed
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	jobs, err := s.Jobs.ListJobs(ctx, PrincipalFrom(ctx), state, limit)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.Jobs.Cancel(ctx, chi.URLParam(r, "id"), PrincipalFrom(ctx))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dl, err := s.Jobs.Download(ctx, chi.URLParam(r, "id"), PrincipalFrom(ctx))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	defer dl.Body.Close()

	contentType := dl.Artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Artifact.SizeBytes, 10))
	w.Header().Set("Cache-Control", "no-store")
	if dl.Artifact.Checksum != "" {
		w.Header().Set("ETag", strconv.Quote(dl.Artifact.Checksum))
	}
	_, _ = io.Copy(w, dl.Body)
}

func (s Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	arts, err := s.Jobs.ListArtifacts(ctx, PrincipalFrom(ctx))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	resp := make([]map[string]any, 0, len(arts))
	for _, a := range arts {
		resp = append(resp, artifactResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func artifactResponse(a model.Artifact) map[string]any {
	return map[string]any{
		"location":  a.Location,
		"jobId":     a.JobID,
		"createdAt": a.CreatedAt,
		"sizeBytes": a.SizeBytes,
		"checksum":  a.Checksum,
		"resultUrl": "/v1/jobs/" + a.JobID + "/result",
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotReady),
		errors.Is(err, model.ErrAlreadyTerminal),
		errors.Is(err, model.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, model.ErrProviderRejected):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrProviderUnavailable), errors.Is(err, model.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeServiceErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusNotFound {
		// Unknown and foreign resources must look identical.
		err = model.ErrNotFound
	}
	if code == http.StatusInternalServerError {
		err = errors.New("internal error")
	}
	writeErr(w, code, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
