package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/meshforge/internal/model"
)

const tracerName = "github.com/example/meshforge/internal/provider"

// MeshyConfig configures the Meshy image-to-3d adapter.
type MeshyConfig struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	EnablePBR         bool
	ShouldRemesh      bool
	ShouldTexture     bool
}

func DefaultMeshyConfig() MeshyConfig {
	return MeshyConfig{
		BaseURL:           "https://api.meshy.ai",
		Timeout:           60 * time.Second,
		RequestsPerSecond: 2,
		ShouldRemesh:      true,
		ShouldTexture:     true,
	}
}

// Meshy talks to the Meshy OpenAPI. Submit and Poll share a rate limiter;
// Fetch goes to the returned asset URL and is not limited.
type Meshy struct {
	cfg     MeshyConfig
	client  *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewMeshy(cfg MeshyConfig, logger *zap.Logger) *Meshy {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.meshy.ai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Meshy{
		cfg: cfg,
		// No client-wide timeout: it would cut long artifact downloads.
		// API calls are bounded per request in do.
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, 1),
		tracer:  otel.Tracer(tracerName),
		logger:  logger.With(zap.String("component", "meshy")),
	}
}

type meshyImageTo3DRequest struct {
	ImageURL      string `json:"image_url"`
	EnablePBR     bool   `json:"enable_pbr"`
	ShouldRemesh  bool   `json:"should_remesh"`
	ShouldTexture bool   `json:"should_texture"`
}

type meshyCreateResponse struct {
	Result string `json:"result"`
}

type meshyTaskResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ModelURLs struct {
		GLB string `json:"glb"`
	} `json:"model_urls"`
	TaskError struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

func (p *Meshy) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = url.PathEscape(part)
	}
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/openapi/v1/image-to-3d" + strings.Join(append([]string{""}, escaped...), "/")
}

// Submit creates an image-to-3d task from an inline data URI.
func (p *Meshy) Submit(ctx context.Context, img Image) (ref string, err error) {
	ctx, span := p.tracer.Start(ctx, "meshy.submit", trace.WithAttributes(attribute.Int("image.bytes", len(img.Data))))
	defer func() { endSpan(span, err) }()

	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	body := meshyImageTo3DRequest{
		ImageURL:      "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
		EnablePBR:     p.cfg.EnablePBR,
		ShouldRemesh:  p.cfg.ShouldRemesh,
		ShouldTexture: p.cfg.ShouldTexture,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	var created meshyCreateResponse
	status, err := p.do(ctx, http.MethodPost, p.endpoint(), payload, &created)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("%w: meshy submit status=%d", model.ErrProviderUnavailable, status)
	}
	if created.Result == "" {
		return "", fmt.Errorf("%w: meshy returned no task id", model.ErrProviderRejected)
	}
	span.SetAttributes(attribute.String("meshy.task_id", created.Result))
	p.logger.Debug("task created", zap.String("task_id", created.Result))
	return created.Result, nil
}

// Poll reads the task state. Transport errors, throttling and server errors
// are transient; an unknown task is terminal.
func (p *Meshy) Poll(ctx context.Context, ref string) (out Outcome, err error) {
	ctx, span := p.tracer.Start(ctx, "meshy.poll", trace.WithAttributes(attribute.String("meshy.task_id", ref)))
	defer func() { endSpan(span, err) }()

	var task meshyTaskResponse
	status, err := p.do(ctx, http.MethodGet, p.endpoint(ref), nil, &task)
	if err != nil {
		return Outcome{}, err
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return Outcome{}, fmt.Errorf("%w: meshy poll status=%d", model.ErrProviderUnavailable, status)
	case status >= 400:
		return Outcome{}, fmt.Errorf("%w: meshy poll status=%d", model.ErrProviderRejected, status)
	}

	out = Outcome{Progress: task.Progress, Message: task.TaskError.Message}
	switch task.Status {
	case "PENDING", "IN_PROGRESS":
		out.State = OutcomeInProgress
	case "SUCCEEDED":
		out.State = OutcomeSucceeded
		out.ResultURL = task.ModelURLs.GLB
	case "FAILED", "EXPIRED":
		out.State = OutcomeFailed
		if out.Message == "" {
			out.Message = "meshy task " + strings.ToLower(task.Status)
		}
	case "CANCELED":
		out.State = OutcomeCanceled
	default:
		return Outcome{}, fmt.Errorf("%w: unknown meshy status %q", model.ErrProviderUnavailable, task.Status)
	}
	span.SetAttributes(attribute.String("meshy.status", task.Status), attribute.Int("meshy.progress", task.Progress))
	return out, nil
}

// Fetch streams the artifact at rawURL. A body that ends before its declared
// length surfaces as model.ErrArtifactMissing when read.
func (p *Meshy) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	ctx, span := p.tracer.Start(ctx, "meshy.fetch")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("%w: %v", model.ErrArtifactMissing, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		err = fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
		endSpan(span, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		sentinel := model.ErrArtifactMissing
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			sentinel = model.ErrProviderUnavailable
		}
		err = fmt.Errorf("%w: fetch status=%d", sentinel, resp.StatusCode)
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("http.response_content_length", resp.ContentLength))
	return &fetchBody{body: resp.Body, span: span}, nil
}

func (p *Meshy) do(ctx context.Context, method, endpoint string, payload []byte, out any) (int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if parent := ctx.Err(); parent != nil && errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		p.logger.Warn("meshy error response",
			zap.String("method", method),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(errBody)),
		)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: failed to decode response: %v", model.ErrProviderUnavailable, err)
	}
	return resp.StatusCode, nil
}

type fetchBody struct {
	body io.ReadCloser
	span trace.Span
	err  error
}

func (f *fetchBody) Read(p []byte) (int, error) {
	n, err := f.body.Read(p)
	if err != nil && err != io.EOF {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			f.err = err
		} else {
			f.err = fmt.Errorf("%w: stream incomplete: %v", model.ErrArtifactMissing, err)
		}
		return n, f.err
	}
	return n, err
}

func (f *fetchBody) Close() error {
	endSpan(f.span, f.err)
	return f.body.Close()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
