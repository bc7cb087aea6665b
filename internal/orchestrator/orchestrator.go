// Package orchestrator runs image-to-3D jobs: it submits work to the
// provider, tracks each job in a detached task until the provider settles,
// and commits the resulting model to the artifact store exactly once.
package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/meshforge/internal/access"
	"github.com/example/meshforge/internal/artifact"
	"github.com/example/meshforge/internal/metrics"
	"github.com/example/meshforge/internal/model"
	"github.com/example/meshforge/internal/provider"
	"github.com/example/meshforge/internal/store"
)

var (
	errCanceledByOwner = errors.New("canceled by owner")
	errShutdown        = errors.New("orchestrator shutting down")
)

const storeTimeout = 10 * time.Second

// Config tunes submission, polling and artifact fetching.
type Config struct {
	MaxImageBytes        int64
	Poll                 Backoff
	MaxTransientFailures int
	// PollTimeout bounds how long a task keeps polling a job the provider
	// reports as in progress. Zero disables the bound.
	PollTimeout          time.Duration
	SubmitAttempts       int
	FetchAttempts        int
	MaxConcurrentFetches int64
	DedupeInFlight       bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxImageBytes: 10 << 20,
		Poll: Backoff{
			Initial:    2 * time.Second,
			Max:        30 * time.Second,
			Multiplier: 1.5,
			Jitter:     true,
		},
		MaxTransientFailures: 5,
		PollTimeout:          15 * time.Minute,
		SubmitAttempts:       3,
		FetchAttempts:        3,
		MaxConcurrentFetches: 4,
	}
}

// Deps are the collaborators an Orchestrator drives. Metrics and Logger may be nil.
type Deps struct {
	Jobs      store.JobRegistry
	Artifacts *artifact.Store
	Gate      *access.Gate
	Provider  provider.Client
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Upload is an image as received from a principal.
type Upload struct {
	Data     []byte
	Filename string
}

// Status is the principal-facing view of a job.
type Status struct {
	ID        string         `json:"id"`
	State     model.JobState `json:"state"`
	Progress  int            `json:"progress"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Download is a committed artifact ready to stream. Callers must close Body.
type Download struct {
	Artifact model.Artifact
	Filename string
	Body     io.ReadCloser
}

type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Orchestrator owns one background task per non-terminal job.
type Orchestrator struct {
	cfg       Config
	jobs      store.JobRegistry
	artifacts *artifact.Store
	gate      *access.Gate
	provider  provider.Client
	metrics   *metrics.Collector
	logger    *zap.Logger
	fetchSem  *semaphore.Weighted
	now       func() time.Time

	base context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	tasks    map[string]*task
	inflight map[string]string // dedupe key -> job id, "" while the provider submit runs
}

// New returns an Orchestrator. Non-positive limits in cfg are raised to one.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxTransientFailures <= 0 {
		cfg.MaxTransientFailures = 1
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = 1
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 1
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = 1
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		jobs:      deps.Jobs,
		artifacts: deps.Artifacts,
		gate:      deps.Gate,
		provider:  deps.Provider,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(zap.String("component", "orchestrator")),
		fetchSem:  semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		now:       time.Now,
		base:      base,
		stop:      stop,
		tasks:     make(map[string]*task),
		inflight:  make(map[string]string),
	}
}

// Submit validates the upload, registers it with the provider and records a
// pending job. Polling continues in the background; Submit returns once the
// job exists.
func (o *Orchestrator) Submit(ctx context.Context, owner string, up Upload) (string, error) {
	contentType, err := o.validate(owner, up)
	if err != nil {
		o.metrics.Submitted("invalid")
		return "", err
	}
	sum := blake3.Sum256(up.Data)
	fingerprint := hex.EncodeToString(sum[:])

	var key string
	if o.cfg.DedupeInFlight {
		key = dedupeKey(owner, fingerprint)
	}
	existing, err := o.reserve(key)
	if err != nil {
		o.metrics.Submitted("rejected")
		return "", err
	}
	if existing != "" {
		o.metrics.Submitted("duplicate")
		return existing, nil
	}

	ref, err := o.submitWithRetry(ctx, provider.Image{Data: up.Data, ContentType: contentType})
	if err != nil {
		o.release(key, "")
		o.metrics.Submitted("provider_error")
		return "", err
	}

	now := o.now().UTC()
	job := model.Job{
		ID:          uuid.NewString(),
		Owner:       owner,
		ExternalRef: ref,
		State:       model.JobPending,
		Fingerprint: fingerprint,
		SourceName:  up.Filename,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		o.release(key, "")
		o.metrics.Submitted("store_error")
		return "", fmt.Errorf("create job: %w", err)
	}
	o.metrics.Submitted("accepted")
	o.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("owner", owner),
		zap.String("external_ref", ref),
		zap.Int("image_bytes", len(up.Data)),
	)

	if err := o.start(job, key); err != nil {
		// Closed while submitting. The pending record is picked up by the
		// next Resume on a durable backend.
		o.release(key, "")
		o.logger.Warn("job recorded but not started", zap.String("job_id", job.ID), zap.Error(err))
	}
	return job.ID, nil
}

func (o *Orchestrator) validate(owner string, up Upload) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("%w: missing principal", model.ErrInvalidInput)
	}
	if len(up.Data) == 0 {
		return "", fmt.Errorf("%w: empty image", model.ErrInvalidInput)
	}
	if o.cfg.MaxImageBytes > 0 && int64(len(up.Data)) > o.cfg.MaxImageBytes {
		return "", fmt.Errorf("%w: image exceeds %d bytes", model.ErrInvalidInput, o.cfg.MaxImageBytes)
	}
	ct := http.DetectContentType(up.Data)
	if ct != "image/png" && ct != "image/jpeg" {
		return "", fmt.Errorf("%w: unsupported image type %s", model.ErrInvalidInput, ct)
	}
	return ct, nil
}

func (o *Orchestrator) submitWithRetry(ctx context.Context, img provider.Image) (string, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.SubmitAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, o.cfg.Poll.Delay(attempt-1)); err != nil {
				return "", err
			}
		}
		ref, err := o.provider.Submit(ctx, img)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, model.ErrProviderUnavailable) {
			return "", err
		}
		lastErr = err
		o.logger.Warn("provider submit failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return "", lastErr
}

func dedupeKey(owner, fingerprint string) string {
	return owner + "\x00" + fingerprint
}

// reserve claims key for a new submission. It returns the id of a running
// job with the same key, or ErrDuplicate if another submission holds it.
func (o *Orchestrator) reserve(key string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", model.ErrClosed
	}
	if key == "" {
		return "", nil
	}
	id, held := o.inflight[key]
	switch {
	case held && id == "":
		return "", model.ErrDuplicate
	case held:
		return id, nil
	}
	o.inflight[key] = ""
	return "", nil
}

// release drops key if it still maps to jobID.
func (o *Orchestrator) release(key, jobID string) {
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.inflight[key]; ok && id == jobID {
		delete(o.inflight, key)
	}
}

func (o *Orchestrator) start(job model.Job, key string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return model.ErrClosed
	}
	if _, running := o.tasks[job.ID]; running {
		o.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancelCause(o.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	o.tasks[job.ID] = t
	if key != "" {
		o.inflight[key] = job.ID
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(ctx, t, job, key)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, t *task, job model.Job, key string) {
	o.metrics.TaskStarted()
	defer func() {
		t.cancel(nil)
		o.mu.Lock()
		delete(o.tasks, job.ID)
		o.mu.Unlock()
		o.release(key, job.ID)
		close(t.done)
		o.metrics.TaskStopped()
		o.wg.Done()
	}()
	o.track(ctx, job)
}

// track drives job from pending or polling to a terminal state. It returns
// early without a transition only when the orchestrator shuts down.
func (o *Orchestrator) track(ctx context.Context, job model.Job) {
	log := o.logger.With(zap.String("job_id", job.ID), zap.String("owner", job.Owner))

	if job.State == model.JobPending {
		next, err := o.transition(ctx, job.ID, model.Transition{To: model.JobPolling})
		if err != nil {
			log.Warn("could not start polling", zap.Error(err))
			return
		}
		job = next
	}

	if a, ok := o.committed(ctx, job); ok {
		log.Info("reusing committed artifact", zap.String("location", a.Location))
		o.succeed(ctx, job, a, log)
		return
	}

	started := o.now()
	transient := 0
	for attempt := 0; ; attempt++ {
		if err := sleep(ctx, o.cfg.Poll.Delay(attempt)); err != nil {
			o.interrupted(ctx, job, log)
			return
		}
		out, err := o.provider.Poll(ctx, job.ExternalRef)
		if ctx.Err() != nil {
			o.interrupted(ctx, job, log)
			return
		}
		if err != nil {
			if errors.Is(err, model.ErrProviderUnavailable) {
				transient++
				o.metrics.Polled("unavailable")
				log.Warn("provider poll failed", zap.Int("consecutive", transient), zap.Error(err))
				if transient >= o.cfg.MaxTransientFailures {
					o.fail(ctx, job, "provider timeout", log)
					return
				}
				continue
			}
			o.metrics.Polled("rejected")
			o.fail(ctx, job, err.Error(), log)
			return
		}
		transient = 0
		o.metrics.Polled(string(out.State))

		switch out.State {
		case provider.OutcomeInProgress:
			if out.Progress != job.Progress {
				p := out.Progress
				next, err := o.transition(ctx, job.ID, model.Transition{To: model.JobPolling, Progress: &p})
				if err != nil {
					log.Error("failed to record progress", zap.Error(err))
					if errors.Is(err, model.ErrInvalidTransition) {
						return
					}
				} else {
					job = next
				}
			}
			if o.cfg.PollTimeout > 0 && o.now().Sub(started) >= o.cfg.PollTimeout {
				o.fail(ctx, job, "provider timeout", log)
				return
			}
		case provider.OutcomeSucceeded:
			if out.ResultURL == "" {
				o.fail(ctx, job, "provider returned no model url", log)
				return
			}
			o.complete(ctx, job, out.ResultURL, log)
			return
		case provider.OutcomeFailed:
			msg := out.Message
			if msg == "" {
				msg = "provider reported failure"
			}
			o.fail(ctx, job, msg, log)
			return
		case provider.OutcomeCanceled:
			o.finish(ctx, job, model.Transition{To: model.JobCanceled}, log)
			return
		default:
			o.fail(ctx, job, fmt.Sprintf("unknown provider state %q", out.State), log)
			return
		}
	}
}

// complete downloads and commits the artifact, then marks the job succeeded.
func (o *Orchestrator) complete(ctx context.Context, job model.Job, url string, log *zap.Logger) {
	if err := o.fetchSem.Acquire(ctx, 1); err != nil {
		o.interrupted(ctx, job, log)
		return
	}
	defer o.fetchSem.Release(1)

	a, err := o.commit(ctx, job, url, log)
	if err != nil {
		if ctx.Err() != nil {
			o.interrupted(ctx, job, log)
			return
		}
		o.fail(ctx, job, err.Error(), log)
		return
	}
	o.metrics.ArtifactStored(a.SizeBytes)
	o.succeed(ctx, job, a, log)
}

// succeed marks job succeeded with a. If the registry refuses, the artifact is
// discarded and the job failed.
func (o *Orchestrator) succeed(ctx context.Context, job model.Job, a model.Artifact, log *zap.Logger) {
	if _, err := o.transition(ctx, job.ID, model.Transition{To: model.JobSucceeded, ArtifactLocation: a.Location}); err != nil {
		log.Error("failed to mark job succeeded; discarding artifact", zap.Error(err))
		o.discard(ctx, job, log)
		o.fail(ctx, job, "record result: "+err.Error(), log)
		return
	}
	o.observeFinished(job, model.JobSucceeded)
	log.Info("job succeeded", zap.String("location", a.Location), zap.Int64("size_bytes", a.SizeBytes))
}

// committed reports an artifact a previous run stored for job before it
// stopped short of recording the job as succeeded.
func (o *Orchestrator) committed(ctx context.Context, job model.Job) (model.Artifact, bool) {
	a, err := o.artifacts.Get(ctx, artifact.Location(job.Owner, job.ID))
	if err != nil || a.JobID != job.ID {
		return model.Artifact{}, false
	}
	return a, true
}

// discard removes whatever is stored at job's artifact location, indexed or not.
func (o *Orchestrator) discard(ctx context.Context, job model.Job, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	loc := artifact.Location(job.Owner, job.ID)
	if err := o.artifacts.Discard(ctx, loc); err != nil {
		log.Error("failed to discard artifact", zap.String("location", loc), zap.Error(err))
	}
}

func (o *Orchestrator) commit(ctx context.Context, job model.Job, url string, log *zap.Logger) (model.Artifact, error) {
	if a, ok := o.committed(ctx, job); ok {
		return a, nil
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.FetchAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, o.cfg.Poll.Delay(attempt-1)); err != nil {
				return model.Artifact{}, err
			}
		}
		a, err := o.fetchOnce(ctx, job, url)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil || !errors.Is(err, model.ErrProviderUnavailable) {
			return model.Artifact{}, err
		}
		lastErr = err
		log.Warn("artifact fetch failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return model.Artifact{}, lastErr
}

func (o *Orchestrator) fetchOnce(ctx context.Context, job model.Job, url string) (model.Artifact, error) {
	body, err := o.provider.Fetch(ctx, url)
	if err != nil {
		return model.Artifact{}, err
	}
	defer body.Close()
	return o.artifacts.Put(ctx, job.Owner, job.ID, body)
}

// interrupted handles a task whose context ended. An owner cancel ends the
// job; a shutdown leaves it polling for Resume.
func (o *Orchestrator) interrupted(ctx context.Context, job model.Job, log *zap.Logger) {
	if errors.Is(context.Cause(ctx), errCanceledByOwner) {
		o.finish(ctx, job, model.Transition{To: model.JobCanceled}, log)
		return
	}
	log.Info("task stopped; job left for resume", zap.String("state", string(job.State)))
}

func (o *Orchestrator) fail(ctx context.Context, job model.Job, msg string, log *zap.Logger) {
	o.finish(ctx, job, model.Transition{To: model.JobFailed, Error: msg}, log)
}

func (o *Orchestrator) finish(ctx context.Context, job model.Job, tr model.Transition, log *zap.Logger) {
	if _, err := o.transition(ctx, job.ID, tr); err != nil {
		log.Error("failed to record terminal state", zap.String("state", string(tr.To)), zap.Error(err))
		return
	}
	// Only a succeeded job may own an artifact.
	o.discard(ctx, job, log)
	o.observeFinished(job, tr.To)
	if tr.To == model.JobFailed {
		log.Warn("job failed", zap.String("error", tr.Error))
		return
	}
	log.Info("job finished", zap.String("state", string(tr.To)))
}

func (o *Orchestrator) observeFinished(job model.Job, state model.JobState) {
	o.metrics.Finished(string(state), o.now().Sub(job.CreatedAt))
}

// transition writes to the registry even after ctx is canceled so that the
// terminal state of a canceled task is always recorded.
func (o *Orchestrator) transition(ctx context.Context, id string, tr model.Transition) (model.Job, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	return o.jobs.TransitionJob(ctx, id, tr)
}

// GetStatus reports a job owned by owner. Foreign and unknown jobs are ErrNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID, owner string) (Status, error) {
	job, err := o.gate.AuthorizeJob(ctx, owner, jobID)
	if err != nil {
		return Status{}, err
	}
	return toStatus(job), nil
}

// ListJobs returns the owner's jobs, newest first. A nil state matches all.
func (o *Orchestrator) ListJobs(ctx context.Context, owner string, state *model.JobState, limit int) ([]Status, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: missing principal", model.ErrInvalidInput)
	}
	if state != nil && !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", model.ErrInvalidInput, *state)
	}
	jobs, err := o.jobs.ListJobs(ctx, owner, state, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toStatus(j))
	}
	return out, nil
}

// Download opens the artifact of a succeeded job. Other states are ErrNotReady.
func (o *Orchestrator) Download(ctx context.Context, jobID, owner string) (Download, error) {
	job, err := o.gate.AuthorizeJob(ctx, owner, jobID)
	if err != nil {
		return Download{}, err
	}
	if job.State != model.JobSucceeded {
		return Download{}, fmt.Errorf("%w: job is %s", model.ErrNotReady, job.State)
	}
	a, body, err := o.artifacts.Open(ctx, job.ArtifactLocation)
	if err != nil {
		return Download{}, err
	}
	return Download{Artifact: a, Filename: downloadName(job.SourceName, a.CreatedAt), Body: body}, nil
}

// ListArtifacts returns the owner's artifacts in the order they were stored.
func (o *Orchestrator) ListArtifacts(ctx context.Context, owner string) ([]model.Artifact, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: missing principal", model.ErrInvalidInput)
	}
	return o.artifacts.ListByOwner(ctx, owner)
}

// Cancel stops a non-terminal job and waits for its task to settle. If the
// provider result was already being committed the job may still succeed; the
// returned status reflects the outcome.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, owner string) (Status, error) {
	job, err := o.gate.AuthorizeJob(ctx, owner, jobID)
	if err != nil {
		return Status{}, err
	}
	if job.State.Terminal() {
		return Status{}, model.ErrAlreadyTerminal
	}

	o.mu.Lock()
	t := o.tasks[jobID]
	o.mu.Unlock()
	if t != nil {
		t.cancel(errCanceledByOwner)
		select {
		case <-t.done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
		if job, err = o.jobs.GetJob(ctx, jobID); err != nil {
			return Status{}, err
		}
		if job.State.Terminal() {
			return toStatus(job), nil
		}
	}

	// No task owns the job, or its task stopped for shutdown first.
	job, err = o.transition(ctx, jobID, model.Transition{To: model.JobCanceled})
	if errors.Is(err, model.ErrInvalidTransition) {
		return Status{}, model.ErrAlreadyTerminal
	}
	if err != nil {
		return Status{}, err
	}
	o.discard(ctx, job, o.logger.With(zap.String("job_id", jobID)))
	o.observeFinished(job, model.JobCanceled)
	o.logger.Info("job canceled without running task", zap.String("job_id", jobID))
	return toStatus(job), nil
}

// Await blocks until the job's task has exited and returns the job status.
func (o *Orchestrator) Await(ctx context.Context, jobID, owner string) (Status, error) {
	if _, err := o.gate.AuthorizeJob(ctx, owner, jobID); err != nil {
		return Status{}, err
	}
	o.mu.Lock()
	t := o.tasks[jobID]
	o.mu.Unlock()
	if t != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	return toStatus(job), nil
}

// Resume starts tasks for every non-terminal job in the registry and returns
// how many were started.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	jobs, err := o.jobs.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	started := 0
	for _, job := range jobs {
		var key string
		if o.cfg.DedupeInFlight && job.Fingerprint != "" {
			key = dedupeKey(job.Owner, job.Fingerprint)
		}
		if err := o.start(job, key); err != nil {
			return started, err
		}
		started++
	}
	if started > 0 {
		o.logger.Info("resumed jobs", zap.Int("count", started))
	}
	return started, nil
}

// Shutdown stops accepting work and interrupts every task without changing
// job state, then waits for the tasks to exit or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop(errShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toStatus(j model.Job) Status {
	return Status{
		ID:        j.ID,
		State:     j.State,
		Progress:  j.Progress,
		Error:     j.LastError,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// downloadName derives "<base>_<unix>.glb" from the uploaded file name.
func downloadName(source string, at time.Time) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, base)
	if base == "" || base == "." || strings.Trim(base, "_") == "" {
		base = "model"
	}
	return fmt.Sprintf("%s_%d.glb", base, at.Unix())
}
