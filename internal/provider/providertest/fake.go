// Package providertest provides a scripted provider.Client for tests.
package providertest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/meshforge/internal/model"
	"github.com/example/meshforge/internal/provider"
)

// Step is one scripted Poll response. Exactly one of Outcome or Err is used.
type Step struct {
	Outcome provider.Outcome
	Err     error
}

func InProgress(progress int) Step {
	return Step{Outcome: provider.Outcome{State: provider.OutcomeInProgress, Progress: progress}}
}

func Succeeded(url string) Step {
	return Step{Outcome: provider.Outcome{State: provider.OutcomeSucceeded, Progress: 100, ResultURL: url}}
}

func Failed(msg string) Step {
	return Step{Outcome: provider.Outcome{State: provider.OutcomeFailed, Message: msg}}
}

func Canceled() Step {
	return Step{Outcome: provider.Outcome{State: provider.OutcomeCanceled}}
}

func Unavailable() Step {
	return Step{Err: fmt.Errorf("%w: scripted", model.ErrProviderUnavailable)}
}

func Rejected() Step {
	return Step{Err: fmt.Errorf("%w: scripted", model.ErrProviderRejected)}
}

// Fake replays a poll script per external reference. Once a script is
// exhausted its last step repeats; an empty script repeats Unavailable.
type Fake struct {
	mu          sync.Mutex
	script      []Step
	scripts     map[string][]Step
	cursor      map[string]int
	body        []byte
	fetchErrs   []error
	submitErrs  []error
	submitDelay time.Duration
	pollBlock   chan struct{}

	seq     atomic.Int64
	submits atomic.Int64
	polls   atomic.Int64
	fetches atomic.Int64
}

func New(body []byte, steps ...Step) *Fake {
	return &Fake{
		script:  steps,
		scripts: map[string][]Step{},
		cursor:  map[string]int{},
		body:    body,
	}
}

// SetScript overrides the default script for a single reference.
func (f *Fake) SetScript(ref string, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[ref] = steps
}

// FailSubmits makes the next len(errs) Submit calls return those errors.
func (f *Fake) FailSubmits(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// FailFetches makes the next len(errs) Fetch calls return those errors.
func (f *Fake) FailFetches(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErrs = append(f.fetchErrs, errs...)
}

// SlowSubmit delays every Submit by d, or until ctx is done.
func (f *Fake) SlowSubmit(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitDelay = d
}

// BlockPolls makes Poll wait until the returned func is called or ctx ends.
func (f *Fake) BlockPolls() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.pollBlock = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *Fake) Submit(ctx context.Context, img provider.Image) (string, error) {
	f.submits.Add(1)
	f.mu.Lock()
	delay := f.submitDelay
	var err error
	if len(f.submitErrs) > 0 {
		err, f.submitErrs = f.submitErrs[0], f.submitErrs[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("task-%d", f.seq.Add(1)), nil
}

func (f *Fake) Poll(ctx context.Context, ref string) (provider.Outcome, error) {
	f.polls.Add(1)
	f.mu.Lock()
	block := f.pollBlock
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return provider.Outcome{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	steps, ok := f.scripts[ref]
	if !ok {
		steps = f.script
	}
	if len(steps) == 0 {
		return provider.Outcome{}, Unavailable().Err
	}
	i := f.cursor[ref]
	if i >= len(steps) {
		i = len(steps) - 1
	} else {
		f.cursor[ref] = i + 1
	}
	return steps[i].Outcome, steps[i].Err
}

func (f *Fake) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	f.fetches.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

func (f *Fake) Submits() int64 { return f.submits.Load() }
func (f *Fake) Polls() int64   { return f.polls.Load() }
func (f *Fake) Fetches() int64 { return f.fetches.Load() }

var _ provider.Client = (*Fake)(nil)
