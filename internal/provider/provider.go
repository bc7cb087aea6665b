// Package provider defines the contract with the external image-to-3D
// conversion service and ships the Meshy adapter.
//
// Errors returned by a Client wrap one of model.ErrProviderUnavailable
// (transient; the caller may retry), model.ErrProviderRejected (terminal) or
// model.ErrArtifactMissing (Fetch only).
package provider

import (
	"context"
	"io"
)

type OutcomeState string

const (
	OutcomeInProgress OutcomeState = "in_progress"
	OutcomeSucceeded  OutcomeState = "succeeded"
	OutcomeFailed     OutcomeState = "failed"
	OutcomeCanceled   OutcomeState = "canceled"
)

// Outcome is one observation of a provider task.
type Outcome struct {
	State     OutcomeState
	Progress  int
	ResultURL string
	Message   string
}

// Image is the payload submitted for conversion.
type Image struct {
	Data        []byte
	ContentType string
}

// Client is stateless between calls and never touches job or artifact
// storage.
type Client interface {
	Submit(ctx context.Context, img Image) (string, error)
	Poll(ctx context.Context, ref string) (Outcome, error)
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}
