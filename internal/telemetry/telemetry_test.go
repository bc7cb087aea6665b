package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/meshforge/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{ServiceName: "meshforge"}, nil)
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.NoError(t, p.Shutdown(context.Background()))

	var nilProvider *Provider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestInitWithEndpoint(t *testing.T) {
	// The gRPC exporter connects lazily, so no collector is needed.
	p, err := Init(context.Background(), config.TelemetryConfig{
		OTLPEndpoint: "127.0.0.1:4317",
		Insecure:     true,
		ServiceName:  "meshforge-test",
		SampleRate:   1,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.tp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}
