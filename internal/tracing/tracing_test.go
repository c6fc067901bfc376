package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOTLPEndpoint(t *testing.T) {
	cases := map[string]string{
		"http://tempo:4318":   "tempo:4318",
		"https://collector":   "collector:4318",
		"otel-collector:4318": "otel-collector:4318",
	}
	for in, want := range cases {
		got, err := parseOTLPEndpoint(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
}

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "checkout", "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
