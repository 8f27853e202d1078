package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	host, path, insecure := parseEndpoint("http://collector:4318/v1/traces")
	assert.Equal(t, "collector:4318", host)
	assert.Equal(t, "/v1/traces", path)
	assert.True(t, insecure)

	host, path, insecure = parseEndpoint("https://otel.example.com/custom")
	assert.Equal(t, "otel.example.com", host)
	assert.Equal(t, "/custom", path)
	assert.False(t, insecure)

	host, path, insecure = parseEndpoint("localhost:4318")
	assert.Equal(t, "localhost:4318", host)
	assert.Equal(t, "/v1/traces", path)
	assert.True(t, insecure)
}

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "paysession", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
