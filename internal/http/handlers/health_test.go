package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livecast-io/livecast/internal/broker"
)

func TestGetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	require.NotNil(t, output)

	assert.Equal(t, "healthy", output.Body.Status)
	assert.Equal(t, "1.0.0", output.Body.Version)
	assert.NotEmpty(t, output.Body.Uptime)
	assert.NotZero(t, output.Body.CPUInfo.Cores)
	assert.Equal(t, "not_configured", output.Body.Checks["database"])
	assert.Equal(t, "not_configured", output.Body.Checks["broker"])
}

func TestGetHealthWithBroker(t *testing.T) {
	b := broker.NewMemoryBroker()
	defer b.Close()

	handler := NewHealthHandler("1.0.0").WithBroker(b)

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", output.Body.Checks["broker"])
}
