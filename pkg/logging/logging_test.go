package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFieldsSkipEmpty(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("order built", Fields{OrderID: 12, Step: "build", Status: "ok"}.Zap()...)

	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, int64(12), ctx["order_id"])
	assert.Equal(t, "build", ctx["step"])
	assert.Equal(t, "ok", ctx["status"])
	assert.NotContains(t, ctx, "event_id")
	assert.NotContains(t, ctx, "duration_ms")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("order-service", "loud")
	require.Error(t, err)

	logger, err := New("order-service", "debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}
