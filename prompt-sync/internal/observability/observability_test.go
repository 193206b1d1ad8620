package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/config"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
)

func TestMetricsCount(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.batchItems.WithLabelValues("failed"))
	RecordBatchItem("failed")
	RecordBatchItem("failed")
	assert.Equal(t, before+2, testutil.ToFloat64(m.batchItems.WithLabelValues("failed")))

	SetQueueDepth("pending", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.queueDepth.WithLabelValues("pending")))

	ObserveStep("generation", time.Now().Add(-time.Second), errors.New("boom"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stepLatency))
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), logger.Nop(), config.TracingConfig{}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "noop", "t-1")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("ignored"))
}

func TestClampRatio(t *testing.T) {
	assert.Equal(t, 0.0, clampRatio(-1))
	assert.Equal(t, 1.0, clampRatio(3))
	assert.Equal(t, 0.25, clampRatio(0.25))
}
