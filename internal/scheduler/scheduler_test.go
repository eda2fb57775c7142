package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"circulation/internal/obs"
)

type countingTask struct {
	name string
	runs atomic.Int32
	err  error
}

func (t *countingTask) Name() string { return t.name }

func (t *countingTask) RunOnce(ctx context.Context) error {
	t.runs.Add(1)
	return t.err
}

func TestScheduler_RunsImmediatelyAndOnTicks(t *testing.T) {
	task := &countingTask{name: "reservation_expiry"}
	s := New(zap.NewNop(), nil)
	s.Add(task, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return task.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_DisabledTask(t *testing.T) {
	task := &countingTask{name: "balance_reconcile"}
	s := New(zap.NewNop(), nil)
	s.Add(task, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, int32(0), task.runs.Load())
}

func TestScheduler_RunNowCountsResults(t *testing.T) {
	metrics := obs.NewMetrics(prometheus.NewRegistry())
	s := New(zap.NewNop(), metrics)

	ok := &countingTask{name: "fine_sweep"}
	failing := &countingTask{name: "fine_sweep", err: errors.New("db down")}

	assert.NoError(t, s.RunNow(context.Background(), ok))
	assert.Error(t, s.RunNow(context.Background(), failing))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("fine_sweep", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobRunsTotal.WithLabelValues("fine_sweep", "error")))
}
