package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

func TestBackgroundTaskManager_SurvivesErrorsAndPanics(t *testing.T) {
	var calls int32
	m := NewBackgroundTaskManager("test_", time.Second, prometheus.NewRegistry(), func(err error) {
		t.Errorf("unexpected fatal error %v", err)
	})
	m.Register(func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			panic("boom")
		}
		return errors.New("bad iteration")
	}, time.Millisecond, "flaky")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, time.Millisecond)
	assert.False(t, m.StopAll(time.Second))
}

func TestBackgroundTaskManager_DatabaseClosedIsFatal(t *testing.T) {
	fatal := make(chan error, 1)
	m := NewBackgroundTaskManager("test_", time.Second, prometheus.NewRegistry(), func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	m.Register(func(ctx context.Context) error {
		return errors.WithStack(&batchflowerrors.ErrDatabaseClosed{Cause: errors.New("closed")})
	}, time.Millisecond, "sync")

	select {
	case err := <-fatal:
		assert.True(t, batchflowerrors.IsDatabaseClosed(err))
	case <-time.After(time.Second):
		t.Fatal("fatal handler not called")
	}
	assert.False(t, m.StopAll(time.Second))
}
