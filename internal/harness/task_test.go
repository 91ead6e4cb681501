package harness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskReturnsError(t *testing.T) {
	boom := errors.New("boom")
	task := Go(context.Background(), "worker", func(ctx context.Context) error { return boom })

	assert.ErrorIs(t, task.Wait(), boom)
	assert.False(t, task.Alive())
	assert.ErrorIs(t, task.Err(), boom)
	assert.Equal(t, "worker", task.Name())
}

func TestTaskRecoversPanic(t *testing.T) {
	task := Go(context.Background(), "worker", func(ctx context.Context) error { panic("kaboom") })

	err := task.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestTaskCancel(t *testing.T) {
	started := make(chan struct{})
	task := Go(context.Background(), "worker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	<-started

	assert.True(t, task.Alive())
	assert.NoError(t, task.Err(), "Err is nil while running")

	task.Cancel()
	assert.NoError(t, task.Wait())
	assert.False(t, task.Alive())
}

func TestTaskIgnoresParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	task := Go(parent, "worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cancel()
	select {
	case <-task.Done():
		t.Fatal("task should only stop through Cancel")
	case <-time.After(20 * time.Millisecond):
	}

	task.Cancel()
	assert.ErrorIs(t, task.Wait(), context.Canceled)
}

func TestSessionNumbering(t *testing.T) {
	s := NewSession(WithClock(func() time.Time { return time.Unix(42, 0) }))

	assert.Equal(t, int64(1), s.NextJob())
	assert.Equal(t, int64(2), s.NextJob())
	assert.Equal(t, int64(1), s.NextBatch())
	assert.Equal(t, int64(2), s.NextBatch())
	assert.Equal(t, int64(42), s.Now().Unix())
}
