package harness

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ChuLiYu/flink-harness/internal/messaging"
	"github.com/ChuLiYu/flink-harness/internal/registry"
	"github.com/ChuLiYu/flink-harness/internal/sandbox"
	"github.com/ChuLiYu/flink-harness/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStandaloneBatch creates a batch on a fresh broker with an existing input
// channel.
func newStandaloneBatch(t *testing.T, threshold int, opts ...messaging.BrokerOption) (*Batch, *messaging.Broker) {
	t.Helper()
	broker := messaging.NewBroker(opts...)
	require.NoError(t, broker.CreateChannel(context.Background(), "in", 1))
	producer, err := broker.NewProducer()
	require.NoError(t, err)
	return newBatch("b-1", "batch-1", "acme", "in", producer, threshold, nil), broker
}

func TestSubmitRecordCountsOnlyAccepted(t *testing.T) {
	b, _ := newStandaloneBatch(t, 0, messaging.WithMaxMessageBytes(8))
	ctx := context.Background()

	require.NoError(t, b.SubmitRecord(ctx, "r1", []byte(`{"a":1}`)))
	err := b.SubmitRecord(ctx, "r2", []byte(`{"too":"large"}`))
	require.NoError(t, b.SubmitRecord(ctx, "r3", []byte(`{"b":2}`)))

	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "r2", subErr.Record)
	assert.ErrorIs(t, err, messaging.ErrMessageTooLarge)
	assert.Equal(t, int64(2), b.Sent(), "sent should equal the number of accepted calls")
}

func TestSubmitRecordHeadersAndKey(t *testing.T) {
	b, broker := newStandaloneBatch(t, 0)
	ctx := context.Background()

	require.NoError(t, b.SubmitRecord(ctx, "patient-1", []byte(`{}`)))
	require.NoError(t, b.producer.Flush(ctx))

	msgs := broker.Messages("in")
	require.Len(t, msgs, 1)
	assert.Equal(t, "b-1", msgs[0].Key)
	assert.Equal(t, "patient-1", msgs[0].Header(messaging.HeaderRecordName))
	assert.Equal(t, "b-1", msgs[0].Header(messaging.HeaderBatchID))
}

func TestSubmitRecordFlushesFullBuffer(t *testing.T) {
	b, broker := newStandaloneBatch(t, 8)
	ctx := context.Background()

	require.NoError(t, b.SubmitRecord(ctx, "r1", []byte("12345")))
	require.NoError(t, b.SubmitRecord(ctx, "r2", []byte("12345")))
	assert.Empty(t, broker.Messages("in"), "below threshold nothing is flushed")

	require.NoError(t, b.SubmitRecord(ctx, "r3", []byte("12345")))
	assert.Len(t, broker.Messages("in"), 2, "a full buffer is flushed before the next write")
	assert.Equal(t, 5, b.producer.BufferedBytes())
}

func TestSubmitRecordFlushFailure(t *testing.T) {
	b, broker := newStandaloneBatch(t, 1)
	ctx := context.Background()

	require.NoError(t, b.SubmitRecord(ctx, "r1", []byte("x")))
	require.NoError(t, broker.DeleteChannel(ctx, "in"))

	err := b.SubmitRecord(ctx, "r2", []byte("y"))

	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Empty(t, subErr.Record, "flush failures carry no record name")
	assert.Equal(t, int64(1), b.Sent())
}

func TestSubmitRecordConcurrent(t *testing.T) {
	b, broker := newStandaloneBatch(t, 64)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, b.SubmitRecord(ctx, "r", []byte("{}")))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, b.producer.Flush(ctx))

	assert.Equal(t, int64(400), b.Sent())
	assert.Len(t, broker.Messages("in"), 400)
}

func TestCompleteFlushesThenTransitions(t *testing.T) {
	broker := messaging.NewBroker()
	ctx := context.Background()
	require.NoError(t, broker.CreateChannel(ctx, "in", 1))
	producer, err := broker.NewProducer()
	require.NoError(t, err)

	reg := sandbox.NewMemoryRegistry()
	id, err := reg.CreateBatch(ctx, testCred, "acme", registry.Template{Name: "batch-1", Topic: "in"})
	require.NoError(t, err)

	// 送出完成前，所有紀錄必須已寫入 channel
	reg.OnSendComplete(func(rec sandbox.BatchRecord) {
		assert.Len(t, broker.Messages("in"), 3)
		assert.Equal(t, int64(3), rec.ExpectedRecordCount)
	})

	b := newBatch(id, "batch-1", "acme", "in", producer, 0, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.SubmitRecord(ctx, "r", []byte("{}")))
	}
	require.NoError(t, b.Complete(ctx, reg, testCred))

	rec, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StatusSendCompleted, rec.Status)
	assert.Equal(t, int64(3), rec.ExpectedRecordCount)
}

func TestCompleteRegistryFailure(t *testing.T) {
	b, _ := newStandaloneBatch(t, 0)
	reg := sandbox.NewMemoryRegistry()
	reg.FailTransition = errors.New("503 unavailable")

	err := b.Complete(context.Background(), reg, testCred)

	var regErr *RegistryTransitionError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, types.BatchID("b-1"), regErr.BatchID)
	assert.Equal(t, registry.ActionSendComplete, regErr.Action)
}

func TestCompleteFlushFailure(t *testing.T) {
	b, broker := newStandaloneBatch(t, 0)
	ctx := context.Background()
	require.NoError(t, b.SubmitRecord(ctx, "r1", []byte("{}")))
	require.NoError(t, broker.DeleteChannel(ctx, "in"))

	err := b.Complete(ctx, sandbox.NewMemoryRegistry(), testCred)

	var subErr *SubmissionError
	assert.True(t, errors.As(err, &subErr))
}

// TestCompletedIsConjunction walks every position of the completed
// notification among three received records.
func TestCompletedIsConjunction(t *testing.T) {
	for pos := 0; pos <= 3; pos++ {
		b, _ := newStandaloneBatch(t, 0)
		for i := 0; i < 3; i++ {
			require.NoError(t, b.SubmitRecord(context.Background(), "r", []byte("{}")))
		}
		b.applyNotification(types.Notification{ID: b.ID(), Status: types.StatusStarted})
		b.applyNotification(types.Notification{ID: b.ID(), Status: types.StatusSendCompleted})

		received := 0
		for step := 0; step <= 3; step++ {
			if step == pos {
				b.applyNotification(types.Notification{ID: b.ID(), Status: types.StatusCompleted})
			}
			if step < 3 {
				b.markReceived()
				received++
			}
			want := b.ProcessingComplete() && b.Received() == b.Sent()
			assert.Equal(t, want, b.Completed(), "pos=%d step=%d", pos, step)
		}
		assert.True(t, b.Completed(), "pos=%d", pos)
		assert.Equal(t, 3, received)
	}
}

func TestCheckTransition(t *testing.T) {
	b, _ := newStandaloneBatch(t, 0)

	assert.Error(t, b.checkTransition(types.StatusSendCompleted), "started cannot be skipped")
	require.NoError(t, b.checkTransition(types.StatusStarted))
	b.applyNotification(types.Notification{Status: types.StatusStarted})
	require.NoError(t, b.checkTransition(types.StatusSendCompleted))
	b.applyNotification(types.Notification{Status: types.StatusSendCompleted})
	require.NoError(t, b.checkTransition(types.StatusCompleted))
	b.applyNotification(types.Notification{Status: types.StatusCompleted})

	err := b.checkTransition(types.StatusCompleted)
	var pv *ProtocolViolationError
	require.True(t, errors.As(err, &pv))
	assert.Contains(t, pv.Reason, "terminal")
}

func TestInfo(t *testing.T) {
	info := newInfo()

	info.Set("status", "started")
	assert.Equal(t, "started", info.GetString("status"))
	assert.Equal(t, "", info.GetString("missing"))

	assert.Equal(t, int64(1), info.Add("valid", 1))
	assert.Equal(t, int64(3), info.Add("valid", 2))
	assert.Equal(t, int64(3), info.GetInt("valid"))

	snap := info.Snapshot()
	snap["status"] = "mutated"
	assert.Equal(t, "started", info.GetString("status"), "snapshot is a copy")
}
