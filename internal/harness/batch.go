package harness

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/flink-harness/internal/messaging"
	"github.com/ChuLiYu/flink-harness/internal/registry"
	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// DefaultFlushThreshold 緩衝超過 1 MiB 時先 flush 再寫入
const DefaultFlushThreshold = 1 << 20

// ============================================================================
// Info 批次狀態袋
// ============================================================================

// Info is an open key/value bag handlers use to track a batch's progress
// (last seen status, valid/invalid counts, timing markers).
type Info struct {
	mu sync.RWMutex
	m  map[string]interface{}
}

func newInfo() *Info {
	return &Info{m: make(map[string]interface{})}
}

// Get returns the value stored under key.
func (i *Info) Get(key string) (interface{}, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.m[key]
	return v, ok
}

// GetString returns the string under key, or "".
func (i *Info) GetString(key string) string {
	v, _ := i.Get(key)
	s, _ := v.(string)
	return s
}

// GetInt returns the int64 under key, or 0.
func (i *Info) GetInt(key string) int64 {
	v, _ := i.Get(key)
	n, _ := v.(int64)
	return n
}

// Set stores value under key.
func (i *Info) Set(key string, value interface{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m[key] = value
}

// Add adds delta to the int64 under key and returns the new value.
func (i *Info) Add(key string, delta int64) int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	n, _ := i.m[key].(int64)
	n += delta
	i.m[key] = n
	return n
}

// Snapshot returns a copy of the bag.
func (i *Info) Snapshot() map[string]interface{} {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]interface{}, len(i.m))
	for k, v := range i.m {
		out[k] = v
	}
	return out
}

// ============================================================================
// Batch
// ============================================================================

// Batch tracks one unit of work submitted through the pipeline. All methods
// are safe for concurrent use.
type Batch struct {
	id             types.BatchID
	name           string
	tenant         string
	channel        string
	producer       messaging.Producer
	flushThreshold int
	recorder       Recorder

	sent               atomic.Int64
	received           atomic.Int64
	processingComplete atomic.Bool

	mu             sync.Mutex // guards status and processingTime
	status         types.BatchStatus
	processingTime time.Duration

	info *Info
}

func newBatch(id types.BatchID, name, tenant, channel string, producer messaging.Producer, flushThreshold int, recorder Recorder) *Batch {
	if flushThreshold <= 0 {
		flushThreshold = DefaultFlushThreshold
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Batch{
		id:             id,
		name:           name,
		tenant:         tenant,
		channel:        channel,
		producer:       producer,
		flushThreshold: flushThreshold,
		recorder:       recorder,
		info:           newInfo(),
	}
}

func (b *Batch) ID() types.BatchID { return b.id }
func (b *Batch) Name() string      { return b.name }
func (b *Batch) Info() *Info       { return b.info }

// Sent is the number of records successfully handed to the producer.
func (b *Batch) Sent() int64 { return b.sent.Load() }

// Received is the number of output and invalid records seen for this batch.
func (b *Batch) Received() int64 { return b.received.Load() }

// ProcessingComplete reports whether a completed notification was seen.
func (b *Batch) ProcessingComplete() bool { return b.processingComplete.Load() }

// Status is the last notification status accepted for this batch.
func (b *Batch) Status() types.BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// ProcessingTime is startDate..endDate of the completed notification, when
// the pipeline reported both.
func (b *Batch) ProcessingTime() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processingTime, b.processingTime > 0
}

// Completed 批次完成條件：收到 completed 通知，且收到的紀錄數等於送出的紀錄數
func (b *Batch) Completed() bool {
	return b.processingComplete.Load() && b.received.Load() == b.sent.Load()
}

// SubmitRecord writes payload to the input channel keyed by the batch id with
// recordName and batchId headers. A full producer buffer is flushed first.
// Sent is incremented only when the write is accepted.
func (b *Batch) SubmitRecord(ctx context.Context, recordName string, payload []byte) error {
	if b.producer.BufferedBytes() >= b.flushThreshold {
		if err := b.producer.Flush(ctx); err != nil {
			return &SubmissionError{Batch: b.name, Err: err}
		}
	}

	headers := map[string]string{
		messaging.HeaderRecordName: recordName,
		messaging.HeaderBatchID:    string(b.id),
	}
	if err := b.producer.Produce(ctx, b.channel, string(b.id), payload, headers); err != nil {
		return &SubmissionError{Batch: b.name, Record: recordName, Err: err}
	}

	b.sent.Add(1)
	b.recorder.RecordSent()
	return nil
}

// Complete flushes every buffered record, then asks the registry to mark the
// batch sendComplete with the number of records sent.
func (b *Batch) Complete(ctx context.Context, reg registry.Client, cred types.Credential) error {
	if err := b.producer.Flush(ctx); err != nil {
		return &SubmissionError{Batch: b.name, Err: err}
	}

	expected := b.sent.Load()
	if err := reg.TransitionStatus(ctx, cred, b.tenant, b.id, registry.ActionSendComplete, expected); err != nil {
		return &RegistryTransitionError{BatchID: b.id, Action: registry.ActionSendComplete, Err: err}
	}
	return nil
}

// ============================================================================
// Stream monitor hooks (called with the stream lock held)
// ============================================================================

// checkTransition validates next against the notification state machine.
func (b *Batch) checkTransition(next types.BatchStatus) error {
	current := b.Status()
	want, ok := current.Next()
	if !ok {
		return &ProtocolViolationError{
			BatchID: b.id,
			Reason:  "notification " + next.String() + " after terminal status " + current.String(),
		}
	}
	if next != want {
		return &ProtocolViolationError{
			BatchID: b.id,
			Reason:  "expected status " + want.String() + " after " + current.String() + ", got " + next.String(),
		}
	}
	return nil
}

// applyNotification records an accepted notification.
func (b *Batch) applyNotification(n types.Notification) {
	b.mu.Lock()
	b.status = n.Status
	if d, ok := n.ProcessingTime(); ok && n.Status == types.StatusCompleted {
		b.processingTime = d
	}
	b.mu.Unlock()

	if n.Status == types.StatusCompleted {
		b.processingComplete.Store(true)
	}
}

func (b *Batch) markReceived() {
	b.received.Add(1)
}
