package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/flink-harness/internal/messaging"
	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// runStreamMonitor handles messages one at a time, in arrival order, until
// the consumer is closed or the task is cancelled.
func (j *Job) runStreamMonitor(ctx context.Context, consumer messaging.Consumer, channels types.Channels) error {
	for {
		msg, err := consumer.Next(ctx)
		if err != nil {
			if errors.Is(err, messaging.ErrConsumerClosed) || ctx.Err() != nil {
				j.log.Info("Stream monitor stopped")
				return nil
			}
			return fmt.Errorf("failed to read from consumer: %w", err)
		}

		if err := j.handleMessage(ctx, channels, msg); err != nil {
			if ctx.Err() != nil {
				j.log.Info("Stream monitor stopped")
				return nil
			}
			j.log.Error("Stream monitor failed", "channel", msg.Channel, "error", err)
			return err
		}
	}
}

// handleMessage 在 streamMu 內完整處理一則訊息，Stop 持有鎖時不會處理到一半
func (j *Job) handleMessage(ctx context.Context, channels types.Channels, msg messaging.Message) error {
	j.streamMu.Lock()
	defer j.streamMu.Unlock()

	// Stop 可能在我們等鎖時取消了 monitor
	if err := ctx.Err(); err != nil {
		return err
	}

	kind, ok := channels.Kind(msg.Channel)
	if !ok {
		return &ProtocolViolationError{Channel: msg.Channel, Reason: "message from unhandled channel"}
	}
	h := j.currentHandlers()

	if kind == types.ChannelNotification {
		return j.handleNotification(h, msg)
	}

	id := types.BatchID(msg.Header(messaging.HeaderBatchID))
	b, ok := j.Batch(id)
	if !ok {
		return &ProtocolViolationError{Channel: msg.Channel, BatchID: id, Reason: "no registered batch with this id"}
	}
	recordName := msg.Header(messaging.HeaderRecordName)

	switch kind {
	case types.ChannelInvalid:
		var rec types.InvalidRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			return &ProtocolViolationError{Channel: msg.Channel, BatchID: id, Reason: "malformed invalid record: " + err.Error()}
		}
		if err := h.HandleInvalid(b, rec); err != nil {
			return fmt.Errorf("invalid record handler for batch %s: %w", b.Name(), err)
		}
		b.markReceived()

	case types.ChannelOutput:
		if err := h.HandleOutput(b, recordName, msg.Value); err != nil {
			return fmt.Errorf("output handler for batch %s: %w", b.Name(), err)
		}
		b.markReceived()

	case types.ChannelInput:
		if err := h.HandleInput(b, recordName, msg.Value); err != nil {
			return fmt.Errorf("input handler for batch %s: %w", b.Name(), err)
		}
	}

	j.recorder.RecordReceived(kind)
	return nil
}

func (j *Job) handleNotification(h Handlers, msg messaging.Message) error {
	var n types.Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return &ProtocolViolationError{Channel: msg.Channel, Reason: "malformed notification: " + err.Error()}
	}

	b, ok := j.Batch(n.ID)
	if !ok {
		return &ProtocolViolationError{Channel: msg.Channel, BatchID: n.ID, Reason: "notification for unknown batch"}
	}
	if err := b.checkTransition(n.Status); err != nil {
		var pv *ProtocolViolationError
		if errors.As(err, &pv) {
			pv.Channel = msg.Channel
		}
		return err
	}

	if err := h.HandleNotification(b, n); err != nil {
		return fmt.Errorf("notification handler for batch %s: %w", b.Name(), err)
	}
	b.applyNotification(n)

	j.recorder.RecordNotification(n.Status)
	if d, ok := b.ProcessingTime(); ok {
		j.recorder.RecordProcessingTime(d)
		j.log.Info("Batch processed", "batch", b.Name(), "processing_time", d)
	}
	return nil
}
