// Package sandbox provides in-process stand-ins for the pipeline control plane
// and the batch registry. The CLI uses them for local dry runs against the
// memory broker; tests use them everywhere.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/flink-harness/internal/messaging"
	"github.com/ChuLiYu/flink-harness/internal/pipeline"
	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// Simulator is a pipeline.Client that actually runs a validation pipeline
// against a Broker: it reads the input channel, writes valid records to the
// output channel and failures to the invalid channel, and emits batch
// notifications.
//
// The started notification is emitted when the first record of a batch (or
// its sendComplete) is seen, so it can never overtake batch registration in
// the harness. completed follows once every expected record was processed,
// after the run's completion delay.
type Simulator struct {
	*FakePipeline

	broker   *messaging.Broker
	registry *MemoryRegistry

	// Validate classifies a record; nil means "valid JSON".
	Validate func(payload []byte) error

	mu   sync.Mutex
	runs map[string]*simRun
}

type simRun struct {
	id     string
	params pipeline.StartParams
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	batches map[types.BatchID]*simBatch
}

type simBatch struct {
	started       bool
	sendCompleted bool
	completed     bool
	expected      int64
	processed     int64
	invalid       int64
	startDate     time.Time
}

// NewSimulator wires a simulator to broker and reg.
func NewSimulator(broker *messaging.Broker, reg *MemoryRegistry) *Simulator {
	s := &Simulator{
		FakePipeline: NewFakePipeline(),
		broker:       broker,
		registry:     reg,
		runs:         make(map[string]*simRun),
	}
	reg.OnSendComplete(s.sendComplete)
	return s
}

// Start implements pipeline.Client.
func (s *Simulator) Start(ctx context.Context, cred types.Credential, params pipeline.StartParams) (string, error) {
	runID, err := s.FakePipeline.Start(ctx, cred, params)
	if err != nil {
		return "", err
	}

	consumer, err := s.broker.NewConsumer("simulator-" + runID)
	if err != nil {
		return "", err
	}
	if err := consumer.Subscribe(params.Channels.Input); err != nil {
		return "", fmt.Errorf("simulator: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &simRun{
		id:      runID,
		params:  params,
		cancel:  cancel,
		done:    make(chan struct{}),
		batches: make(map[types.BatchID]*simBatch),
	}
	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	go func() {
		defer close(run.done)
		defer consumer.Close()
		s.process(runCtx, run, consumer)
	}()
	return runID, nil
}

// Stop implements pipeline.Client.
func (s *Simulator) Stop(ctx context.Context, cred types.Credential, runID string) error {
	if err := s.FakePipeline.Stop(ctx, cred, runID); err != nil {
		return err
	}
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		run.cancel()
		<-run.done
	}
	return nil
}

func (s *Simulator) process(ctx context.Context, run *simRun, consumer messaging.Consumer) {
	for {
		msg, err := consumer.Next(ctx)
		if err != nil {
			return
		}
		id := types.BatchID(msg.Header(messaging.HeaderBatchID))

		run.mu.Lock()
		b := s.batchLocked(run, id)

		if verr := s.validate(msg.Value); verr != nil {
			rec := types.InvalidRecord{
				BatchID: id,
				Failure: verr.Error(),
				Topic:   msg.Channel,
				Offset:  msg.Offset,
			}
			data, _ := json.Marshal(rec)
			s.publish(run.params.Channels.Invalid, msg.Key, data, map[string]string{messaging.HeaderBatchID: string(id)})
			b.invalid++
		} else {
			s.publish(run.params.Channels.Output, msg.Key, msg.Value, msg.Headers)
		}
		b.processed++
		s.maybeCompleteLocked(run, id, b)
		run.mu.Unlock()
	}
}

func (s *Simulator) validate(payload []byte) error {
	if s.Validate != nil {
		return s.Validate(payload)
	}
	if !json.Valid(payload) {
		return errors.New("record is not valid JSON")
	}
	return nil
}

// sendComplete is the registry hook.
func (s *Simulator) sendComplete(rec BatchRecord) {
	s.mu.Lock()
	var run *simRun
	for _, r := range s.runs {
		if r.params.Channels.Input == rec.Template.Topic {
			run = r
		}
	}
	s.mu.Unlock()
	if run == nil {
		return
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	b := s.batchLocked(run, rec.ID)
	b.sendCompleted = true
	b.expected = rec.ExpectedRecordCount
	expected := rec.ExpectedRecordCount
	s.notify(run, types.Notification{
		ID:                  rec.ID,
		Name:                rec.Template.Name,
		Status:              types.StatusSendCompleted,
		DataType:            rec.Template.DataType,
		Topic:               rec.Template.Topic,
		ExpectedRecordCount: &expected,
	})
	s.maybeCompleteLocked(run, rec.ID, b)
}

// batchLocked returns the batch state, emitting started on first sight.
func (s *Simulator) batchLocked(run *simRun, id types.BatchID) *simBatch {
	b, ok := run.batches[id]
	if !ok {
		b = &simBatch{}
		run.batches[id] = b
	}
	if !b.started {
		b.started = true
		b.startDate = time.Now()
		n := types.Notification{ID: id, Status: types.StatusStarted, Topic: run.params.Channels.Input}
		if rec, ok := s.registry.Get(id); ok {
			n.Name = rec.Template.Name
			n.DataType = rec.Template.DataType
		}
		start := b.startDate
		n.StartDate = &start
		s.notify(run, n)
	}
	return b
}

func (s *Simulator) maybeCompleteLocked(run *simRun, id types.BatchID, b *simBatch) {
	if !b.sendCompleted || b.completed || b.processed < b.expected {
		return
	}
	b.completed = true

	start, end := b.startDate, time.Now()
	expected, actual, invalid := b.expected, b.processed, b.invalid
	n := types.Notification{
		ID:                  id,
		Status:              types.StatusCompleted,
		Topic:               run.params.Channels.Input,
		StartDate:           &start,
		EndDate:             &end,
		ExpectedRecordCount: &expected,
		ActualRecordCount:   &actual,
		InvalidRecordCount:  &invalid,
	}
	if rec, ok := s.registry.Get(id); ok {
		n.Name = rec.Template.Name
	}

	if delay := run.params.CompletionDelay; delay > 0 {
		time.AfterFunc(delay, func() { s.notify(run, n) })
		return
	}
	s.notify(run, n)
}

func (s *Simulator) notify(run *simRun, n types.Notification) {
	data, _ := json.Marshal(n)
	s.publish(run.params.Channels.Notification, string(n.ID), data, nil)
}

// publish drops the record when the channel is not configured or is gone.
func (s *Simulator) publish(channel, key string, value []byte, headers map[string]string) {
	if channel == "" {
		return
	}
	_ = s.broker.Publish(channel, key, value, headers)
}
