// ============================================================================
// flink-harness Messaging Abstraction
// ============================================================================
//
// Package: internal/messaging
// File: messaging.go
// Purpose: Defines the channel admin, producer and consumer contracts the
//          harness needs from a messaging platform.
//
// Implementations:
//   - Broker:        in-process, ordered, offset-tracking (local runs, tests)
//   - SQSTransport:  Amazon SQS FIFO queues, one queue per channel
//
// Ordering:
//   A Consumer yields messages of one channel strictly in the order they were
//   written. Messages of different channels may interleave.
//
// ============================================================================

package messaging

import (
	"context"
	"errors"
)

// Header keys carried on every record written to an input channel.
const (
	HeaderRecordName = "recordName"
	HeaderBatchID    = "batchId"
)

var (
	// ErrChannelNotFound is returned when a channel does not exist
	ErrChannelNotFound = errors.New("messaging: channel not found")
	// ErrChannelExists is returned when creating a channel that already exists
	ErrChannelExists = errors.New("messaging: channel already exists")
	// ErrConsumerClosed is returned by Next after Close
	ErrConsumerClosed = errors.New("messaging: consumer closed")
	// ErrProducerClosed is returned by Produce/Flush after Close
	ErrProducerClosed = errors.New("messaging: producer closed")
	// ErrMessageTooLarge is returned when a payload exceeds the transport limit
	ErrMessageTooLarge = errors.New("messaging: message too large")
)

// Position is where a consumer group starts reading a channel.
type Position string

const (
	PositionEarliest Position = "earliest"
	PositionLatest   Position = "latest"
)

// Message is one record read from a channel.
type Message struct {
	Channel string
	Key     string
	Headers map[string]string
	Value   []byte
	Offset  int64
}

// Header returns the header value or "" when absent.
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Admin manages channels and consumer positions.
type Admin interface {
	CreateChannel(ctx context.Context, name string, partitions int) error
	DeleteChannel(ctx context.Context, name string) error
	// VerifyCreated returns an error naming the first channel that does not exist.
	VerifyCreated(ctx context.Context, names []string) error
	ResetConsumerPosition(ctx context.Context, group, channel string, pos Position) error
}

// Producer writes keyed records with header metadata. Writes may be buffered
// until Flush.
type Producer interface {
	Produce(ctx context.Context, channel, key string, value []byte, headers map[string]string) error
	// BufferedBytes is the payload size waiting for the next Flush.
	BufferedBytes() int
	Flush(ctx context.Context) error
	// Close discards anything still buffered.
	Close() error
}

// Consumer reads an ordered stream from one or more channels.
type Consumer interface {
	Subscribe(channels ...string) error
	// Next blocks until a message is available, ctx is done, or the consumer is
	// closed (ErrConsumerClosed).
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Transport creates producers and consumers.
type Transport interface {
	NewProducer() (Producer, error)
	NewConsumer(group string) (Consumer, error)
}
