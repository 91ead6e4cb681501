package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

const (
	// SQSMaxMessageBytes is the SQS payload limit for a single message.
	SQSMaxMessageBytes = 256 * 1024

	sqsMaxBatchEntries = 10
	sqsMaxQueueName    = 80
	sqsFifoSuffix      = ".fifo"
	sqsNameHashLen     = 8
	sqsNameTailLen     = 16 // fits "_notification" and "_invalid"
)

// SQSAPI is the subset of *sqs.Client used by SQSTransport.
type SQSAPI interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSTransport maps channels onto SQS FIFO queues. The record key becomes the
// MessageGroupId, so records sharing a key keep their order. Headers travel as
// string message attributes.
//
// SQS has no consumer groups or offsets: a queue should have one consumer, and
// resetting a position to latest purges the queue.
type SQSTransport struct {
	client          SQSAPI
	waitTimeSeconds int32

	mu   sync.Mutex
	urls map[string]string // channel -> queue url
}

// SQSOption configures an SQSTransport.
type SQSOption func(*SQSTransport)

// WithWaitTime sets the ReceiveMessage long-poll duration (max 20s).
func WithWaitTime(d time.Duration) SQSOption {
	return func(t *SQSTransport) {
		secs := int32(d / time.Second)
		if secs > 20 {
			secs = 20
		}
		if secs < 0 {
			secs = 0
		}
		t.waitTimeSeconds = secs
	}
}

// NewSQSTransport wraps an SQS client.
func NewSQSTransport(client SQSAPI, opts ...SQSOption) *SQSTransport {
	t := &SQSTransport{
		client:          client,
		waitTimeSeconds: 1,
		urls:            make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// QueueName converts a channel name into a valid FIFO queue name. Names
// over the SQS limit keep their head and tail around a hash of the channel.
func QueueName(channel string) string {
	var sb strings.Builder
	for _, r := range channel {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	name := sb.String()
	if limit := sqsMaxQueueName - len(sqsFifoSuffix); len(name) > limit {
		// 保留結尾（channel 後綴），中段以完整名稱的雜湊取代
		sum := sha256.Sum256([]byte(channel))
		tag := "-" + hex.EncodeToString(sum[:])[:sqsNameHashLen] + "-"
		head := limit - len(tag) - sqsNameTailLen
		name = name[:head] + tag + name[len(name)-sqsNameTailLen:]
	}
	return name + sqsFifoSuffix
}

// CreateChannel implements Admin. Partitions have no SQS equivalent.
func (t *SQSTransport) CreateChannel(ctx context.Context, name string, partitions int) error {
	out, err := t.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(QueueName(name)),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameFifoQueue):                 "true",
			string(sqstypes.QueueAttributeNameContentBasedDeduplication): "false",
		},
	})
	if err != nil {
		return fmt.Errorf("sqs create queue %s: %w", name, err)
	}
	t.remember(name, aws.ToString(out.QueueUrl))
	return nil
}

// DeleteChannel implements Admin.
func (t *SQSTransport) DeleteChannel(ctx context.Context, name string) error {
	url, err := t.queueURL(ctx, name)
	if err != nil {
		return err
	}
	if _, err := t.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)}); err != nil {
		if isQueueMissing(err) {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
		}
		return fmt.Errorf("sqs delete queue %s: %w", name, err)
	}
	t.mu.Lock()
	delete(t.urls, name)
	t.mu.Unlock()
	return nil
}

// VerifyCreated implements Admin.
func (t *SQSTransport) VerifyCreated(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := t.lookup(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// ResetConsumerPosition implements Admin. Latest purges the queue; earliest is
// a no-op because SQS already delivers from the oldest unconsumed message.
func (t *SQSTransport) ResetConsumerPosition(ctx context.Context, group, channel string, pos Position) error {
	url, err := t.queueURL(ctx, channel)
	if err != nil {
		return err
	}
	switch pos {
	case PositionEarliest:
		return nil
	case PositionLatest:
		if _, err := t.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(url)}); err != nil {
			return fmt.Errorf("sqs purge queue %s: %w", channel, err)
		}
		return nil
	default:
		return fmt.Errorf("messaging: unknown position %q", pos)
	}
}

// NewProducer implements Transport.
func (t *SQSTransport) NewProducer() (Producer, error) {
	return &sqsProducer{transport: t, pending: make(map[string][]sqstypes.SendMessageBatchRequestEntry)}, nil
}

// NewConsumer implements Transport.
func (t *SQSTransport) NewConsumer(group string) (Consumer, error) {
	base, cancel := context.WithCancel(context.Background())
	return &sqsConsumer{
		transport: t,
		group:     group,
		base:      base,
		cancel:    cancel,
		channels:  make(map[string]string),
	}, nil
}

func (t *SQSTransport) remember(channel, url string) {
	t.mu.Lock()
	t.urls[channel] = url
	t.mu.Unlock()
}

// queueURL returns a cached url or resolves it.
func (t *SQSTransport) queueURL(ctx context.Context, channel string) (string, error) {
	t.mu.Lock()
	url, ok := t.urls[channel]
	t.mu.Unlock()
	if ok {
		return url, nil
	}
	return t.lookup(ctx, channel)
}

// lookup always asks SQS.
func (t *SQSTransport) lookup(ctx context.Context, channel string) (string, error) {
	out, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(QueueName(channel))})
	if err != nil {
		if isQueueMissing(err) {
			return "", fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
		}
		return "", fmt.Errorf("sqs get queue url %s: %w", channel, err)
	}
	url := aws.ToString(out.QueueUrl)
	t.remember(channel, url)
	return url, nil
}

func isQueueMissing(err error) bool {
	var missing *sqstypes.QueueDoesNotExist
	return errors.As(err, &missing)
}

// ============================================================================
// Producer
// ============================================================================

type sqsProducer struct {
	transport *SQSTransport

	mu      sync.Mutex
	order   []string // queue urls in first-use order
	pending map[string][]sqstypes.SendMessageBatchRequestEntry
	bytes   int
	closed  bool
}

func (p *sqsProducer) Produce(ctx context.Context, channel, key string, value []byte, headers map[string]string) error {
	if len(value) > SQSMaxMessageBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(value), SQSMaxMessageBytes)
	}
	url, err := p.transport.queueURL(ctx, channel)
	if err != nil {
		return err
	}

	attrs := make(map[string]sqstypes.MessageAttributeValue, len(headers))
	for k, v := range headers {
		attrs[k] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	if key == "" {
		key = "0"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	if _, ok := p.pending[url]; !ok {
		p.order = append(p.order, url)
	}
	p.pending[url] = append(p.pending[url], sqstypes.SendMessageBatchRequestEntry{
		Id:                     aws.String(uuid.NewString()),
		MessageBody:            aws.String(string(value)),
		MessageAttributes:      attrs,
		MessageGroupId:         aws.String(key),
		MessageDeduplicationId: aws.String(uuid.NewString()),
	})
	p.bytes += len(value)
	return nil
}

func (p *sqsProducer) BufferedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// Flush sends buffered entries in chunks that respect the SQS batch limits.
// Entries that were not accepted stay buffered.
func (p *sqsProducer) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProducerClosed
	}

	for len(p.order) > 0 {
		url := p.order[0]
		entries := p.pending[url]
		for len(entries) > 0 {
			chunk := nextChunk(entries)
			failed, err := p.send(ctx, url, chunk)
			if err != nil {
				p.pending[url] = entries
				return err
			}
			for _, e := range chunk {
				p.bytes -= len(aws.ToString(e.MessageBody))
			}
			if len(failed) > 0 {
				for _, e := range failed {
					p.bytes += len(aws.ToString(e.MessageBody))
				}
				p.pending[url] = append(failed, entries[len(chunk):]...)
				return fmt.Errorf("sqs send batch: %d of %d entries rejected", len(failed), len(chunk))
			}
			entries = entries[len(chunk):]
		}
		delete(p.pending, url)
		p.order = p.order[1:]
	}
	p.bytes = 0
	return nil
}

func (p *sqsProducer) send(ctx context.Context, url string, chunk []sqstypes.SendMessageBatchRequestEntry) ([]sqstypes.SendMessageBatchRequestEntry, error) {
	out, err := p.transport.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(url),
		Entries:  chunk,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs send batch: %w", err)
	}
	if len(out.Failed) == 0 {
		return nil, nil
	}
	failedIDs := make(map[string]bool, len(out.Failed))
	for _, f := range out.Failed {
		failedIDs[aws.ToString(f.Id)] = true
	}
	var failed []sqstypes.SendMessageBatchRequestEntry
	for _, e := range chunk {
		if failedIDs[aws.ToString(e.Id)] {
			failed = append(failed, e)
		}
	}
	return failed, nil
}

// nextChunk takes up to 10 entries whose bodies fit in one request.
func nextChunk(entries []sqstypes.SendMessageBatchRequestEntry) []sqstypes.SendMessageBatchRequestEntry {
	size := 0
	n := 0
	for n < len(entries) && n < sqsMaxBatchEntries {
		body := len(aws.ToString(entries[n].MessageBody))
		if n > 0 && size+body > SQSMaxMessageBytes {
			break
		}
		size += body
		n++
	}
	return entries[:n]
}

func (p *sqsProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.pending = make(map[string][]sqstypes.SendMessageBatchRequestEntry)
	p.order = nil
	p.bytes = 0
	return nil
}

// ============================================================================
// Consumer
// ============================================================================

type sqsConsumer struct {
	transport *SQSTransport
	group     string
	base      context.Context // cancelled by Close
	cancel    context.CancelFunc

	mu       sync.Mutex
	urls     []string
	channels map[string]string // queue url -> channel
	cursor   int
	pending  []Message
}

func (c *sqsConsumer) Subscribe(channels ...string) error {
	for _, ch := range channels {
		url, err := c.transport.queueURL(c.base, ch)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.urls = append(c.urls, url)
		c.channels[url] = ch
		c.mu.Unlock()
	}
	return nil
}

func (c *sqsConsumer) Next(ctx context.Context) (Message, error) {
	for {
		if c.base.Err() != nil {
			return Message{}, ErrConsumerClosed
		}

		c.mu.Lock()
		if len(c.pending) > 0 {
			msg := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return msg, nil
		}
		if len(c.urls) == 0 {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return Message{}, ctx.Err()
			case <-c.base.Done():
				return Message{}, ErrConsumerClosed
			}
		}
		url := c.urls[c.cursor%len(c.urls)]
		c.cursor++
		channel := c.channels[url]
		c.mu.Unlock()

		msgs, err := c.receive(ctx, url, channel)
		if err != nil {
			if c.base.Err() != nil {
				return Message{}, ErrConsumerClosed
			}
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, err
		}

		c.mu.Lock()
		c.pending = append(c.pending, msgs...)
		c.mu.Unlock()
	}
}

// receive long-polls one queue and deletes what it got, so delivery is
// at-most-once.
func (c *sqsConsumer) receive(ctx context.Context, url, channel string) ([]Message, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()

	out, err := c.transport.client.ReceiveMessage(rctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   sqsMaxBatchEntries,
		WaitTimeSeconds:       c.transport.waitTimeSeconds,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameMessageGroupId,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive %s: %w", channel, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		headers := make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			headers[k] = aws.ToString(v.StringValue)
		}
		msgs = append(msgs, Message{
			Channel: channel,
			Key:     m.Attributes[string(sqstypes.MessageSystemAttributeNameMessageGroupId)],
			Headers: headers,
			Value:   []byte(aws.ToString(m.Body)),
		})
		if _, err := c.transport.client.DeleteMessage(rctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(url),
			ReceiptHandle: m.ReceiptHandle,
		}); err != nil {
			return nil, fmt.Errorf("sqs delete message %s: %w", channel, err)
		}
	}
	return msgs, nil
}

func (c *sqsConsumer) Close() error {
	c.cancel()
	return nil
}
