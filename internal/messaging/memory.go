package messaging

import (
	"context"
	"fmt"
	"sync"
)

// Broker is an in-process messaging platform. Each channel is an append-only
// log; consumer groups track one offset per channel. It implements Admin and
// Transport.
type Broker struct {
	mu              sync.Mutex
	channels        map[string]*channelLog
	offsets         map[string]map[string]int64 // group -> channel -> next offset
	notify          chan struct{}               // closed and replaced on every append
	maxMessageBytes int
}

type channelLog struct {
	partitions int
	messages   []Message
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithMaxMessageBytes rejects payloads larger than n bytes at Produce time.
func WithMaxMessageBytes(n int) BrokerOption {
	return func(b *Broker) {
		b.maxMessageBytes = n
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		channels: make(map[string]*channelLog),
		offsets:  make(map[string]map[string]int64),
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateChannel implements Admin.
func (b *Broker) CreateChannel(ctx context.Context, name string, partitions int) error {
	if name == "" {
		return fmt.Errorf("messaging: empty channel name")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels[name]; ok {
		return fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	if partitions < 1 {
		partitions = 1
	}
	b.channels[name] = &channelLog{partitions: partitions}
	return nil
}

// DeleteChannel implements Admin.
func (b *Broker) DeleteChannel(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels[name]; !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	delete(b.channels, name)
	for _, group := range b.offsets {
		delete(group, name)
	}
	b.broadcastLocked()
	return nil
}

// VerifyCreated implements Admin.
func (b *Broker) VerifyCreated(ctx context.Context, names []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range names {
		if _, ok := b.channels[name]; !ok {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
		}
	}
	return nil
}

// ResetConsumerPosition implements Admin.
func (b *Broker) ResetConsumerPosition(ctx context.Context, group, channel string, pos Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	log, ok := b.channels[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	offsets := b.groupLocked(group)
	switch pos {
	case PositionLatest:
		offsets[channel] = int64(len(log.messages))
	case PositionEarliest:
		offsets[channel] = 0
	default:
		return fmt.Errorf("messaging: unknown position %q", pos)
	}
	return nil
}

// Publish appends one record directly, bypassing producer buffering.
func (b *Broker) Publish(channel, key string, value []byte, headers map[string]string) error {
	return b.append([]Message{newMessage(channel, key, value, headers)})
}

// Messages returns a copy of everything currently stored in channel.
func (b *Broker) Messages(channel string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	log, ok := b.channels[channel]
	if !ok {
		return nil
	}
	out := make([]Message, len(log.messages))
	copy(out, log.messages)
	return out
}

// Channels returns the names of all existing channels.
func (b *Broker) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	return names
}

// NewProducer implements Transport.
func (b *Broker) NewProducer() (Producer, error) {
	return &memoryProducer{broker: b}, nil
}

// NewConsumer implements Transport.
func (b *Broker) NewConsumer(group string) (Consumer, error) {
	return &memoryConsumer{
		broker: b,
		group:  group,
		done:   make(chan struct{}),
	}, nil
}

func (b *Broker) append(msgs []Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// all-or-nothing: check every target first
	for _, m := range msgs {
		if _, ok := b.channels[m.Channel]; !ok {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, m.Channel)
		}
	}
	for _, m := range msgs {
		log := b.channels[m.Channel]
		m.Offset = int64(len(log.messages))
		log.messages = append(log.messages, m)
	}
	b.broadcastLocked()
	return nil
}

func (b *Broker) groupLocked(group string) map[string]int64 {
	offsets, ok := b.offsets[group]
	if !ok {
		offsets = make(map[string]int64)
		b.offsets[group] = offsets
	}
	return offsets
}

func (b *Broker) broadcastLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func newMessage(channel, key string, value []byte, headers map[string]string) Message {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	v := make([]byte, len(value))
	copy(v, value)
	return Message{Channel: channel, Key: key, Headers: h, Value: v}
}

// ============================================================================
// Producer
// ============================================================================

type memoryProducer struct {
	broker *Broker

	mu      sync.Mutex
	pending []Message
	bytes   int
	closed  bool
}

func (p *memoryProducer) Produce(ctx context.Context, channel, key string, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProducerClosed
	}
	if limit := p.broker.maxMessageBytes; limit > 0 && len(value) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(value), limit)
	}
	p.pending = append(p.pending, newMessage(channel, key, value, headers))
	p.bytes += len(value)
	return nil
}

func (p *memoryProducer) BufferedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// Flush delivers buffered records. On failure the buffer is kept so a later
// Flush can retry.
func (p *memoryProducer) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProducerClosed
	}
	if len(p.pending) == 0 {
		return nil
	}
	if err := p.broker.append(p.pending); err != nil {
		return err
	}
	p.pending = nil
	p.bytes = 0
	return nil
}

func (p *memoryProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.pending = nil
	p.bytes = 0
	return nil
}

// ============================================================================
// Consumer
// ============================================================================

type memoryConsumer struct {
	broker *Broker
	group  string

	mu        sync.Mutex // guards subs and cursor
	subs      []string
	cursor    int
	done      chan struct{}
	closeOnce sync.Once
}

func (c *memoryConsumer) Subscribe(channels ...string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	offsets := c.broker.groupLocked(c.group)
	for _, ch := range channels {
		if _, ok := c.broker.channels[ch]; !ok {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, ch)
		}
		if _, ok := offsets[ch]; !ok {
			offsets[ch] = 0
		}
		c.subs = append(c.subs, ch)
	}
	return nil
}

func (c *memoryConsumer) Next(ctx context.Context) (Message, error) {
	for {
		select {
		case <-c.done:
			return Message{}, ErrConsumerClosed
		default:
		}

		msg, ok, wait := c.poll()
		if ok {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-c.done:
			return Message{}, ErrConsumerClosed
		case <-wait:
		}
	}
}

// poll returns the next message round-robin across subscribed channels, or the
// broker's notify channel to wait on.
func (c *memoryConsumer) poll() (Message, bool, <-chan struct{}) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	offsets := b.groupLocked(c.group)
	n := len(c.subs)
	for i := 0; i < n; i++ {
		idx := (c.cursor + i) % n
		ch := c.subs[idx]
		log, ok := b.channels[ch]
		if !ok {
			continue
		}
		off := offsets[ch]
		if off < int64(len(log.messages)) {
			offsets[ch] = off + 1
			c.cursor = (idx + 1) % n
			return log.messages[off], true, nil
		}
	}
	return Message{}, false, b.notify
}

func (c *memoryConsumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}
