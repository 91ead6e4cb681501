package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSQS keeps FIFO queues in memory.
type fakeSQS struct {
	mu       sync.Mutex
	queues   map[string][]sqstypes.Message // url -> messages
	purged   []string
	batches  [][]sqstypes.SendMessageBatchRequestEntry
	failIDs  map[string]bool // entry ids rejected once
	sendErr  error
	received int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{queues: make(map[string][]sqstypes.Message), failIDs: make(map[string]bool)}
}

func queueURL(name string) string { return "https://sqs.local/000000000000/" + name }

func (f *fakeSQS) CreateQueue(_ context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := queueURL(aws.ToString(in.QueueName))
	if _, ok := f.queues[url]; !ok {
		f.queues[url] = nil
	}
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(url)}, nil
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := queueURL(aws.ToString(in.QueueName))
	if _, ok := f.queues[url]; !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("no queue")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
}

func (f *fakeSQS) DeleteQueue(_ context.Context, in *sqs.DeleteQueueInput, _ ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(in.QueueUrl)
	if _, ok := f.queues[url]; !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("no queue")}
	}
	delete(f.queues, url)
	return &sqs.DeleteQueueOutput{}, nil
}

func (f *fakeSQS) PurgeQueue(_ context.Context, in *sqs.PurgeQueueInput, _ ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(in.QueueUrl)
	f.queues[url] = nil
	f.purged = append(f.purged, url)
	return &sqs.PurgeQueueOutput{}, nil
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.batches = append(f.batches, in.Entries)

	out := &sqs.SendMessageBatchOutput{}
	url := aws.ToString(in.QueueUrl)
	for _, e := range in.Entries {
		id := aws.ToString(e.Id)
		if f.failIDs[id] {
			delete(f.failIDs, id)
			out.Failed = append(out.Failed, sqstypes.BatchResultErrorEntry{Id: e.Id, Code: aws.String("InternalError")})
			continue
		}
		f.queues[url] = append(f.queues[url], sqstypes.Message{
			Body:              e.MessageBody,
			MessageAttributes: e.MessageAttributes,
			ReceiptHandle:     e.Id,
			Attributes:        map[string]string{"MessageGroupId": aws.ToString(e.MessageGroupId)},
		})
		out.Successful = append(out.Successful, sqstypes.SendMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	url := aws.ToString(in.QueueUrl)
	msgs := f.queues[url]
	n := int(in.MaxNumberOfMessages)
	if n > len(msgs) {
		n = len(msgs)
	}
	out := append([]sqstypes.Message(nil), msgs[:n]...)
	f.queues[url] = msgs[n:]
	f.received += n
	f.mu.Unlock()

	if len(out) == 0 {
		// short long-poll
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessage(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return &sqs.DeleteMessageOutput{}, nil
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "ingest-main-job1-1700000000_in.fifo", QueueName("ingest-main-job1-1700000000.in"))

	long := QueueName(strings.Repeat("x", 200))
	assert.Len(t, long, 80)
	assert.True(t, strings.HasSuffix(long, ".fifo"))
}

func TestQueueNameLongRunTagKeepsChannelsDistinct(t *testing.T) {
	stem := "hri-flink-validation-fhir-dependabot-go-modules-grpc-1-70-job1-1700000000"
	seen := make(map[string]string)
	for _, suffix := range []string{".in", ".out", ".notification", ".invalid"} {
		name := QueueName(stem + suffix)
		assert.LessOrEqual(t, len(name), 80, name)
		assert.True(t, strings.HasSuffix(name, "_"+suffix[1:]+".fifo"), name)
		if prev, dup := seen[name]; dup {
			t.Fatalf("%s and %s map to queue %s", prev, suffix, name)
		}
		seen[name] = suffix
	}
	assert.Equal(t, QueueName(stem+".in"), QueueName(stem+".in"), "names are stable")
}

func TestSQSLongChannelNamesUseSeparateQueues(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stem := "hri-flink-validation-fhir-dependabot-go-modules-grpc-1-70-job1-1700000000"
	in, invalid := stem+".in", stem+".invalid"

	api := newFakeSQS()
	tr := NewSQSTransport(api, WithWaitTime(0))
	require.NoError(t, tr.CreateChannel(ctx, in, 1))
	require.NoError(t, tr.CreateChannel(ctx, invalid, 1))
	assert.Len(t, api.queues, 2)

	p, _ := tr.NewProducer()
	require.NoError(t, p.Produce(ctx, invalid, "b", []byte("bad"), nil))
	require.NoError(t, p.Flush(ctx))

	c, _ := tr.NewConsumer("g")
	require.NoError(t, c.Subscribe(in, invalid))
	msg, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, invalid, msg.Channel)
	require.NoError(t, c.Close())
}

func TestSQSChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	api := newFakeSQS()
	tr := NewSQSTransport(api)

	require.NoError(t, tr.CreateChannel(ctx, "fhir.in", 2))
	assert.NoError(t, tr.VerifyCreated(ctx, []string{"fhir.in"}))
	assert.ErrorIs(t, tr.VerifyCreated(ctx, []string{"fhir.in", "fhir.out"}), ErrChannelNotFound)

	require.NoError(t, tr.ResetConsumerPosition(ctx, "g", "fhir.in", PositionLatest))
	assert.Equal(t, []string{queueURL("fhir_in.fifo")}, api.purged)
	assert.NoError(t, tr.ResetConsumerPosition(ctx, "g", "fhir.in", PositionEarliest))
	assert.Len(t, api.purged, 1, "earliest does not purge")

	require.NoError(t, tr.DeleteChannel(ctx, "fhir.in"))
	assert.ErrorIs(t, tr.DeleteChannel(ctx, "fhir.in"), ErrChannelNotFound)
}

func TestSQSProduceAndConsume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	api := newFakeSQS()
	tr := NewSQSTransport(api, WithWaitTime(0))
	require.NoError(t, tr.CreateChannel(ctx, "fhir.in", 1))

	p, _ := tr.NewProducer()
	for i := 0; i < 25; i++ {
		require.NoError(t, p.Produce(ctx, "fhir.in", "batch-1", []byte("{}"), map[string]string{HeaderBatchID: "batch-1"}))
	}
	assert.Equal(t, 50, p.BufferedBytes())
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 0, p.BufferedBytes())
	assert.Len(t, api.batches, 3, "25 entries go out as 10+10+5")

	c, _ := tr.NewConsumer("g")
	require.NoError(t, c.Subscribe("fhir.in"))
	for i := 0; i < 25; i++ {
		msg, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fhir.in", msg.Channel)
		assert.Equal(t, "batch-1", msg.Key)
		assert.Equal(t, "batch-1", msg.Header(HeaderBatchID))
	}
	require.NoError(t, c.Close())
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, ErrConsumerClosed)
}

func TestSQSProduceLimits(t *testing.T) {
	ctx := context.Background()
	tr := NewSQSTransport(newFakeSQS())
	p, _ := tr.NewProducer()

	assert.ErrorIs(t, p.Produce(ctx, "missing", "k", []byte("x"), nil), ErrChannelNotFound)
	require.NoError(t, tr.CreateChannel(ctx, "in", 1))
	big := make([]byte, SQSMaxMessageBytes+1)
	assert.ErrorIs(t, p.Produce(ctx, "in", "k", big, nil), ErrMessageTooLarge)
}

func TestSQSFlushRetriesRejectedEntries(t *testing.T) {
	ctx := context.Background()
	api := newFakeSQS()
	tr := NewSQSTransport(api)
	require.NoError(t, tr.CreateChannel(ctx, "in", 1))
	p, _ := tr.NewProducer()

	require.NoError(t, p.Produce(ctx, "in", "k", []byte("aa"), nil))
	require.NoError(t, p.Produce(ctx, "in", "k", []byte("bbb"), nil))

	// reject the second entry once
	sp := p.(*sqsProducer)
	sp.mu.Lock()
	api.failIDs[aws.ToString(sp.pending[queueURL("in.fifo")][1].Id)] = true
	sp.mu.Unlock()

	err := p.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, p.BufferedBytes(), "rejected entry stays buffered")

	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 0, p.BufferedBytes())
	assert.Len(t, api.queues[queueURL("in.fifo")], 2)
}

func TestSQSFlushErrorKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	api := newFakeSQS()
	tr := NewSQSTransport(api)
	require.NoError(t, tr.CreateChannel(ctx, "in", 1))
	p, _ := tr.NewProducer()
	require.NoError(t, p.Produce(ctx, "in", "k", []byte("aa"), nil))

	api.sendErr = errors.New("throttled")
	assert.Error(t, p.Flush(ctx))
	assert.Equal(t, 2, p.BufferedBytes())

	api.sendErr = nil
	require.NoError(t, p.Flush(ctx))
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Flush(ctx), ErrProducerClosed)
}

func TestNextChunkRespectsSizeLimit(t *testing.T) {
	body := strings.Repeat("x", SQSMaxMessageBytes/2)
	entries := []sqstypes.SendMessageBatchRequestEntry{
		{MessageBody: aws.String(body)},
		{MessageBody: aws.String(body)},
		{MessageBody: aws.String(body)},
	}
	assert.Len(t, nextChunk(entries), 2)

	small := make([]sqstypes.SendMessageBatchRequestEntry, 15)
	for i := range small {
		small[i].MessageBody = aws.String("x")
	}
	assert.Len(t, nextChunk(small), 10)
}

func TestWithWaitTimeClamps(t *testing.T) {
	assert.Equal(t, int32(20), NewSQSTransport(newFakeSQS(), WithWaitTime(time.Minute)).waitTimeSeconds)
	assert.Equal(t, int32(0), NewSQSTransport(newFakeSQS(), WithWaitTime(-time.Second)).waitTimeSeconds)
}
