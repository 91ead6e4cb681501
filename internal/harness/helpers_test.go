package harness

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ChuLiYu/flink-harness/internal/messaging"
	"github.com/ChuLiYu/flink-harness/internal/sandbox"
	"github.com/ChuLiYu/flink-harness/pkg/types"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var baseChannels = types.Channels{
	Input:        "ingest.in",
	Output:       "ingest.out",
	Notification: "ingest.notification",
	Invalid:      "ingest.invalid",
}

const testCred = types.Credential("tok")

// testEnv bundles a job with its in-memory collaborators.
type testEnv struct {
	job      *Job
	session  *Session
	broker   *messaging.Broker
	pipeline *sandbox.FakePipeline
	registry *sandbox.MemoryRegistry
}

func testConfig() Config {
	return Config{
		Tenant:            "acme",
		ArtifactID:        "validation.jar",
		RunTag:            "main",
		TestName:          "unit",
		HealthInterval:    10 * time.Millisecond,
		StartTimeout:      time.Second,
		StopTimeout:       200 * time.Millisecond,
		StatePollInterval: 5 * time.Millisecond,
	}
}

// newTestEnv creates a job backed by a Broker, a FakePipeline and a
// MemoryRegistry. It is not started.
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	broker := messaging.NewBroker()
	fake := sandbox.NewFakePipeline()
	reg := sandbox.NewMemoryRegistry()
	session := NewSession(WithClock(func() time.Time { return time.Unix(1700000000, 0) }))

	job, err := NewJob(session, Deps{
		Pipeline:  fake,
		Transport: broker,
		Admin:     broker,
		Registry:  reg,
	}, cfg)
	require.NoError(t, err)

	return &testEnv{job: job, session: session, broker: broker, pipeline: fake, registry: reg}
}

// startMonitored starts the job with monitoring and registers Stop + Cleanup.
func (e *testEnv) startMonitored(t *testing.T) {
	t.Helper()

	err := e.job.Start(context.Background(), testCred, StartOptions{
		Parallelism: 2,
		Monitor:     true,
		Channels:    baseChannels,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.job.Stop(context.Background(), testCred)
		_ = e.job.Cleanup(context.Background(), testCred, testCred)
	})
}

func (e *testEnv) submitBatch(t *testing.T) *Batch {
	t.Helper()
	b, err := e.job.SubmitBatch(context.Background(), e.registry, testCred)
	require.NoError(t, err)
	return b
}

func (e *testEnv) notify(t *testing.T, id types.BatchID, status types.BatchStatus) {
	t.Helper()
	data, err := json.Marshal(types.Notification{ID: id, Status: status})
	require.NoError(t, err)
	require.NoError(t, e.broker.Publish(e.job.Channels().Notification, string(id), data, nil))
}

func (e *testEnv) output(t *testing.T, id types.BatchID, recordName string, payload []byte) {
	t.Helper()
	headers := map[string]string{messaging.HeaderBatchID: string(id), messaging.HeaderRecordName: recordName}
	require.NoError(t, e.broker.Publish(e.job.Channels().Output, string(id), payload, headers))
}

func (e *testEnv) invalid(t *testing.T, id types.BatchID, failure string) {
	t.Helper()
	data, err := json.Marshal(types.InvalidRecord{BatchID: id, Failure: failure})
	require.NoError(t, err)
	headers := map[string]string{messaging.HeaderBatchID: string(id)}
	require.NoError(t, e.broker.Publish(e.job.Channels().Invalid, string(id), data, headers))
}

// eventually waits for cond with the package's standard timeout.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// waitReceived waits until b has received n records.
func (e *testEnv) waitReceived(t *testing.T, b *Batch, n int64) {
	t.Helper()
	eventually(t, func() bool { return b.Received() == n }, "batch should receive records")
}
