// ============================================================================
// flink-harness Job 控制器 - 測試編排核心
// ============================================================================
//
// Package: internal/harness
// 文件: job.go
// 功能: 驅動一次 pipeline run：建立 channel、啟動 pipeline、啟動兩個監控、
//       管理批次、依序停止並清理資源
//
// 生命週期:
//   created → provisioned → started → (批次提交與觀察) → stopped → cleaned up
//
// 背景監控 (2 個獨立 Goroutine，各由一個 Task 持有):
//   1. Stream Monitor - 消費 notification/invalid/output/input 四個 channel
//   2. Health Monitor - 每 5 秒查詢 pipeline 例外與 checkpoint
//
// 鎖順序:
//   streamMu → healthMu，只有 Stop 同時持有兩把鎖
//   每個 monitor 的單次迭代在自己的鎖內執行，因此 Stop 不會在訊息處理到一半時
//   終止 monitor
//
// 呼叫約束:
//   Start、Stop、Cleanup 由同一個呼叫者依序呼叫；SubmitBatch、Failed、
//   SetHandler/On* 可並發呼叫
//
// ============================================================================

package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/flink-harness/internal/messaging"
	"github.com/ChuLiYu/flink-harness/internal/pipeline"
	"github.com/ChuLiYu/flink-harness/internal/registry"
	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// Monitor names used in logs and MonitorFailureError.
const (
	StreamMonitor = "stream monitor"
	HealthMonitor = "health monitor"
)

// Channel name suffixes. The unique run tag is inserted before them.
const (
	SuffixInput        = ".in"
	SuffixOutput       = ".out"
	SuffixNotification = ".notification"
	SuffixInvalid      = ".invalid"
)

// 預設值
const (
	DefaultHealthInterval    = 5 * time.Second
	DefaultSettleDelay       = 5 * time.Second
	DefaultStartTimeout      = 2 * time.Minute
	DefaultStopTimeout       = time.Minute
	DefaultStatePollInterval = time.Second
	DefaultNamePrefix        = "flink-harness"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Job 配置
type Config struct {
	Tenant            string            // registry tenant
	ArtifactID        string            // pipeline program to run
	EntryClass        string            // optional
	NamePrefix        string            // prefix of consumer groups and batch names
	RunTag            string            // branch / run disambiguator
	TestName          string            // scenario name, part of batch names
	HealthInterval    time.Duration     // health poll interval
	SettleDelay       time.Duration     // pause after RUNNING before health polling
	StartTimeout      time.Duration     // bound on reaching RUNNING
	StopTimeout       time.Duration     // bound on reaching a terminal state
	StatePollInterval time.Duration     // state poll period during start/stop
	FlushThreshold    int               // producer buffer size that forces a flush
	Properties        map[string]string // extra pipeline program arguments
}

func (c *Config) applyDefaults() {
	if c.NamePrefix == "" {
		c.NamePrefix = DefaultNamePrefix
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.StatePollInterval <= 0 {
		c.StatePollInterval = DefaultStatePollInterval
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = DefaultFlushThreshold
	}
}

// Deps Job 依賴的外部協作者
type Deps struct {
	Pipeline  pipeline.Client
	Transport messaging.Transport
	Admin     messaging.Admin
	Registry  registry.Client // used by Cleanup for bulk delete
	Recorder  Recorder        // optional
	Logger    *slog.Logger    // optional
}

// StartOptions 單次 run 的參數
type StartOptions struct {
	Parallelism     int
	CompletionDelay time.Duration
	// Monitor provisions unique channels and runs the stream monitor. Without
	// it only Channels.Input is used, as given.
	Monitor  bool
	Channels types.Channels // base names
}

// Job 控制一次 pipeline run
type Job struct {
	number   int64
	session  *Session
	cfg      Config
	pipeline pipeline.Client
	trans    messaging.Transport
	admin    messaging.Admin
	registry registry.Client
	recorder Recorder
	log      *slog.Logger

	// 以下欄位由 Start 設定，之後不變
	started     bool
	channels    types.Channels
	provisioned []string
	runID       string
	producer    messaging.Producer
	consumer    messaging.Consumer

	pipelineRunning atomic.Bool // run started and not yet confirmed terminal
	counted         atomic.Bool // JobStarted recorded, JobStopped not yet

	streamTask atomic.Pointer[Task]
	healthTask atomic.Pointer[Task]

	streamMu sync.Mutex // 保護 stream monitor 單次訊息處理
	healthMu sync.Mutex // 保護 health monitor 單次檢查

	batchesMu sync.RWMutex
	batches   map[types.BatchID]*Batch

	handlerMu sync.RWMutex
	handlers  Handlers
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewJob 建立 Job，從 session 取得 job 編號
func NewJob(session *Session, deps Deps, cfg Config) (*Job, error) {
	if session == nil {
		return nil, fmt.Errorf("harness: session is required")
	}
	if deps.Pipeline == nil || deps.Transport == nil {
		return nil, fmt.Errorf("harness: pipeline client and transport are required")
	}
	cfg.applyDefaults()

	recorder := deps.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	number := session.NextJob()
	return &Job{
		number:   number,
		session:  session,
		cfg:      cfg,
		pipeline: deps.Pipeline,
		trans:    deps.Transport,
		admin:    deps.Admin,
		registry: deps.Registry,
		recorder: recorder,
		log:      logger.With("job", number),
		batches:  make(map[types.BatchID]*Batch),
	}, nil
}

// Number is the job's sequence number within its session.
func (j *Job) Number() int64 { return j.number }

// RunID is the pipeline run id, empty before Start.
func (j *Job) RunID() string { return j.runID }

// Channels are the channel names in use, valid after Start.
func (j *Job) Channels() types.Channels { return j.channels }

// Start 建立 channel、啟動 stream monitor、啟動 pipeline 並等待 RUNNING、
// 稍作等待後啟動 health monitor
//
// 失敗時不回滾已建立的資源，由 Cleanup 負責
func (j *Job) Start(ctx context.Context, cred types.Credential, opts StartOptions) error {
	if j.started {
		return ErrAlreadyStarted
	}
	j.started = true
	j.log.Info("Starting job")

	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}

	producer, err := j.trans.NewProducer()
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	j.producer = producer

	if opts.Monitor {
		if err := j.provision(ctx, opts); err != nil {
			return err
		}
	} else {
		if opts.Channels.Input == "" {
			return fmt.Errorf("harness: input channel is required")
		}
		j.channels = types.Channels{Input: opts.Channels.Input}
	}

	// 啟動 pipeline 並確認進入 RUNNING
	runID, err := j.pipeline.Start(ctx, cred, pipeline.StartParams{
		ArtifactID:      j.cfg.ArtifactID,
		EntryClass:      j.cfg.EntryClass,
		Parallelism:     opts.Parallelism,
		Channels:        j.channels,
		CompletionDelay: opts.CompletionDelay,
		Properties:      j.cfg.Properties,
	})
	if err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	j.runID = runID
	j.pipelineRunning.Store(true)
	j.log.Info("Pipeline run started", "run", runID)

	reached := func(s types.PipelineState) bool { return s == types.StateRunning || s.IsTerminal() }
	state, err := pipeline.WaitForState(ctx, j.pipeline, cred, runID, reached, j.cfg.StartTimeout, j.cfg.StatePollInterval)
	if err != nil {
		if errors.Is(err, pipeline.ErrStateTimeout) {
			return &StartupTimeoutError{RunID: runID, LastState: state, Timeout: j.cfg.StartTimeout}
		}
		return fmt.Errorf("failed to verify pipeline run %s: %w", runID, err)
	}
	if state != types.StateRunning {
		j.pipelineRunning.Store(false)
		return fmt.Errorf("pipeline run %s reached %s before RUNNING", runID, state)
	}

	// 等待 pipeline 完全啟動，否則會漏掉最初的訊息
	if j.cfg.SettleDelay > 0 {
		timer := time.NewTimer(j.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	j.healthTask.Store(Go(ctx, HealthMonitor, func(ctx context.Context) error {
		return j.runHealthMonitor(ctx, cred, runID)
	}))

	if j.counted.CompareAndSwap(false, true) {
		j.recorder.JobStarted()
	}
	j.log.Info("Finished starting job", "run", runID, "channels", j.channels.Names())
	return nil
}

// provision 建立唯一命名的 channel 與 consumer，並啟動 stream monitor
func (j *Job) provision(ctx context.Context, opts StartOptions) error {
	if j.admin == nil {
		return fmt.Errorf("harness: monitoring needs a channel admin")
	}
	base := opts.Channels
	if base.Input == "" || base.Output == "" || base.Notification == "" || base.Invalid == "" {
		return fmt.Errorf("harness: monitoring needs input, output, notification and invalid channel names")
	}

	stamp := strconv.FormatInt(j.session.Now().Unix(), 10)
	tag := joinName("", j.cfg.RunTag, "job"+strconv.FormatInt(j.number, 10), stamp)
	channels := types.Channels{
		Input:        uniqueName(base.Input, SuffixInput, tag),
		Output:       uniqueName(base.Output, SuffixOutput, tag),
		Notification: uniqueName(base.Notification, SuffixNotification, tag),
		Invalid:      uniqueName(base.Invalid, SuffixInvalid, tag),
	}

	partitions := map[string]int{
		channels.Input:        opts.Parallelism,
		channels.Output:       opts.Parallelism,
		channels.Notification: 1,
		channels.Invalid:      opts.Parallelism,
	}
	for _, name := range []string{channels.Input, channels.Output, channels.Notification, channels.Invalid} {
		if err := j.admin.CreateChannel(ctx, name, partitions[name]); err != nil {
			return fmt.Errorf("failed to create channel %s: %w", name, err)
		}
		j.provisioned = append(j.provisioned, name)
	}
	if err := j.admin.VerifyCreated(ctx, channels.Names()); err != nil {
		return fmt.Errorf("failed to verify channels: %w", err)
	}
	j.channels = channels

	group := joinName(j.cfg.NamePrefix, j.cfg.RunTag, "job"+strconv.FormatInt(j.number, 10), stamp, "consumer")
	consumer, err := j.trans.NewConsumer(group)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	j.consumer = consumer

	monitored := []string{channels.Notification, channels.Invalid, channels.Output, channels.Input}
	if err := consumer.Subscribe(monitored...); err != nil {
		return fmt.Errorf("failed to subscribe consumer %s: %w", group, err)
	}
	// 從最新位置開始，不重播舊訊息
	for _, name := range monitored {
		if err := j.admin.ResetConsumerPosition(ctx, group, name, messaging.PositionLatest); err != nil {
			return fmt.Errorf("failed to reset consumer %s on %s: %w", group, name, err)
		}
	}

	j.streamTask.Store(Go(ctx, StreamMonitor, func(ctx context.Context) error {
		return j.runStreamMonitor(ctx, consumer, channels)
	}))
	j.log.Info("Channels provisioned", "group", group)
	return nil
}

// SubmitBatch 向 registry 建立批次並註冊到本 job，可並發呼叫
func (j *Job) SubmitBatch(ctx context.Context, reg registry.Client, cred types.Credential) (*Batch, error) {
	if j.producer == nil {
		return nil, ErrNotStarted
	}

	n := j.session.NextBatch()
	name := j.batchPrefix() + strconv.FormatInt(n, 10)
	j.log.Info("Submitting batch", "batch", n)

	id, err := reg.CreateBatch(ctx, cred, j.cfg.Tenant, registry.Template{
		Name:     name,
		DataType: j.cfg.NamePrefix + "-batch",
		Topic:    j.channels.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch %s: %w", name, err)
	}

	b := newBatch(id, name, j.cfg.Tenant, j.channels.Input, j.producer, j.cfg.FlushThreshold, j.recorder)
	j.batchesMu.Lock()
	j.batches[id] = b
	j.batchesMu.Unlock()

	j.recorder.RecordBatchSubmitted()
	j.log.Info("Finished submitting batch", "batch", n, "name", name, "id", id)
	return b, nil
}

// Batch looks up a registered batch.
func (j *Job) Batch(id types.BatchID) (*Batch, bool) {
	j.batchesMu.RLock()
	defer j.batchesMu.RUnlock()
	b, ok := j.batches[id]
	return b, ok
}

// Batches returns every registered batch.
func (j *Job) Batches() []*Batch {
	j.batchesMu.RLock()
	defer j.batchesMu.RUnlock()
	out := make([]*Batch, 0, len(j.batches))
	for _, b := range j.batches {
		out = append(out, b)
	}
	return out
}

// SetHandler replaces all four event slots with h.
func (j *Job) SetHandler(h EventHandler) {
	if h == nil {
		h = NopHandler{}
	}
	hs := handlersOf(h)
	j.handlerMu.Lock()
	j.handlers = hs
	j.handlerMu.Unlock()
}

// OnNotification replaces the notification slot.
func (j *Job) OnNotification(fn func(b *Batch, n types.Notification) error) {
	j.handlerMu.Lock()
	j.handlers.Notification = fn
	j.handlerMu.Unlock()
}

// OnInvalid replaces the invalid-record slot.
func (j *Job) OnInvalid(fn func(b *Batch, rec types.InvalidRecord) error) {
	j.handlerMu.Lock()
	j.handlers.Invalid = fn
	j.handlerMu.Unlock()
}

// OnOutput replaces the output-record slot.
func (j *Job) OnOutput(fn func(b *Batch, recordName string, payload []byte) error) {
	j.handlerMu.Lock()
	j.handlers.Output = fn
	j.handlerMu.Unlock()
}

// OnInput replaces the input-echo slot.
func (j *Job) OnInput(fn func(b *Batch, recordName string, payload []byte) error) {
	j.handlerMu.Lock()
	j.handlers.Input = fn
	j.handlerMu.Unlock()
}

func (j *Job) currentHandlers() Handlers {
	j.handlerMu.RLock()
	defer j.handlerMu.RUnlock()
	return j.handlers
}

// Failed 任一已啟動的 monitor 不在執行中即為 true，不會阻塞
func (j *Job) Failed() bool {
	for _, t := range []*Task{j.streamTask.Load(), j.healthTask.Load()} {
		if t != nil && !t.Alive() {
			return true
		}
	}
	return false
}

// Stop 依序停止 job
//
// 流程：
//  1. 依固定順序取得 streamMu、healthMu
//  2. 取消 pipeline run（逾時只記錄警告）
//  3. 關閉 producer
//  4. 仍在執行的 monitor 取消；已結束的收集其錯誤
//  5. 釋放兩把鎖後等待被取消的 monitor 結束
//
// 返回值：
//   - *MonitorFailureError: 有 monitor 因錯誤結束
//   - error: 取消 pipeline 的請求失敗
func (j *Job) Stop(ctx context.Context, cred types.Credential) error {
	j.streamMu.Lock()
	j.healthMu.Lock()

	j.log.Info("Stopping job", "run", j.runID)
	stopErr := j.stopPipeline(ctx, cred)

	if j.producer != nil {
		if err := j.producer.Close(); err != nil {
			j.log.Warn("Failed to close producer", "error", err)
		}
	}

	var failures []MonitorFailure
	var cancelled []*Task
	for _, t := range []*Task{j.streamTask.Load(), j.healthTask.Load()} {
		if t == nil {
			continue
		}
		if t.Alive() {
			t.Cancel()
			cancelled = append(cancelled, t)
			continue
		}
		if err := t.Err(); err != nil {
			failures = append(failures, MonitorFailure{Monitor: t.Name(), Err: err})
		}
	}

	j.healthMu.Unlock()
	j.streamMu.Unlock()

	// monitor 可能在檢查存活後、取消前才失敗
	for _, t := range cancelled {
		if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			failures = append(failures, MonitorFailure{Monitor: t.Name(), Err: err})
		}
	}

	if j.counted.CompareAndSwap(true, false) {
		j.recorder.JobStopped()
	}

	if len(failures) > 0 {
		if stopErr != nil {
			j.log.Error("Failed to stop pipeline run", "run", j.runID, "error", stopErr)
		}
		for _, f := range failures {
			j.log.Error("Monitor failed", "monitor", f.Monitor, "error", f.Err)
			j.recorder.RecordMonitorFailure(f.Monitor)
		}
		return &MonitorFailureError{Job: j.number, RunID: j.runID, Failures: failures}
	}
	if stopErr != nil {
		return stopErr
	}

	j.log.Info("Finished stopping job")
	return nil
}

// stopPipeline 取消 pipeline run，已停止時不做任何事
func (j *Job) stopPipeline(ctx context.Context, cred types.Credential) error {
	if !j.pipelineRunning.Load() {
		return nil
	}

	if err := j.pipeline.Stop(ctx, cred, j.runID); err != nil {
		return fmt.Errorf("failed to stop pipeline run %s: %w", j.runID, err)
	}

	state, err := pipeline.WaitForState(ctx, j.pipeline, cred, j.runID, pipeline.Terminal, j.cfg.StopTimeout, j.cfg.StatePollInterval)
	if err != nil {
		j.log.Warn("Timeout stopping pipeline run", "run", j.runID, "state", state, "error", err)
		return nil
	}

	j.pipelineRunning.Store(false)
	j.log.Info("Stopped pipeline run", "run", j.runID, "state", state)
	return nil
}

// Cleanup 盡力清理：取消 pipeline、關閉 consumer、刪除建立的 channel、
// 依名稱前綴刪除本 job 的批次
//
// 每一步獨立嘗試，所有錯誤合併回傳；已不存在的 channel 不算錯誤
// cred 用於 pipeline，registryCred 用於批次刪除
func (j *Job) Cleanup(ctx context.Context, cred, registryCred types.Credential) error {
	j.log.Info("Cleaning up after job")
	var errs []error

	if err := j.stopPipeline(ctx, cred); err != nil {
		errs = append(errs, err)
	}

	if j.consumer != nil {
		if err := j.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
		}
	}

	for _, name := range j.provisioned {
		if err := j.admin.DeleteChannel(ctx, name); err != nil {
			if errors.Is(err, messaging.ErrChannelNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("failed to delete channel %s: %w", name, err))
			continue
		}
		j.log.Info("Deleted channel", "channel", name)
	}

	if j.registry != nil {
		prefix := j.batchPrefix()
		if err := j.registry.BulkDeleteByNamePrefix(ctx, registryCred, j.cfg.Tenant, prefix); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete batches: %w", err))
		} else {
			for _, b := range j.Batches() {
				j.log.Info("Batch deleted", "name", b.Name())
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	j.log.Info("Finished cleaning up after job")
	return nil
}

// batchPrefix 本 job 所有批次名稱的共同前綴
func (j *Job) batchPrefix() string {
	return joinName(j.cfg.NamePrefix, j.cfg.RunTag, j.cfg.TestName, "test", "job"+strconv.FormatInt(j.number, 10), "batch")
}

// ============================================================================
// 命名工具
// ============================================================================

// joinName joins the non-empty parts with "-".
func joinName(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "-")
}

// uniqueName inserts "-<tag>" before suffix: "ingest.in" → "ingest-main-job1-1700000000.in".
func uniqueName(base, suffix, tag string) string {
	stem := strings.TrimSuffix(base, suffix)
	return stem + "-" + tag + suffix
}
