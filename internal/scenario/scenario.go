// ============================================================================
// Scenario - 負載 / 冒煙測試流程
// ============================================================================
//
// 流程:
//   1. 啟動主 job（可選背景 job），皆開啟監控
//   2. 主 job 建立主批次，背景批次持續送資料製造負載
//   3. warm-up 之後開始送主批次，送滿 Records 筆後 Complete
//   4. 輪詢 Failed()/Completed() 直到完成或逾時
//   5. 無論結果，一律 Stop 並 Cleanup
//   6. 驗證主批次處理筆數並計算吞吐量
//
// ============================================================================

package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/flink-harness/internal/harness"
	"github.com/ChuLiYu/flink-harness/internal/notify"
	"github.com/ChuLiYu/flink-harness/internal/registry"
	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// DefaultMaxRecordBytes 超過 5 MiB 的紀錄會被略過
const DefaultMaxRecordBytes = 5 << 20

const pollInterval = 10 * time.Millisecond

// Info bag keys
const (
	InfoStatus         = "status"
	InfoValid          = "valid_records"
	InfoInvalid        = "invalid_records"
	InfoInputEchoes    = "input_records"
	InfoProcessingTime = "batchProcessingTime"
)

// ErrIncomplete is returned when the main batch did not complete in time.
var ErrIncomplete = errors.New("scenario: main batch did not complete")

// Config 描述一次 scenario
type Config struct {
	Name            string        // "load", "smoke"
	Records         int           // records sent to the main batch
	Timeout         time.Duration // bound on the submit/poll loop
	WarmUp          time.Duration // background-only load before the main batch starts
	Interval        time.Duration // pause between loop iterations
	Parallelism     int
	CompletionDelay time.Duration
	Background      bool // run a second job and two background batches
	MaxRecordBytes  int
	MinThroughputMB float64 // MB/s the main batch must exceed; 0 only requires > 0
	Channels        types.Channels
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "smoke"
	}
	if c.Records <= 0 {
		c.Records = 200
	}
	if c.Timeout <= 0 {
		c.Timeout = 450 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 2
	}
	if c.MaxRecordBytes <= 0 {
		c.MaxRecordBytes = DefaultMaxRecordBytes
	}
}

// Credentials used for the two control surfaces.
type Credentials struct {
	Pipeline types.Credential
	Registry types.Credential
}

// ThroughputRecorder receives the computed throughput. metrics.Collector
// implements it.
type ThroughputRecorder interface {
	SetThroughput(recordsPerSec, bytesPerSec float64)
}

// Runner 執行 scenario
type Runner struct {
	session  *harness.Session
	deps     harness.Deps
	jobCfg   harness.Config
	cfg      Config
	registry registry.Client
	source   RecordSource

	// Optional collaborators.
	Notifier   notify.Notifier
	Throughput ThroughputRecorder
	Failure    notify.Failure // template for alerts; TestType and Reason are filled in
	Logger     *slog.Logger
}

// Result 主批次的量測結果
type Result struct {
	Batch          string
	Sent           int64
	Valid          int64
	Invalid        int64
	ProcessingTime time.Duration
	RecordsPerSec  float64
	MBPerSec       float64
}

// NewRunner 建立 Runner
func NewRunner(session *harness.Session, deps harness.Deps, jobCfg harness.Config, cfg Config, source RecordSource) (*Runner, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("scenario: registry client is required")
	}
	if source == nil {
		return nil, fmt.Errorf("scenario: record source is required")
	}
	cfg.applyDefaults()
	return &Runner{
		session:  session,
		deps:     deps,
		jobCfg:   jobCfg,
		cfg:      cfg,
		registry: deps.Registry,
		source:   source,
	}, nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run 執行 scenario；失敗時發送告警
func (r *Runner) Run(ctx context.Context, creds Credentials) (*Result, error) {
	res, err := r.run(ctx, creds)
	if err != nil && r.Notifier != nil {
		f := r.Failure
		f.TestType = r.cfg.Name
		f.Reason = err.Error()
		f.Time = r.session.Now()
		if nerr := r.Notifier.NotifyFailure(context.WithoutCancel(ctx), f); nerr != nil {
			r.logger().Error("Failed to send failure alert", "error", nerr)
		}
	}
	return res, err
}

// pause sleeps for the configured interval, or at least floor.
func (r *Runner) pause(floor time.Duration) {
	d := r.cfg.Interval
	if d < floor {
		d = floor
	}
	if d > 0 {
		time.Sleep(d)
	}
}

func (r *Runner) run(ctx context.Context, creds Credentials) (res *Result, err error) {
	log := r.logger().With("scenario", r.cfg.Name)
	deps := r.deps
	deps.Logger = log

	jobs := make([]*harness.Job, 0, 2)
	defer func() {
		// 無論結果一律停止並清理
		stopCtx := context.WithoutCancel(ctx)
		var stopErrs []error
		for _, j := range jobs {
			if serr := j.Stop(stopCtx, creds.Pipeline); serr != nil {
				log.Error("Job stopped with errors", "job", j.Number(), "error", serr)
				stopErrs = append(stopErrs, serr)
			}
		}
		for _, j := range jobs {
			if cerr := j.Cleanup(stopCtx, creds.Pipeline, creds.Registry); cerr != nil {
				log.Error("Job cleanup failed", "job", j.Number(), "error", cerr)
			}
		}
		if len(stopErrs) > 0 {
			err = errors.Join(append([]error{err}, stopErrs...)...)
		}
	}()

	startOpts := harness.StartOptions{
		Parallelism:     r.cfg.Parallelism,
		CompletionDelay: r.cfg.CompletionDelay,
		Monitor:         true,
		Channels:        r.cfg.Channels,
	}
	count := 1
	if r.cfg.Background {
		count = 2
	}
	for i := 0; i < count; i++ {
		j, jerr := harness.NewJob(r.session, deps, r.jobCfg)
		if jerr != nil {
			return nil, jerr
		}
		jobs = append(jobs, j)
		if serr := j.Start(ctx, creds.Pipeline, startOpts); serr != nil {
			return nil, fmt.Errorf("failed to start job %d: %w", j.Number(), serr)
		}
	}

	mainJob := jobs[0]
	mainBatch, err := mainJob.SubmitBatch(ctx, r.registry, creds.Registry)
	if err != nil {
		return nil, err
	}
	submitted := r.session.Now()

	var background []*harness.Batch
	if r.cfg.Background {
		b1, berr := mainJob.SubmitBatch(ctx, r.registry, creds.Registry)
		if berr != nil {
			return nil, berr
		}
		b2, berr := jobs[1].SubmitBatch(ctx, r.registry, creds.Registry)
		if berr != nil {
			return nil, berr
		}
		background = append(background, b1, b2)
	}

	for _, j := range jobs {
		j.OnNotification(checkStatusOrder(log))
	}
	mainJob.OnOutput(func(b *harness.Batch, recordName string, _ []byte) error {
		valid := b.Info().Add(InfoValid, 1)
		if b == mainBatch {
			log.Info("Received valid record", "batch", b.Name(), "record", recordName,
				"processed", valid+b.Info().GetInt(InfoInvalid))
		}
		return nil
	})
	mainJob.OnInvalid(func(b *harness.Batch, rec types.InvalidRecord) error {
		invalid := b.Info().Add(InfoInvalid, 1)
		if b == mainBatch {
			log.Info("Received invalid record", "batch", b.Name(), "failure", rec.Failure,
				"processed", invalid+b.Info().GetInt(InfoValid))
		}
		return nil
	})
	limit := int64(r.cfg.Records)
	mainJob.OnInput(func(b *harness.Batch, recordName string, _ []byte) error {
		if b != mainBatch {
			return nil
		}
		n := b.Info().Add(InfoInputEchoes, 1)
		if n > limit {
			log.Error("Batch received more records than expected in the input channel",
				"batch", b.Name(), "record", recordName, "echoes", n, "expected", limit)
		}
		return nil
	})

	// 送資料並輪詢
	var (
		firstSent     time.Time
		sendCompleted bool
		totalBytes    int64
		key           int
	)
	start := time.Now()
	deadline := time.NewTimer(r.cfg.Timeout)
	defer deadline.Stop()

loop:
	for !mainBatch.Completed() && !anyFailed(jobs) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			break loop
		default:
		}

		if len(background) == 0 && sendCompleted {
			// 只剩等待完成
			time.Sleep(pollInterval)
			continue
		}

		name, payload, perr := r.source.Pick()
		if perr != nil {
			return nil, perr
		}
		if len(payload) > r.cfg.MaxRecordBytes {
			log.Debug("Skipping oversize record", "record", name, "bytes", len(payload))
			r.pause(pollInterval)
			continue
		}
		key++

		for i, b := range background {
			if serr := b.SubmitRecord(ctx, fmt.Sprintf("background_batch_%d_%d", i+1, key), payload); serr != nil {
				return nil, serr
			}
		}

		if time.Since(start) >= r.cfg.WarmUp && mainBatch.Sent() < limit {
			if firstSent.IsZero() {
				firstSent = r.session.Now()
			}
			if serr := mainBatch.SubmitRecord(ctx, fmt.Sprintf("main_batch_%d_%s", key, name), payload); serr != nil {
				return nil, serr
			}
			totalBytes += int64(len(payload))
		}

		if mainBatch.Sent() == limit && !sendCompleted {
			if cerr := mainBatch.Complete(ctx, r.registry, creds.Registry); cerr != nil {
				return nil, cerr
			}
			sendCompleted = true
			log.Info("Sent all records", "batch", mainBatch.Name(), "records", limit)
		}

		r.pause(0)
	}

	log.Info("Stopping jobs", "failed", anyFailed(jobs), "completed", mainBatch.Completed())
	if anyFailed(jobs) {
		return nil, fmt.Errorf("scenario %s: a monitor failed", r.cfg.Name)
	}
	if mainBatch.Info().GetString(InfoStatus) != string(types.StatusCompleted) {
		return nil, fmt.Errorf("%w: %s within %s", ErrIncomplete, mainBatch.Name(), r.cfg.Timeout)
	}

	res = &Result{
		Batch:   mainBatch.Name(),
		Sent:    mainBatch.Sent(),
		Valid:   mainBatch.Info().GetInt(InfoValid),
		Invalid: mainBatch.Info().GetInt(InfoInvalid),
	}
	if res.Valid+res.Invalid != res.Sent {
		return res, fmt.Errorf("%s was completed but only %d out of %d records were processed",
			res.Batch, res.Valid+res.Invalid, res.Sent)
	}

	res.ProcessingTime, _ = mainBatch.ProcessingTime()
	total := effectiveDuration(res.ProcessingTime, firstSent.Sub(submitted), r.cfg.CompletionDelay)
	res.RecordsPerSec = float64(res.Sent) / total.Seconds()
	res.MBPerSec = float64(totalBytes) / (1024 * 1024) / total.Seconds()
	if r.Throughput != nil {
		r.Throughput.SetThroughput(res.RecordsPerSec, res.MBPerSec*1024*1024)
	}

	log.Info("Batch processed", "batch", res.Batch, "records", res.Sent, "parallelism", r.cfg.Parallelism,
		"records_per_sec", res.RecordsPerSec, "mb_per_sec", res.MBPerSec)
	if res.MBPerSec <= r.cfg.MinThroughputMB {
		return res, fmt.Errorf("%s had a throughput lower than %.3f MB/s", res.Batch, r.cfg.MinThroughputMB)
	}
	return res, nil
}

// effectiveDuration 從處理時間扣除送出第一筆前的等待與完成延遲；
// 結果不為正時退回原始處理時間
func effectiveDuration(processing, idle, completionDelay time.Duration) time.Duration {
	total := processing - idle - completionDelay
	if total <= 0 {
		total = processing
	}
	if total <= 0 {
		total = time.Millisecond
	}
	return total
}

// checkStatusOrder 驗證通知順序 started → sendCompleted → completed
func checkStatusOrder(log *slog.Logger) func(b *harness.Batch, n types.Notification) error {
	return func(b *harness.Batch, n types.Notification) error {
		prev := types.BatchStatus(b.Info().GetString(InfoStatus))
		want, ok := prev.Next()
		if !ok {
			return fmt.Errorf("%s has an unexpected status: local %s, notification %s", b.Name(), prev, n.Status)
		}
		if n.Status != want {
			return fmt.Errorf("notification contains an incorrect status: expected %s, received %s", want, n.Status)
		}
		log.Info("Received notification", "batch", b.Name(), "status", n.Status.String())

		if n.Status == types.StatusCompleted {
			if d, ok := n.ProcessingTime(); ok {
				b.Info().Set(InfoProcessingTime, d)
			}
		}
		b.Info().Set(InfoStatus, string(n.Status))
		return nil
	}
}

func anyFailed(jobs []*harness.Job) bool {
	for _, j := range jobs {
		if j.Failed() {
			return true
		}
	}
	return false
}
