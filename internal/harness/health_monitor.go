package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// runHealthMonitor checks the pipeline every HealthInterval until cancelled
// or a check fails.
func (j *Job) runHealthMonitor(ctx context.Context, cred types.Credential, runID string) error {
	for {
		if err := j.checkHealth(ctx, cred, runID); err != nil {
			if ctx.Err() != nil {
				j.log.Info("Health monitor stopped")
				return nil
			}
			j.log.Error("Health monitor failed", "run", runID, "error", err)
			return err
		}

		// 睡眠期間不持有 healthMu，Stop 不必等滿一個間隔
		timer := time.NewTimer(j.cfg.HealthInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.log.Info("Health monitor stopped")
			return nil
		case <-timer.C:
		}
	}
}

// checkHealth 單次檢查；任何離開路徑都會釋放 healthMu
func (j *Job) checkHealth(ctx context.Context, cred types.Credential, runID string) error {
	j.healthMu.Lock()
	defer j.healthMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	exc, err := j.pipeline.Exceptions(ctx, cred, runID)
	if err != nil {
		return fmt.Errorf("failed to get pipeline exceptions: %w", err)
	}
	if exc.RootException != "" {
		return &PipelineHealthError{RunID: runID, RootException: exc.RootException}
	}

	cp, err := j.pipeline.Checkpoints(ctx, cred, runID)
	if err != nil {
		return fmt.Errorf("failed to get pipeline checkpoints: %w", err)
	}
	if cp.Counts.Failed > 0 {
		return &PipelineHealthError{RunID: runID, FailedCheckpoints: cp.Counts.Failed}
	}
	return nil
}
