package harness

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/flink-harness/pkg/types"
)

var (
	// ErrNotStarted is returned by operations that need a started job
	ErrNotStarted = errors.New("harness: job not started")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("harness: job already started")
)

// ProtocolViolationError 監控收到不符合協議的訊息（未知批次、非法狀態轉換、未知 channel）
// 一律致命，終止所屬的 monitor
type ProtocolViolationError struct {
	Channel string
	BatchID types.BatchID
	Reason  string
}

func (e *ProtocolViolationError) Error() string {
	var b strings.Builder
	b.WriteString("protocol violation")
	if e.Channel != "" {
		fmt.Fprintf(&b, " on %s", e.Channel)
	}
	if e.BatchID != "" {
		fmt.Fprintf(&b, " (batch %s)", e.BatchID)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// SubmissionError 紀錄寫入或 flush 失敗，同步回傳給呼叫者，不重試
type SubmissionError struct {
	Batch  string
	Record string // empty for flush failures
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Record == "" {
		return fmt.Sprintf("batch %s: flush failed: %v", e.Batch, e.Err)
	}
	return fmt.Sprintf("batch %s: submit record %s failed: %v", e.Batch, e.Record, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RegistryTransitionError registry 沒有確認狀態轉換
type RegistryTransitionError struct {
	BatchID types.BatchID
	Action  string
	Err     error
}

func (e *RegistryTransitionError) Error() string {
	return fmt.Sprintf("batch %s: registry rejected %s: %v", e.BatchID, e.Action, e.Err)
}

func (e *RegistryTransitionError) Unwrap() error { return e.Err }

// PipelineHealthError pipeline 有未處理的例外或 checkpoint 失敗
type PipelineHealthError struct {
	RunID             string
	RootException     string
	FailedCheckpoints int
}

func (e *PipelineHealthError) Error() string {
	if e.RootException != "" {
		return fmt.Sprintf("pipeline run %s raised: %s", e.RunID, e.RootException)
	}
	return fmt.Sprintf("pipeline run %s: %d checkpoint(s) failed", e.RunID, e.FailedCheckpoints)
}

// StartupTimeoutError pipeline 未在時限內進入 RUNNING
type StartupTimeoutError struct {
	RunID     string
	LastState types.PipelineState
	Timeout   time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("pipeline run %s did not reach RUNNING within %s (last state %s)", e.RunID, e.Timeout, e.LastState)
}

// MonitorFailure one monitor that exited with an error.
type MonitorFailure struct {
	Monitor string
	Err     error
}

// MonitorFailureError 由 Stop 回傳，彙總已終止 monitor 的錯誤
type MonitorFailureError struct {
	Job      int64
	RunID    string
	Failures []MonitorFailure
}

func (e *MonitorFailureError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Monitor, f.Err)
	}
	return fmt.Sprintf("job%d (%s) failed: %s", e.Job, e.RunID, strings.Join(parts, "; "))
}

// Unwrap exposes every monitor error to errors.Is / errors.As.
func (e *MonitorFailureError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Monitors names the monitors that failed.
func (e *MonitorFailureError) Monitors() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Monitor
	}
	return names
}
