// Package types 定義了 flink-harness 系統中使用的核心領域模型
package types

import (
	"strings"
	"time"
)

// BatchID 批次唯一識別碼（由外部 registry 指派）
type BatchID string

// BatchStatus 批次通知狀態
type BatchStatus string

// 定義批次通知狀態常數
const (
	StatusUnset         BatchStatus = ""              // 尚未收到任何通知
	StatusStarted       BatchStatus = "started"       // 批次已建立，pipeline 開始接收資料
	StatusSendCompleted BatchStatus = "sendCompleted" // 送出端已完成，pipeline 等待處理結束
	StatusCompleted     BatchStatus = "completed"     // 終止狀態：所有紀錄處理完畢
)

// Next 返回狀態機中唯一合法的下一個狀態
// completed 為終止狀態，返回 false
func (s BatchStatus) Next() (BatchStatus, bool) {
	switch s {
	case StatusUnset:
		return StatusStarted, true
	case StatusStarted:
		return StatusSendCompleted, true
	case StatusSendCompleted:
		return StatusCompleted, true
	default:
		return "", false
	}
}

// String 讓 unset 狀態在日誌中可讀
func (s BatchStatus) String() string {
	if s == StatusUnset {
		return "unset"
	}
	return string(s)
}

// Notification 批次狀態通知，由 pipeline 寫入 notification channel
type Notification struct {
	ID                  BatchID     `json:"id"`
	Name                string      `json:"name"`
	Status              BatchStatus `json:"status"`
	DataType            string      `json:"dataType,omitempty"`
	Topic               string      `json:"topic,omitempty"`
	StartDate           *time.Time  `json:"startDate,omitempty"`
	EndDate             *time.Time  `json:"endDate,omitempty"`
	ExpectedRecordCount *int64      `json:"expectedRecordCount,omitempty"`
	ActualRecordCount   *int64      `json:"actualRecordCount,omitempty"`
	InvalidRecordCount  *int64      `json:"invalidRecordCount,omitempty"`
	FailureMessage      string      `json:"failureMessage,omitempty"`
}

// ProcessingTime 返回批次從 startDate 到 endDate 的處理時間
func (n Notification) ProcessingTime() (time.Duration, bool) {
	if n.StartDate == nil || n.EndDate == nil {
		return 0, false
	}
	return n.EndDate.Sub(*n.StartDate), true
}

// InvalidRecord 驗證失敗的紀錄，由 pipeline 寫入 invalid channel
type InvalidRecord struct {
	BatchID   BatchID `json:"batchId"`
	Failure   string  `json:"failure"`
	Topic     string  `json:"topic,omitempty"`
	Partition int32   `json:"partition"`
	Offset    int64   `json:"offset"`
}

// ChannelKind channel 類別
type ChannelKind string

const (
	ChannelInput        ChannelKind = "input"
	ChannelOutput       ChannelKind = "output"
	ChannelNotification ChannelKind = "notification"
	ChannelInvalid      ChannelKind = "invalid"
)

// Channels 一次 pipeline run 使用的四個 channel 名稱
// 關閉監控時只有 Input 有值
type Channels struct {
	Input        string `json:"input" yaml:"input"`
	Output       string `json:"output,omitempty" yaml:"output"`
	Notification string `json:"notification,omitempty" yaml:"notification"`
	Invalid      string `json:"invalid,omitempty" yaml:"invalid"`
}

// Names 返回所有非空的 channel 名稱（input, output, notification, invalid 順序）
func (c Channels) Names() []string {
	names := make([]string, 0, 4)
	for _, n := range []string{c.Input, c.Output, c.Notification, c.Invalid} {
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

// Kind 根據名稱反查 channel 類別
func (c Channels) Kind(name string) (ChannelKind, bool) {
	if name == "" {
		return "", false
	}
	switch name {
	case c.Notification:
		return ChannelNotification, true
	case c.Invalid:
		return ChannelInvalid, true
	case c.Output:
		return ChannelOutput, true
	case c.Input:
		return ChannelInput, true
	}
	return "", false
}

// PipelineState pipeline run 狀態（與 Flink job state 相同字串）
type PipelineState string

const (
	StateCreated    PipelineState = "CREATED"
	StateRunning    PipelineState = "RUNNING"
	StateFailing    PipelineState = "FAILING"
	StateFailed     PipelineState = "FAILED"
	StateCancelling PipelineState = "CANCELLING"
	StateCanceled   PipelineState = "CANCELED"
	StateFinished   PipelineState = "FINISHED"
	StateRestarting PipelineState = "RESTARTING"
)

// IsTerminal 是否為終止狀態
func (s PipelineState) IsTerminal() bool {
	switch s {
	case StateFailed, StateCanceled, StateFinished:
		return true
	}
	return false
}

// Exceptions pipeline 執行期例外
type Exceptions struct {
	RootException string   `json:"root-exception,omitempty"`
	Timestamp     int64    `json:"timestamp,omitempty"`
	AllExceptions []string `json:"-"`
}

// CheckpointCounts checkpoint 結果統計
type CheckpointCounts struct {
	Restored   int `json:"restored"`
	Total      int `json:"total"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Checkpoints checkpoint 狀態
type Checkpoints struct {
	Counts CheckpointCounts `json:"counts"`
}

// Credential bearer token
type Credential string

// AuthorizationHeader 返回 HTTP Authorization 標頭值
func (c Credential) AuthorizationHeader() string {
	token := strings.TrimSpace(string(c))
	if token == "" {
		return ""
	}
	return "Bearer " + token
}
