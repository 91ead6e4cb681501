package harness

import (
	"time"

	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// Recorder receives harness measurements. metrics.Collector implements it.
type Recorder interface {
	RecordBatchSubmitted()
	RecordSent()
	RecordReceived(kind types.ChannelKind)
	RecordNotification(status types.BatchStatus)
	RecordProcessingTime(d time.Duration)
	RecordMonitorFailure(monitor string)
	JobStarted()
	JobStopped()
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordBatchSubmitted()                {}
func (NopRecorder) RecordSent()                          {}
func (NopRecorder) RecordReceived(types.ChannelKind)     {}
func (NopRecorder) RecordNotification(types.BatchStatus) {}
func (NopRecorder) RecordProcessingTime(time.Duration)   {}
func (NopRecorder) RecordMonitorFailure(string)          {}
func (NopRecorder) JobStarted()                          {}
func (NopRecorder) JobStopped()                          {}
