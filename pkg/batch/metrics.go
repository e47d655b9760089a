package batch

import "time"

// MetricsRecorder records batch metrics.
type MetricsRecorder interface {
	RecordBatch(size int, duration time.Duration)
	RecordBatchItem(status string)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordBatch(int, time.Duration) {}
func (nopMetricsRecorder) RecordBatchItem(string)         {}
