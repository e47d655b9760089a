package transfer

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// MetricsRecorder records transfer metrics.
type MetricsRecorder interface {
	RecordChunkCommitted(bytes int64)
	RecordChunkCompensated()
	RecordTransfer(status string)
	RecordResume(outcome string)
	RecordCorruption()
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordChunkCommitted(int64) {}
func (nopMetricsRecorder) RecordChunkCompensated()    {}
func (nopMetricsRecorder) RecordTransfer(string)      {}
func (nopMetricsRecorder) RecordResume(string)        {}
func (nopMetricsRecorder) RecordCorruption()          {}

const (
	transferTracerName     = "polystore.transfer"
	spanTransferCommit     = "transfer.chunk.commit"
	spanTransferResume     = "transfer.resume"
	spanTransferCompensate = "transfer.chunk.delete"
)

func transferTracer() trace.Tracer {
	return otel.Tracer(transferTracerName)
}
