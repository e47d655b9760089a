package saga

import "time"

// MetricsRecorder records saga runtime metrics.
type MetricsRecorder interface {
	RecordSagaExecution(status string)
	RecordSagaDuration(status string, duration time.Duration)
	IncActiveSagas()
	DecActiveSagas()
	RecordStepRetry(phase string)
	RecordCompensation(status string)
	RecordCompensationDuration(duration time.Duration)
	RecordAuditDropped()
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordSagaExecution(string)               {}
func (nopMetricsRecorder) RecordSagaDuration(string, time.Duration) {}
func (nopMetricsRecorder) IncActiveSagas()                          {}
func (nopMetricsRecorder) DecActiveSagas()                          {}
func (nopMetricsRecorder) RecordStepRetry(string)                   {}
func (nopMetricsRecorder) RecordCompensation(string)                {}
func (nopMetricsRecorder) RecordCompensationDuration(time.Duration) {}
func (nopMetricsRecorder) RecordAuditDropped()                      {}
