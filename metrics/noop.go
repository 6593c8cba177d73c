package metrics

import "time"

// NoopMetrics is used when METRICS_ADDR is not set.
type NoopMetrics struct{}

// Ensure NoopMetrics implements Recorder interface at compile time
var _ Recorder = (*NoopMetrics)(nil)

func NewNoopMetrics() Recorder {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordTokenServed(source string)                             {}
func (n *NoopMetrics) RecordTokenRefresh(success bool, duration time.Duration)     {}
func (n *NoopMetrics) RecordTokenRotation(success bool)                            {}
func (n *NoopMetrics) RecordMessage(eventType, res string, duration time.Duration) {}
func (n *NoopMetrics) RecordReceiveError()                                         {}
func (n *NoopMetrics) RecordDeadLetter()                                           {}
