package tube

import "sync/atomic"

// ControllerMetrics contains atomic counters for a tube controller.
type ControllerMetrics struct {
	// KeepAlivePollCount is the number of STS polls sent by keep-alive goroutines.
	KeepAlivePollCount atomic.Uint64
	// EmissionCount is the number of emission sessions started.
	EmissionCount atomic.Uint64
	// FaultCount is the number of device faults surfaced.
	FaultCount atomic.Uint64
	// RetryCount is the number of exchanges resent after a transient failure.
	RetryCount atomic.Uint64
	// StaleReplyCount is the number of replies discarded because their command was abandoned.
	StaleReplyCount atomic.Uint64
}

func (m *ControllerMetrics) incKeepAlivePollCount() { m.KeepAlivePollCount.Add(1) }

func (m *ControllerMetrics) incEmissionCount() { m.EmissionCount.Add(1) }

func (m *ControllerMetrics) incFaultCount() { m.FaultCount.Add(1) }

func (m *ControllerMetrics) incRetryCount() { m.RetryCount.Add(1) }

func (m *ControllerMetrics) incStaleReplyCount() { m.StaleReplyCount.Add(1) }
