package transport

import "sync/atomic"

// ConnectionMetrics contains atomic counters for a serial connection.
// They can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// CommandSendCount is the number of commands written, counting an XOF double write once.
	CommandSendCount atomic.Uint64
	// ReplyRecvCount is the number of non-empty replies read.
	ReplyRecvCount atomic.Uint64
	// EmptyReadCount is the number of reads that returned no data, retried or not.
	EmptyReadCount atomic.Uint64
	// NoResponseCount is the number of commands that got no reply after the read retry.
	NoResponseCount atomic.Uint64
	// QueueFullCount is the number of Enqueue calls rejected for backpressure.
	QueueFullCount atomic.Uint64
	// OffRepeatCount is the number of extra XOF writes.
	OffRepeatCount atomic.Uint64
	// IOErrorCount is the number of write or read failures reported by the port.
	IOErrorCount atomic.Uint64
}

func (m *ConnectionMetrics) incCommandSendCount() { m.CommandSendCount.Add(1) }

func (m *ConnectionMetrics) incReplyRecvCount() { m.ReplyRecvCount.Add(1) }

func (m *ConnectionMetrics) incEmptyReadCount() { m.EmptyReadCount.Add(1) }

func (m *ConnectionMetrics) incNoResponseCount() { m.NoResponseCount.Add(1) }

func (m *ConnectionMetrics) incQueueFullCount() { m.QueueFullCount.Add(1) }

func (m *ConnectionMetrics) incOffRepeatCount() { m.OffRepeatCount.Add(1) }

func (m *ConnectionMetrics) incIOErrorCount() { m.IOErrorCount.Add(1) }
