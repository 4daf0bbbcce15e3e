package rdma

import (
	"fmt"
	"sync/atomic"
	"time"
)

const bytesPerMiB = 1024 * 1024

// Statistics tracks RDMA usage for one transport. Every counter is updated
// atomically on its own; readers get no cross-field ordering.
type Statistics struct {
	reads    atomic.Int64
	writes   atomic.Int64
	sends    atomic.Int64
	receives atomic.Int64

	bytesTransferred atomic.Int64
	errors           atomic.Int64

	connectionsCreated atomic.Int64
	connectionsActive  atomic.Int64

	regionsAllocated atomic.Int64
	regionsActive    atomic.Int64

	readNanos    atomic.Int64
	writeNanos   atomic.Int64
	sendNanos    atomic.Int64
	receiveNanos atomic.Int64

	readRequests  atomic.Int64
	readSuccess   atomic.Int64
	readErrors    atomic.Int64
	writeRequests atomic.Int64
	writeSuccess  atomic.Int64
	writeErrors   atomic.Int64
}

// NewStatistics returns zeroed statistics.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// RecordRead records a completed RDMA read.
func (s *Statistics) RecordRead(bytes int, d time.Duration) {
	s.reads.Add(1)
	s.bytesTransferred.Add(int64(bytes))
	s.readNanos.Add(d.Nanoseconds())
}

// RecordWrite records a completed RDMA write.
func (s *Statistics) RecordWrite(bytes int, d time.Duration) {
	s.writes.Add(1)
	s.bytesTransferred.Add(int64(bytes))
	s.writeNanos.Add(d.Nanoseconds())
}

// RecordSend records a completed send.
func (s *Statistics) RecordSend(bytes int, d time.Duration) {
	s.sends.Add(1)
	s.bytesTransferred.Add(int64(bytes))
	s.sendNanos.Add(d.Nanoseconds())
}

// RecordReceive records a completed receive.
func (s *Statistics) RecordReceive(bytes int, d time.Duration) {
	s.receives.Add(1)
	s.bytesTransferred.Add(int64(bytes))
	s.receiveNanos.Add(d.Nanoseconds())
}

// RecordError counts a failed operation.
func (s *Statistics) RecordError() { s.errors.Add(1) }

// RecordConnectionCreated counts a new live connection.
func (s *Statistics) RecordConnectionCreated() {
	s.connectionsCreated.Add(1)
	s.connectionsActive.Add(1)
}

// RecordConnectionClosed counts a closed connection.
func (s *Statistics) RecordConnectionClosed() { s.connectionsActive.Add(-1) }

// RecordMemoryRegionAllocated counts a new registered region.
func (s *Statistics) RecordMemoryRegionAllocated() {
	s.regionsAllocated.Add(1)
	s.regionsActive.Add(1)
}

// RecordMemoryRegionReleased counts an invalidated region.
func (s *Statistics) RecordMemoryRegionReleased() { s.regionsActive.Add(-1) }

// RecordReadRequest counts an issued RDMA read.
func (s *Statistics) RecordReadRequest() { s.readRequests.Add(1) }

// RecordReadSuccess records a successful RDMA read.
func (s *Statistics) RecordReadSuccess(bytes int, d time.Duration) {
	s.readSuccess.Add(1)
	s.RecordRead(bytes, d)
}

// RecordReadError records a failed RDMA read.
func (s *Statistics) RecordReadError() {
	s.readErrors.Add(1)
	s.RecordError()
}

// RecordWriteRequest counts an issued RDMA write.
func (s *Statistics) RecordWriteRequest() { s.writeRequests.Add(1) }

// RecordWriteSuccess records a successful RDMA write.
func (s *Statistics) RecordWriteSuccess(bytes int, d time.Duration) {
	s.writeSuccess.Add(1)
	s.RecordWrite(bytes, d)
}

// RecordWriteError records a failed RDMA write.
func (s *Statistics) RecordWriteError() {
	s.writeErrors.Add(1)
	s.RecordError()
}

func (s *Statistics) Reads() int64              { return s.reads.Load() }
func (s *Statistics) Writes() int64             { return s.writes.Load() }
func (s *Statistics) Sends() int64              { return s.sends.Load() }
func (s *Statistics) Receives() int64           { return s.receives.Load() }
func (s *Statistics) BytesTransferred() int64   { return s.bytesTransferred.Load() }
func (s *Statistics) Errors() int64             { return s.errors.Load() }
func (s *Statistics) ConnectionsCreated() int64 { return s.connectionsCreated.Load() }
func (s *Statistics) ConnectionsActive() int64  { return s.connectionsActive.Load() }
func (s *Statistics) RegionsAllocated() int64   { return s.regionsAllocated.Load() }
func (s *Statistics) RegionsActive() int64      { return s.regionsActive.Load() }
func (s *Statistics) ReadRequests() int64       { return s.readRequests.Load() }
func (s *Statistics) ReadSuccesses() int64      { return s.readSuccess.Load() }
func (s *Statistics) ReadErrors() int64         { return s.readErrors.Load() }
func (s *Statistics) WriteRequests() int64      { return s.writeRequests.Load() }
func (s *Statistics) WriteSuccesses() int64     { return s.writeSuccess.Load() }
func (s *Statistics) WriteErrors() int64        { return s.writeErrors.Load() }

// TotalOperations is reads + writes + sends + receives.
func (s *Statistics) TotalOperations() int64 {
	return s.reads.Load() + s.writes.Load() + s.sends.Load() + s.receives.Load()
}

// ErrorRate is errors over total operations, 0 before any operation.
func (s *Statistics) ErrorRate() float64 {
	total := s.TotalOperations()
	if total == 0 {
		return 0
	}

	return float64(s.errors.Load()) / float64(total)
}

func averageMicros(sumNanos, count int64) float64 {
	if count == 0 {
		return 0
	}

	return float64(sumNanos) / float64(count) / 1000
}

// AverageReadLatencyMicros is the mean RDMA read latency.
func (s *Statistics) AverageReadLatencyMicros() float64 {
	return averageMicros(s.readNanos.Load(), s.reads.Load())
}

// AverageWriteLatencyMicros is the mean RDMA write latency.
func (s *Statistics) AverageWriteLatencyMicros() float64 {
	return averageMicros(s.writeNanos.Load(), s.writes.Load())
}

// AverageSendLatencyMicros is the mean send latency.
func (s *Statistics) AverageSendLatencyMicros() float64 {
	return averageMicros(s.sendNanos.Load(), s.sends.Load())
}

// AverageReceiveLatencyMicros is the mean receive latency.
func (s *Statistics) AverageReceiveLatencyMicros() float64 {
	return averageMicros(s.receiveNanos.Load(), s.receives.Load())
}

// ThroughputMBps is bytes transferred in MiB per second over elapsed.
func (s *Statistics) ThroughputMBps(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(s.bytesTransferred.Load()) / bytesPerMiB / elapsed.Seconds()
}

// Reset zeroes every counter, one field at a time.
func (s *Statistics) Reset() {
	for _, c := range []*atomic.Int64{
		&s.reads, &s.writes, &s.sends, &s.receives,
		&s.bytesTransferred, &s.errors,
		&s.connectionsCreated, &s.connectionsActive,
		&s.regionsAllocated, &s.regionsActive,
		&s.readNanos, &s.writeNanos, &s.sendNanos, &s.receiveNanos,
		&s.readRequests, &s.readSuccess, &s.readErrors,
		&s.writeRequests, &s.writeSuccess, &s.writeErrors,
	} {
		c.Store(0)
	}
}

// StatisticsSnapshot is a point-in-time copy of Statistics.
type StatisticsSnapshot struct {
	Reads              int64   `json:"reads" yaml:"reads"`
	Writes             int64   `json:"writes" yaml:"writes"`
	Sends              int64   `json:"sends" yaml:"sends"`
	Receives           int64   `json:"receives" yaml:"receives"`
	BytesTransferred   int64   `json:"bytes_transferred" yaml:"bytes_transferred"`
	Errors             int64   `json:"errors" yaml:"errors"`
	ConnectionsCreated int64   `json:"connections_created" yaml:"connections_created"`
	ConnectionsActive  int64   `json:"connections_active" yaml:"connections_active"`
	RegionsAllocated   int64   `json:"regions_allocated" yaml:"regions_allocated"`
	RegionsActive      int64   `json:"regions_active" yaml:"regions_active"`
	ErrorRate          float64 `json:"error_rate" yaml:"error_rate"`
	AvgReadMicros      float64 `json:"avg_read_us" yaml:"avg_read_us"`
	AvgWriteMicros     float64 `json:"avg_write_us" yaml:"avg_write_us"`
	AvgSendMicros      float64 `json:"avg_send_us" yaml:"avg_send_us"`
	AvgReceiveMicros   float64 `json:"avg_receive_us" yaml:"avg_receive_us"`
}

// Snapshot copies the counters and derived metrics.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		Reads:              s.Reads(),
		Writes:             s.Writes(),
		Sends:              s.Sends(),
		Receives:           s.Receives(),
		BytesTransferred:   s.BytesTransferred(),
		Errors:             s.Errors(),
		ConnectionsCreated: s.ConnectionsCreated(),
		ConnectionsActive:  s.ConnectionsActive(),
		RegionsAllocated:   s.RegionsAllocated(),
		RegionsActive:      s.RegionsActive(),
		ErrorRate:          s.ErrorRate(),
		AvgReadMicros:      s.AverageReadLatencyMicros(),
		AvgWriteMicros:     s.AverageWriteLatencyMicros(),
		AvgSendMicros:      s.AverageSendLatencyMicros(),
		AvgReceiveMicros:   s.AverageReceiveLatencyMicros(),
	}
}

func (s StatisticsSnapshot) String() string {
	return fmt.Sprintf(
		"RdmaStatistics{reads=%d, writes=%d, sends=%d, receives=%d, bytes=%d, errors=%d, "+
			"connections=%d/%d, regions=%d/%d, errorRate=%.2f%%, avgReadLatency=%.2fus, avgWriteLatency=%.2fus}",
		s.Reads, s.Writes, s.Sends, s.Receives, s.BytesTransferred, s.Errors,
		s.ConnectionsActive, s.ConnectionsCreated, s.RegionsActive, s.RegionsAllocated,
		s.ErrorRate*100, s.AvgReadMicros, s.AvgWriteMicros)
}
