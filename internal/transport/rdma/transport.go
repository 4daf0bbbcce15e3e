package rdma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/smbdirect/internal/config"
	"github.com/piwi3910/smbdirect/internal/metrics"
)

// Operation labels for metrics.
const (
	opRead    = "read"
	opWrite   = "write"
	opSend    = "send"
	opReceive = "receive"
)

// ProtocolTransport is the SMB2 transport an RDMA Transport wraps.
type ProtocolTransport interface {
	RemoteHost() string
	EnsureConnected(ctx context.Context) error
	Disconnect(hard bool) (bool, error)
	Close() error
	IsDisconnected() bool
	HasCapability(capability uint32) bool
	ServerName() string
}

// Transport adds the SMB-Direct fast path to a ProtocolTransport. RDMA is
// best effort: connect failures leave the wrapped transport usable, and
// failures that point at missing hardware or a high error rate disable
// RDMA for the life of the transport.
type Transport struct {
	id       string
	wrapped  ProtocolTransport
	cfg      config.RDMAConfig
	provider Provider
	buffers  *BufferManager
	handler  *ErrorHandler
	stats    *Statistics

	// mu serializes ConnectRDMA and guards conn.
	mu   sync.Mutex
	conn Connection

	disabled atomic.Bool
	closed   atomic.Bool
}

// NewTransport wraps wrapped. provider may be nil, in which case every
// RDMA operation fails with ErrRDMANotAvailable.
func NewTransport(wrapped ProtocolTransport, provider Provider, cfg config.Config) *Transport {
	stats := NewStatistics()

	t := &Transport{
		id:       uuid.New().String(),
		wrapped:  wrapped,
		cfg:      cfg.RDMA,
		provider: provider,
		handler:  NewErrorHandler(stats, cfg.Retry.MaxRetries, cfg.Retry.RetryDelay),
		stats:    stats,
	}

	if provider != nil {
		t.buffers = NewBufferManager(provider, BufferOptionsFromConfig(cfg.Buffers), stats)
	}

	metrics.SetRDMAEnabled(cfg.RDMA.Enabled && provider != nil)

	return t
}

// ID identifies the transport in logs.
func (t *Transport) ID() string { return t.id }

// ConnectRDMA connects to the wrapped transport's host on the RDMA port and
// runs the SMB-Direct negotiation. It does nothing when an established
// connection exists.
func (t *Transport) ConnectRDMA(ctx context.Context) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	if t.provider == nil || t.disabled.Load() {
		return ErrRDMANotAvailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		if t.conn.State() == StateEstablished {
			return nil
		}
		t.dropLocked()
	}

	host := t.wrapped.RemoteHost()

	conn, err := t.provider.Connect(ctx, host, t.cfg.Port)
	if err != nil {
		t.stats.RecordError()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	resp, err := conn.Negotiate(ctx, NewNegotiateRequest(t.cfg))
	if err != nil {
		t.stats.RecordError()
		if cerr := conn.Close(); cerr != nil {
			log.Debug().Err(cerr).Str("transport_id", t.id).Msg("Error closing RDMA connection after failed negotiation")
		}
		return err
	}

	t.conn = conn
	t.stats.RecordConnectionCreated()
	metrics.RecordRDMAConnection(t.provider.Name())

	log.Info().
		Str("transport_id", t.id).
		Str("provider", t.provider.Name()).
		Str("remote", conn.RemoteAddr()).
		Uint16("credits_granted", resp.CreditsGranted).
		Uint32("max_read_write_size", resp.MaxReadWriteSize).
		Msg("SMB-Direct connection established")

	return nil
}

// dropLocked closes the current connection. Close errors are logged only.
func (t *Transport) dropLocked() {
	conn := t.conn
	if conn == nil {
		return
	}

	t.conn = nil

	if err := conn.Close(); err != nil {
		log.Warn().Err(err).
			Str("transport_id", t.id).
			Str("remote", conn.RemoteAddr()).
			Msg("Error closing RDMA connection")
	}

	t.stats.RecordConnectionClosed()
	metrics.RecordRDMADisconnect()
}

func (t *Transport) closeRDMA() {
	t.mu.Lock()
	t.dropLocked()
	t.mu.Unlock()
}

// established returns the connection if it can carry data.
func (t *Transport) established() (Connection, error) {
	if t.disabled.Load() {
		return nil, ErrRDMANotAvailable
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("%w: no RDMA connection", ErrNotEstablished)
	}
	if s := conn.State(); s != StateEstablished {
		return nil, fmt.Errorf("%w: state %s", ErrNotEstablished, s)
	}

	return conn, nil
}

// maybeFallback disables RDMA when err or the error rate says so.
func (t *Transport) maybeFallback(err error) {
	if !t.handler.ShouldFallbackToTCP(err) {
		return
	}
	if !t.disabled.CompareAndSwap(false, true) {
		return
	}

	log.Warn().Err(err).
		Str("transport_id", t.id).
		Float64("error_rate", t.stats.ErrorRate()).
		Msg("Disabling RDMA, falling back to TCP")

	metrics.RecordRDMAFallback()
	metrics.SetRDMAEnabled(false)
	t.closeRDMA()
}

func (t *Transport) read(ctx context.Context, conn Connection, region *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error {
	t.stats.RecordReadRequest()

	start := time.Now()
	err := conn.RDMARead(ctx, region, remoteAddr, remoteKey, length)
	d := time.Since(start)

	metrics.RecordRDMARequest(opRead, err, d)

	if err != nil {
		return err
	}

	t.stats.RecordReadSuccess(length, d)
	metrics.RecordRDMABytes(metrics.DirectionReceived, length)

	return nil
}

func (t *Transport) write(ctx context.Context, conn Connection, region *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error {
	t.stats.RecordWriteRequest()

	start := time.Now()
	err := conn.RDMAWrite(ctx, region, remoteAddr, remoteKey, length)
	d := time.Since(start)

	metrics.RecordRDMARequest(opWrite, err, d)

	if err != nil {
		return err
	}

	t.stats.RecordWriteSuccess(length, d)
	metrics.RecordRDMABytes(metrics.DirectionSent, length)

	return nil
}

// RDMARead pulls length bytes of remote memory into region.
func (t *Transport) RDMARead(ctx context.Context, region *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error {
	conn, err := t.established()
	if err != nil {
		return err
	}

	if err := t.read(ctx, conn, region, remoteAddr, remoteKey, length); err != nil {
		t.stats.RecordReadError()
		t.maybeFallback(err)
		return err
	}

	return nil
}

// RDMAWrite pushes length bytes of region into remote memory.
func (t *Transport) RDMAWrite(ctx context.Context, region *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error {
	conn, err := t.established()
	if err != nil {
		return err
	}

	if err := t.write(ctx, conn, region, remoteAddr, remoteKey, length); err != nil {
		t.stats.RecordWriteError()
		t.maybeFallback(err)
		return err
	}

	return nil
}

// RDMAReadWithRetry is RDMARead under the error handler's retry policy.
func (t *Transport) RDMAReadWithRetry(ctx context.Context, region *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error {
	conn, err := t.established()
	if err != nil {
		return err
	}

	_, err = ExecuteWithRetry(ctx, t.handler, conn, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.read(ctx, conn, region, remoteAddr, remoteKey, length)
	})
	if err != nil {
		t.maybeFallback(err)
	}

	return err
}

// RDMAWriteWithRetry is RDMAWrite under the error handler's retry policy.
func (t *Transport) RDMAWriteWithRetry(ctx context.Context, region *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error {
	conn, err := t.established()
	if err != nil {
		return err
	}

	_, err = ExecuteWithRetry(ctx, t.handler, conn, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.write(ctx, conn, region, remoteAddr, remoteKey, length)
	})
	if err != nil {
		t.maybeFallback(err)
	}

	return err
}

// Send sends one SMB-Direct message from a pooled send region.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	conn, err := t.established()
	if err != nil {
		return err
	}

	region, err := t.buffers.GetSendRegion(len(data))
	if err != nil {
		return err
	}
	defer t.buffers.ReleaseSendRegion(region)

	start := time.Now()
	err = conn.Send(ctx, data, region)
	d := time.Since(start)

	metrics.RecordRDMARequest(opSend, err, d)

	if err != nil {
		t.stats.RecordError()
		t.maybeFallback(err)
		return err
	}

	t.stats.RecordSend(len(data), d)
	metrics.RecordRDMABytes(metrics.DirectionSent, len(data))

	return nil
}

// Receive waits up to timeout for one SMB-Direct message. It returns nil,
// nil on timeout.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	conn, err := t.established()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := conn.Receive(ctx, timeout)
	d := time.Since(start)

	if err != nil {
		metrics.RecordRDMARequest(opReceive, err, d)
		t.stats.RecordError()
		t.maybeFallback(err)
		return nil, err
	}

	if msg == nil {
		return nil, nil
	}

	metrics.RecordRDMARequest(opReceive, nil, d)
	t.stats.RecordReceive(len(msg), d)
	metrics.RecordRDMABytes(metrics.DirectionReceived, len(msg))

	return msg, nil
}

// EnsureConnected connects the wrapped transport and, when RDMA is enabled,
// tries to bring up the fast path. An RDMA failure is logged, not returned.
func (t *Transport) EnsureConnected(ctx context.Context) error {
	if err := t.wrapped.EnsureConnected(ctx); err != nil {
		return err
	}

	if !t.cfg.Enabled || t.provider == nil || t.disabled.Load() {
		return nil
	}

	if err := t.ConnectRDMA(ctx); err != nil {
		log.Warn().Err(err).
			Str("transport_id", t.id).
			Str("remote", t.wrapped.RemoteHost()).
			Msg("RDMA unavailable, continuing without it")
	}

	return nil
}

// Disconnect closes the RDMA connection, then the wrapped transport.
func (t *Transport) Disconnect(hard bool) (bool, error) {
	t.closeRDMA()
	return t.wrapped.Disconnect(hard)
}

// Close releases the RDMA connection and buffer pools, then closes the
// wrapped transport.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.closeRDMA()

	if t.buffers != nil {
		t.buffers.Cleanup()
	}

	log.Debug().
		Str("transport_id", t.id).
		Str("stats", t.stats.Snapshot().String()).
		Msg("RDMA transport closed")

	return t.wrapped.Close()
}

// IsDisconnected reports the wrapped transport's state.
func (t *Transport) IsDisconnected() bool { return t.wrapped.IsDisconnected() }

// HasCapability forwards to the wrapped transport.
func (t *Transport) HasCapability(capability uint32) bool {
	return t.wrapped.HasCapability(capability)
}

// ServerName forwards to the wrapped transport.
func (t *Transport) ServerName() string { return t.wrapped.ServerName() }

// RemoteHost forwards to the wrapped transport.
func (t *Transport) RemoteHost() string { return t.wrapped.RemoteHost() }

// Statistics returns the transport's counters.
func (t *Transport) Statistics() *Statistics { return t.stats }

// BufferManager returns the region pools, or nil without a provider.
func (t *Transport) BufferManager() *BufferManager { return t.buffers }

// ErrorHandler returns the retry policy.
func (t *Transport) ErrorHandler() *ErrorHandler { return t.handler }

// Provider returns the RDMA provider, or nil.
func (t *Transport) Provider() Provider { return t.provider }

// RDMAConnection returns the current connection, or nil.
func (t *Transport) RDMAConnection() Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn
}

// IsRDMAActive reports whether RDMA operations can be issued now.
func (t *Transport) IsRDMAActive() bool {
	_, err := t.established()
	return err == nil
}

// IsRDMADisabled reports whether the transport fell back for good.
func (t *Transport) IsRDMADisabled() bool { return t.disabled.Load() }
