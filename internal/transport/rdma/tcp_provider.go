package rdma

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/piwi3910/smbdirect/internal/config"
)

const frameHeaderSize = 4

// TCPProvider is the non-RDMA fallback. Messages travel as length-prefixed
// frames over a stream; remote memory access is not supported.
type TCPProvider struct {
	cfg      config.RDMAConfig
	nextKey  atomic.Uint32
	mu       sync.Mutex
	conns    map[string]*TCPConnection
	shutdown atomic.Bool
}

// NewTCPProvider creates the TCP fallback provider.
func NewTCPProvider(cfg config.RDMAConfig) *TCPProvider {
	return &TCPProvider{
		cfg:   cfg,
		conns: make(map[string]*TCPConnection),
	}
}

// IsAvailable is true until Shutdown.
func (p *TCPProvider) IsAvailable() bool { return !p.shutdown.Load() }

// SupportedCapabilities returns plain sends only.
func (p *TCPProvider) SupportedCapabilities() Capabilities { return CapSend }

// Name returns "tcp".
func (p *TCPProvider) Name() string { return string(FabricTCP) }

// Fabric returns FabricTCP.
func (p *TCPProvider) Fabric() Fabric { return FabricTCP }

// MaxMessageSize is the largest frame accepted.
func (p *TCPProvider) MaxMessageSize() int {
	return max(p.cfg.DefaultMaxFragmentedSize, NegotiateMessageSize)
}

// RegisterMemory wraps buf in a region. There is no fabric registration,
// so keys are process-local counters.
func (p *TCPProvider) RegisterMemory(buf []byte, access AccessFlags) (*MemoryRegion, error) {
	if p.shutdown.Load() {
		return nil, fmt.Errorf("%w: %w", ErrMemoryRegistration, ErrProviderShutdown)
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMemoryRegistration)
	}

	key := p.nextKey.Add(1)

	return NewMemoryRegion(buf, key, key, 0, access, nil), nil
}

// CreateConnection returns an unconnected connection to remote ("host:port").
func (p *TCPProvider) CreateConnection(remote, local string) (Connection, error) {
	if p.shutdown.Load() {
		return nil, ErrProviderShutdown
	}

	conn := &TCPConnection{
		BaseConnection: NewBaseConnection(remote, local, p.cfg.DefaultReceiveCreditMax),
		provider:       p,
		opTimeout:      p.cfg.ConnectTimeout,
	}
	if conn.opTimeout <= 0 {
		conn.opTimeout = verbsOpTimeout
	}

	p.mu.Lock()
	p.conns[conn.ID()] = conn
	p.mu.Unlock()

	return conn, nil
}

// Connect dials host:port.
func (p *TCPProvider) Connect(ctx context.Context, host string, port int) (Connection, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := p.CreateConnection(addr, "")
	if err != nil {
		return nil, &NetworkError{Op: "connect", Addr: addr, Err: err}
	}

	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

func (p *TCPProvider) forget(id string) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

// Shutdown closes every open connection.
func (p *TCPProvider) Shutdown() error {
	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	conns := make([]*TCPConnection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}

	return err
}

// TCPConnection is a Connection over a TCP stream.
type TCPConnection struct {
	*BaseConnection

	provider *TCPProvider

	mu   sync.Mutex // guards conn and writes
	rmu  sync.Mutex // serialises reads
	conn net.Conn

	lastRequest atomic.Pointer[NegotiateRequest]
	opTimeout   time.Duration
}

func (c *TCPConnection) stream() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// Connect dials the remote address.
func (c *TCPConnection) Connect(ctx context.Context) error {
	if c.State().Terminal() {
		return ErrConnectionClosed
	}

	c.SetState(StateConnecting)

	d := net.Dialer{Timeout: c.provider.cfg.ConnectTimeout}

	conn, err := d.DialContext(ctx, "tcp", c.RemoteAddr())
	if err != nil {
		c.SetState(StateError)
		return &NetworkError{Op: "connect", Addr: c.RemoteAddr(), Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if !c.SetState(StateConnected) {
		_ = conn.Close()
		return ErrConnectionClosed
	}

	log.Debug().
		Str("conn_id", c.ID()).
		Str("remote", c.RemoteAddr()).
		Str("local", conn.LocalAddr().String()).
		Msg("TCP fallback connection established")

	return nil
}

// fail moves the connection to ERROR for anything that leaves the stream
// unusable, including an oversized inbound frame whose body is still unread.
func (c *TCPConnection) fail(op string, err error) error {
	if isStateError(err) {
		return err
	}

	c.SetState(StateError)

	if isNetworkError(err) || isTimeout(err) {
		return &NetworkError{Op: op, Addr: c.RemoteAddr(), Err: err}
	}

	return &IOError{Op: op, Err: err}
}

func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func (c *TCPConnection) writeFrame(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrConnectionClosed
	}

	if err := c.conn.SetWriteDeadline(deadlineFor(ctx, c.opTimeout)); err != nil {
		return err
	}

	return writeFrame(c.conn, data)
}

// Send writes one framed message, consuming a send credit.
func (c *TCPConnection) Send(ctx context.Context, data []byte, region *MemoryRegion) error {
	if region != nil && !region.IsValid() {
		return ErrRegionInvalid
	}

	if limit := c.MaxReceiveSize(); limit > 0 && len(data) > limit {
		return fmt.Errorf("%w: %d bytes exceeds peer receive size %d", ErrBufferTooSmall, len(data), limit)
	}

	if err := c.takeSendCredit(); err != nil {
		return err
	}

	if err := c.writeFrame(ctx, data); err != nil {
		return c.fail("send", err)
	}

	return nil
}

// Receive reads one framed message, returning nil, nil on timeout.
func (c *TCPConnection) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := c.requireEstablished(); err != nil {
		return nil, err
	}

	msg, err := c.readFrame(ctx, timeout)
	if err != nil {
		return nil, c.fail("receive", err)
	}

	return msg, nil
}

func (c *TCPConnection) readFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	conn := c.stream()
	if conn == nil {
		return nil, ErrConnectionClosed
	}

	if err := conn.SetReadDeadline(deadlineFor(ctx, timeout)); err != nil {
		return nil, err
	}

	var hdr [frameHeaderSize]byte

	n, err := io.ReadFull(conn, hdr[:])
	if err != nil {
		// Nothing consumed, so the stream is still aligned
		if n == 0 && isTimeout(err) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}

	return readFrameBody(conn, hdr, c.provider.MaxMessageSize())
}

// RDMARead is not available without an RDMA fabric.
func (c *TCPConnection) RDMARead(context.Context, *MemoryRegion, uint64, uint32, int) error {
	return fmt.Errorf("tcp rdma read: %w", ErrOperationNotSupported)
}

// RDMAWrite is not available without an RDMA fabric.
func (c *TCPConnection) RDMAWrite(context.Context, *MemoryRegion, uint64, uint32, int) error {
	return fmt.Errorf("tcp rdma write: %w", ErrOperationNotSupported)
}

// Read is not available without an RDMA fabric.
func (c *TCPConnection) Read(context.Context, []byte, uint64, uint32, int) (int, error) {
	return 0, fmt.Errorf("tcp read: %w", ErrOperationNotSupported)
}

// Write is not available without an RDMA fabric.
func (c *TCPConnection) Write(context.Context, []byte, uint64, uint32) (int, error) {
	return 0, fmt.Errorf("tcp write: %w", ErrOperationNotSupported)
}

// Negotiate exchanges the negotiate messages over the stream.
func (c *TCPConnection) Negotiate(ctx context.Context, req *NegotiateRequest) (*NegotiateResponse, error) {
	if s := c.State(); s != StateConnected && s != StateEstablished {
		return nil, fmt.Errorf("%w: cannot negotiate in state %s", ErrNotEstablished, s)
	}

	if err := c.writeFrame(ctx, req.Encode()); err != nil {
		return nil, c.fail("negotiate", err)
	}

	msg, err := c.readFrame(ctx, c.opTimeout)
	if err != nil {
		return nil, c.fail("negotiate", err)
	}

	if msg == nil {
		return nil, c.fail("negotiate", ErrTimeout)
	}

	resp, err := DecodeNegotiateResponse(msg, 0)
	if err != nil {
		return nil, c.fail("negotiate", err)
	}

	c.lastRequest.Store(req)

	if err := c.ApplyNegotiated(resp); err != nil {
		return resp, err
	}

	return resp, nil
}

// Reset redials and replays the last negotiation.
func (c *TCPConnection) Reset(ctx context.Context) error {
	if c.State().Terminal() {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.failPending(ErrConnectionClosed)

	if err := c.Connect(ctx); err != nil {
		return err
	}

	if req := c.lastRequest.Load(); req != nil {
		if _, err := c.Negotiate(ctx, req); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the stream. Safe to call twice.
func (c *TCPConnection) Close() error {
	if c.State() == StateClosed {
		return nil
	}

	c.SetState(StateClosing)
	c.failPending(ErrConnectionClosed)

	var err error

	c.mu.Lock()
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.SetState(StateClosed)
	c.provider.forget(c.ID())

	return err
}

func writeFrame(w io.Writer, data []byte) error {
	frame := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data))) //nolint:gosec // G115: bounded by max message size
	copy(frame[frameHeaderSize:], data)

	_, err := w.Write(frame)

	return err
}

func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	return readFrameBody(r, hdr, maxSize)
}

// readFrameBody leaves an oversized body unread, so the stream is out of
// frame alignment after it fails.
func readFrameBody(r io.Reader, hdr [frameHeaderSize]byte, maxSize int) ([]byte, error) {
	size := binary.BigEndian.Uint32(hdr[:])
	if int64(size) > int64(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrBufferTooSmall, size, maxSize)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}

	return msg, nil
}

// ServeNegotiate answers one negotiate request on a framed stream.
func ServeNegotiate(conn io.ReadWriter, limits NegotiateLimits) (*NegotiateResponse, error) {
	msg, err := readFrame(conn, NegotiateMessageSize)
	if err != nil {
		return nil, err
	}

	req, err := DecodeNegotiateRequest(msg, 0)
	if err != nil {
		return nil, err
	}

	resp := RespondToNegotiate(req, limits)
	if err := writeFrame(conn, resp.Encode()); err != nil {
		return nil, err
	}

	return resp, nil
}

// ServeConn answers the negotiation on conn and then echoes every frame
// until the peer hangs up.
func ServeConn(conn io.ReadWriter, limits NegotiateLimits) error {
	resp, err := ServeNegotiate(conn, limits)
	if err != nil {
		return err
	}

	if !resp.IsSuccess() {
		return fmt.Errorf("%w: status 0x%08x", ErrNegotiationFailed, resp.Status)
	}

	maxSize := max(int(limits.MaxReceiveSize), NegotiateMessageSize)

	for {
		msg, err := readFrame(conn, maxSize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if err := writeFrame(conn, msg); err != nil {
			return err
		}
	}
}
