package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/piwi3910/smbdirect/internal/config"
	"github.com/piwi3910/smbdirect/internal/hardware"
)

// Queue sizing for verbs connections.
const (
	verbsCQSize        = 256
	verbsMaxSendWR     = 128
	verbsRecvRingDepth = 8
	verbsPollInterval  = 50 * time.Microsecond
	verbsOpTimeout     = 30 * time.Second

	// Receive WRIDs live above every send WRID.
	recvWRIDBase uint64 = 1 << 63
)

// VerbsProvider is a Provider for one verbs fabric family. Several
// providers may share a backend; the backend's owner closes it.
type VerbsProvider struct {
	fabric  Fabric
	backend VerbsBackend
	cfg     config.RDMAConfig

	mu     sync.Mutex
	device string
	devCtx VerbsContext
	pd     VerbsPD
	opened bool
	conns  map[string]*VerbsConnection

	shutdown atomic.Bool
}

// NewInfiniBandProvider creates a provider for InfiniBand adapters.
func NewInfiniBandProvider(backend VerbsBackend, cfg config.RDMAConfig) *VerbsProvider {
	return newVerbsProvider(FabricInfiniBand, backend, cfg)
}

// NewRoCEProvider creates a provider for RoCE adapters.
func NewRoCEProvider(backend VerbsBackend, cfg config.RDMAConfig) *VerbsProvider {
	return newVerbsProvider(FabricRoCE, backend, cfg)
}

// NewIWARPProvider creates a provider for iWARP adapters.
func NewIWARPProvider(backend VerbsBackend, cfg config.RDMAConfig) *VerbsProvider {
	return newVerbsProvider(FabricIWARP, backend, cfg)
}

func newVerbsProvider(fabric Fabric, backend VerbsBackend, cfg config.RDMAConfig) *VerbsProvider {
	return &VerbsProvider{
		fabric:  fabric,
		backend: backend,
		cfg:     cfg,
		conns:   make(map[string]*VerbsConnection),
	}
}

// NewSimulatedFabric returns an initialized simulated backend whose peer
// answers SMB-Direct negotiation with limits taken from cfg.
func NewSimulatedFabric(cfg config.RDMAConfig) *SimulatedVerbsBackend {
	backend := NewSimulatedVerbsBackend()
	_ = backend.Init()
	backend.SetPeerHandler(NewSMBDirectResponder(NegotiateLimitsFromConfig(cfg)))

	return backend
}

// NewSMBDirectResponder returns a peer that answers the first message on
// each queue pair as a negotiate request and echoes every later message.
func NewSMBDirectResponder(limits NegotiateLimits) PeerHandler {
	var mu sync.Mutex
	negotiated := make(map[uint32]bool)

	return func(qpn uint32, msg []byte) []byte {
		mu.Lock()
		done := negotiated[qpn]
		negotiated[qpn] = true
		mu.Unlock()

		if !done {
			req, err := DecodeNegotiateRequest(msg, 0)
			if err != nil {
				log.Debug().Err(err).Uint32("qpn", qpn).Msg("Simulated peer dropped malformed negotiate")
				return nil
			}
			return RespondToNegotiate(req, limits).Encode()
		}

		echo := make([]byte, len(msg))
		copy(echo, msg)

		return echo
	}
}

// deviceFabric maps a verbs device onto its fabric family.
func deviceFabric(d VerbsDeviceInfo) Fabric {
	nodeType := "CA"
	if d.NodeType == 4 {
		nodeType = "RNIC"
	}

	dev := hardware.RDMADevice{Name: d.Name, NodeType: nodeType, LinkLayer: d.LinkLayer}

	return Fabric(dev.Fabric())
}

// pickDevice returns the device this provider should open.
func (p *VerbsProvider) pickDevice() (string, error) {
	if err := p.backend.Init(); err != nil {
		return "", err
	}

	devices, err := p.backend.GetDeviceList()
	if err != nil {
		return "", err
	}

	for _, d := range devices {
		if deviceFabric(d) != p.fabric {
			continue
		}
		if p.cfg.DeviceName == "" || p.cfg.DeviceName == d.Name {
			return d.Name, nil
		}
	}

	return "", fmt.Errorf("%w: no %s device", ErrDeviceNotFound, p.fabric)
}

// open lazily opens the device and protection domain.
func (p *VerbsProvider) open() error {
	if p.shutdown.Load() {
		return ErrProviderShutdown
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opened {
		return nil
	}

	name, err := p.pickDevice()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRDMANotAvailable, err)
	}

	devCtx, err := p.backend.OpenDevice(name)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	pd, err := p.backend.AllocPD(devCtx)
	if err != nil {
		_ = p.backend.CloseDevice(devCtx)
		return fmt.Errorf("failed to allocate PD: %w", err)
	}

	p.device, p.devCtx, p.pd, p.opened = name, devCtx, pd, true

	log.Debug().
		Str("provider", p.Name()).
		Str("device", name).
		Msg("Opened RDMA device")

	return nil
}

// IsAvailable reports whether a device of this fabric can be used.
func (p *VerbsProvider) IsAvailable() bool {
	if p.shutdown.Load() || p.backend == nil {
		return false
	}

	_, err := p.pickDevice()

	return err == nil
}

// SupportedCapabilities returns the verbs feature set.
func (p *VerbsProvider) SupportedCapabilities() Capabilities { return RDMACapabilities }

// Name returns the fabric name.
func (p *VerbsProvider) Name() string { return string(p.fabric) }

// Fabric returns the fabric family.
func (p *VerbsProvider) Fabric() Fabric { return p.fabric }

// MaxMessageSize is the largest single RDMA transfer.
func (p *VerbsProvider) MaxMessageSize() int { return p.cfg.DefaultMaxReadWriteSize }

// Device returns the opened device name, or "" before first use.
func (p *VerbsProvider) Device() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.device
}

// RegisterMemory registers buf in the provider's protection domain.
func (p *VerbsProvider) RegisterMemory(buf []byte, access AccessFlags) (*MemoryRegion, error) {
	if err := p.open(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryRegistration, err)
	}

	info, err := p.backend.RegMR(p.pd, buf, verbsAccess(access))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryRegistration, err)
	}

	handle := info.Handle

	return NewMemoryRegion(buf, info.LKey, info.RKey, info.Addr, access, func() error {
		return p.backend.DeregMR(handle)
	}), nil
}

// CreateConnection returns an unconnected connection to remote.
func (p *VerbsProvider) CreateConnection(remote, local string) (Connection, error) {
	if err := p.open(); err != nil {
		return nil, err
	}

	conn := newVerbsConnection(p, remote, local)

	p.mu.Lock()
	p.conns[conn.ID()] = conn
	p.mu.Unlock()

	return conn, nil
}

// Connect creates a connection to host:port and brings its queue pair up.
func (p *VerbsProvider) Connect(ctx context.Context, host string, port int) (Connection, error) {
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

func (p *VerbsProvider) forget(id string) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

// Shutdown closes every connection and releases the device.
func (p *VerbsProvider) Shutdown() error {
	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	conns := make([]*VerbsConnection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opened {
		err = multierr.Append(err, p.backend.DeallocPD(p.pd))
		err = multierr.Append(err, p.backend.CloseDevice(p.devCtx))
		p.opened = false
	}

	return err
}

// VerbsConnection is a Connection over a verbs reliable-connection queue pair.
type VerbsConnection struct {
	*BaseConnection

	provider *VerbsProvider
	backend  VerbsBackend

	// guards the queue pair resources
	mu      sync.Mutex
	sendCQ  VerbsCQ
	recvCQ  VerbsCQ
	qp      VerbsQP
	destQPN uint32

	recvMu   sync.Mutex
	recvRing []*MemoryRegion

	sendMu     sync.Mutex
	sendRegion *MemoryRegion

	lastRequest atomic.Pointer[NegotiateRequest]
	opTimeout   time.Duration
}

func newVerbsConnection(p *VerbsProvider, remote, local string) *VerbsConnection {
	return &VerbsConnection{
		BaseConnection: NewBaseConnection(remote, local, p.cfg.DefaultReceiveCreditMax),
		provider:       p,
		backend:        p.backend,
		opTimeout:      verbsOpTimeout,
	}
}

func (c *VerbsConnection) hostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(c.RemoteAddr())
	if err != nil {
		return c.RemoteAddr(), c.provider.cfg.Port
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, c.provider.cfg.Port
	}

	return host, port
}

// Connect resolves the route and brings the queue pair to RTS.
func (c *VerbsConnection) Connect(ctx context.Context) error {
	if c.State().Terminal() {
		return ErrConnectionClosed
	}

	c.SetState(StateConnecting)

	if err := c.registerBuffers(); err != nil {
		c.SetState(StateError)
		return err
	}

	host, port := c.hostPort()

	destQPN, err := c.backend.ResolveRoute(ctx, host, port)
	if err != nil {
		c.SetState(StateError)
		return &NetworkError{Op: "connect", Addr: c.RemoteAddr(), Err: fmt.Errorf("%w: %w", ErrConnectionFailed, err)}
	}

	if err := c.setupQP(destQPN); err != nil {
		c.SetState(StateError)
		return &NetworkError{Op: "connect", Addr: c.RemoteAddr(), Err: fmt.Errorf("%w: %w", ErrConnectionFailed, err)}
	}

	if !c.SetState(StateConnected) {
		return ErrConnectionClosed
	}

	log.Debug().
		Str("conn_id", c.ID()).
		Str("provider", c.provider.Name()).
		Str("remote", c.RemoteAddr()).
		Uint32("dest_qpn", destQPN).
		Msg("RDMA queue pair connected")

	return nil
}

// registerBuffers registers the receive ring and the send staging region once.
func (c *VerbsConnection) registerBuffers() error {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.recvRing != nil {
		return nil
	}

	size := max(c.provider.cfg.DefaultMaxReceiveSize, NegotiateMessageSize)

	ring := make([]*MemoryRegion, 0, verbsRecvRingDepth)
	for range verbsRecvRingDepth {
		mr, err := c.provider.RegisterMemory(make([]byte, size), ReceiveAccess)
		if err != nil {
			for _, r := range ring {
				_ = r.Close()
			}
			return err
		}
		ring = append(ring, mr)
	}

	send, err := c.provider.RegisterMemory(make([]byte, size), SendAccess)
	if err != nil {
		for _, r := range ring {
			_ = r.Close()
		}
		return err
	}

	c.recvRing = ring
	c.sendRegion = send

	return nil
}

// setupQP creates the completion queues and queue pair and walks the
// queue pair through INIT, RTR and RTS.
func (c *VerbsConnection) setupQP(destQPN uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.provider

	sendCQ, err := c.backend.CreateCQ(p.devCtx, verbsCQSize)
	if err != nil {
		return fmt.Errorf("failed to create send CQ: %w", err)
	}

	c.sendCQ = sendCQ

	recvCQ, err := c.backend.CreateCQ(p.devCtx, verbsCQSize)
	if err != nil {
		return fmt.Errorf("failed to create recv CQ: %w", err)
	}

	c.recvCQ = recvCQ

	qp, err := c.backend.CreateQP(p.pd, sendCQ, recvCQ, QPTypeRC, verbsMaxSendWR, verbsRecvRingDepth)
	if err != nil {
		return fmt.Errorf("failed to create QP: %w", err)
	}

	c.qp = qp

	// Transition QP to Init
	if err := c.backend.ModifyQPToInit(qp, 1); err != nil {
		return fmt.Errorf("failed to modify QP to Init: %w", err)
	}

	for slot := range c.recvRing {
		if err := c.postRecvLocked(slot); err != nil {
			return err
		}
	}

	// Transition QP to RTR
	if err := c.backend.ModifyQPToRTR(qp, destQPN); err != nil {
		return fmt.Errorf("failed to modify QP to RTR: %w", err)
	}

	// Transition QP to RTS
	if err := c.backend.ModifyQPToRTS(qp); err != nil {
		return fmt.Errorf("failed to modify QP to RTS: %w", err)
	}

	c.destQPN = destQPN

	return nil
}

func (c *VerbsConnection) postRecvLocked(slot int) error {
	region := c.recvRing[slot]

	return c.backend.PostRecv(c.qp, &VerbsRecvWR{
		WRID: recvWRIDBase + uint64(slot), //nolint:gosec // G115: slot bounded by ring depth
		SGList: []VerbsSGE{{
			Addr:   region.Address(),
			Length: uint32(region.Size()), //nolint:gosec // G115: bounded by max receive size
			LKey:   region.LocalKey(),
		}},
	})
}

// teardownQP destroys the queue pair and completion queues.
func (c *VerbsConnection) teardownQP() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error

	if c.qp != 0 {
		err = multierr.Append(err, c.backend.DestroyQP(c.qp))
		c.qp = 0
	}

	if c.sendCQ != 0 {
		err = multierr.Append(err, c.backend.DestroyCQ(c.sendCQ))
		c.sendCQ = 0
	}

	if c.recvCQ != 0 {
		err = multierr.Append(err, c.backend.DestroyCQ(c.recvCQ))
		c.recvCQ = 0
	}

	return err
}

// fail moves the connection to ERROR unless err is a caller mistake.
func (c *VerbsConnection) fail(op string, err error) error {
	if isStateError(err) || errors.Is(err, ErrBufferTooSmall) {
		return err
	}

	if c.SetState(StateError) {
		log.Debug().
			Err(err).
			Str("conn_id", c.ID()).
			Str("op", op).
			Msg("RDMA connection entered error state")
	}

	return &IOError{Op: op, Err: err}
}

// postAndWait posts a send work request and waits for its completion.
func (c *VerbsConnection) postAndWait(ctx context.Context, typ WorkRequestType, region *MemoryRegion, wr *VerbsSendWR) error {
	work := NewWorkRequest(wr.WRID, typ, region)
	c.EnqueueWorkRequest(work)

	c.mu.Lock()
	qp := c.qp
	c.mu.Unlock()

	if err := c.backend.PostSend(qp, wr); err != nil {
		c.RemoveWorkRequest(work)
		work.MarkFailed(err)
		return err
	}

	return c.awaitCompletion(ctx, work)
}

func (c *VerbsConnection) awaitCompletion(ctx context.Context, work *WorkRequest) error {
	deadline := time.Now().Add(c.opTimeout)

	ticker := time.NewTicker(verbsPollInterval)
	defer ticker.Stop()

	for {
		if err := c.drainSendCompletions(); err != nil {
			return err
		}

		select {
		case <-work.Done():
			return work.Err()
		default:
		}

		if time.Now().After(deadline) {
			c.RemoveWorkRequest(work)
			work.MarkFailed(ErrTimeout)
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			c.RemoveWorkRequest(work)
			work.MarkFailed(ctx.Err())
			return ctx.Err()
		case <-work.Done():
			return work.Err()
		case <-ticker.C:
		}
	}
}

// drainSendCompletions completes pending work requests from the send CQ.
// Completions may belong to requests issued by other goroutines.
func (c *VerbsConnection) drainSendCompletions() error {
	c.mu.Lock()
	cq := c.sendCQ
	c.mu.Unlock()

	wcs, err := c.backend.PollCQ(cq, 32)
	if err != nil {
		return err
	}

	for _, wc := range wcs {
		work := c.takeWorkRequest(wc.WRID)
		if work == nil {
			continue
		}

		if cause := wc.Status.Err(); cause != nil {
			work.MarkFailed(cause)
		} else {
			work.MarkCompleted()
		}
	}

	return nil
}

// sendRaw posts data from region without credit checks.
func (c *VerbsConnection) sendRaw(ctx context.Context, data []byte, region *MemoryRegion) error {
	buf, err := region.Buffer()
	if err != nil {
		return err
	}

	if len(data) > len(buf) {
		return fmt.Errorf("%w: %d bytes into %d byte region", ErrBufferTooSmall, len(data), len(buf))
	}

	copy(buf, data)

	return c.postAndWait(ctx, WorkRequestSend, region, &VerbsSendWR{
		WRID:   nextWorkRequestID(),
		Opcode: WROpSend,
		SGList: []VerbsSGE{{
			Addr:   region.Address(),
			Length: uint32(len(data)), //nolint:gosec // G115: bounded by region size
			LKey:   region.LocalKey(),
		}},
	})
}

// Send sends one message, consuming a send credit. A nil region uses the
// connection's own staging region.
func (c *VerbsConnection) Send(ctx context.Context, data []byte, region *MemoryRegion) error {
	if limit := c.MaxReceiveSize(); limit > 0 && len(data) > limit {
		return fmt.Errorf("%w: %d bytes exceeds peer receive size %d", ErrBufferTooSmall, len(data), limit)
	}

	if region == nil {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		region = c.sendRegion
	}

	if region == nil || !region.IsValid() {
		return ErrRegionInvalid
	}

	if len(data) > region.Size() {
		return fmt.Errorf("%w: %d bytes into %d byte region", ErrBufferTooSmall, len(data), region.Size())
	}

	if err := c.takeSendCredit(); err != nil {
		return err
	}

	if err := c.sendRaw(ctx, data, region); err != nil {
		return c.fail("send", err)
	}

	return nil
}

// Receive waits up to timeout for one message.
func (c *VerbsConnection) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := c.requireEstablished(); err != nil {
		return nil, err
	}

	msg, err := c.receiveMessage(ctx, timeout)
	if err != nil {
		return nil, c.fail("receive", err)
	}

	return msg, nil
}

func (c *VerbsConnection) receiveMessage(ctx context.Context, timeout time.Duration) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(verbsPollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		cq := c.recvCQ
		c.mu.Unlock()

		wcs, err := c.backend.PollCQ(cq, 1)
		if err != nil {
			return nil, err
		}

		if len(wcs) == 1 {
			return c.consumeRecv(wcs[0])
		}

		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// consumeRecv copies a received message out of its ring slot and reposts it.
func (c *VerbsConnection) consumeRecv(wc VerbsWorkCompletion) ([]byte, error) {
	slot := int(wc.WRID - recvWRIDBase) //nolint:gosec // G115: WRIDs are posted from ring slots
	if slot < 0 || slot >= len(c.recvRing) {
		return nil, fmt.Errorf("unexpected receive completion %d", wc.WRID)
	}

	var msg []byte

	if cause := wc.Status.Err(); cause == nil {
		buf, err := c.recvRing[slot].Buffer()
		if err != nil {
			return nil, err
		}
		msg = make([]byte, wc.ByteLen)
		copy(msg, buf[:wc.ByteLen])
	}

	c.mu.Lock()
	err := c.postRecvLocked(slot)
	c.mu.Unlock()

	if cause := wc.Status.Err(); cause != nil {
		return nil, cause
	}

	return msg, err
}

func (c *VerbsConnection) checkTransfer(local *MemoryRegion, length int) error {
	if err := c.requireEstablished(); err != nil {
		return err
	}

	buf, err := local.Buffer()
	if err != nil {
		return err
	}

	if length <= 0 || length > len(buf) {
		return fmt.Errorf("%w: length %d for %d byte region", ErrBufferTooSmall, length, len(buf))
	}

	if limit := c.MaxReadWriteSize(); limit > 0 && length > limit {
		return fmt.Errorf("%w: length %d exceeds negotiated max %d", ErrBufferTooSmall, length, limit)
	}

	return nil
}

func (c *VerbsConnection) rdma(ctx context.Context, op WROpcode, local *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error {
	if err := c.checkTransfer(local, length); err != nil {
		return err
	}

	typ, name := WorkRequestRead, "read"
	if op == WROpRDMAWrite {
		typ, name = WorkRequestWrite, "write"
	}

	err := c.postAndWait(ctx, typ, local, &VerbsSendWR{
		WRID:       nextWorkRequestID(),
		Opcode:     op,
		RemoteAddr: remoteAddr,
		RKey:       remoteKey,
		SGList: []VerbsSGE{{
			Addr:   local.Address(),
			Length: uint32(length), //nolint:gosec // G115: checked against region size
			LKey:   local.LocalKey(),
		}},
	})
	if err != nil {
		return c.fail(name, err)
	}

	return nil
}

// RDMARead reads length bytes of remote memory into local.
func (c *VerbsConnection) RDMARead(ctx context.Context, local *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error {
	return c.rdma(ctx, WROpRDMARead, local, remoteAddr, remoteKey, length)
}

// RDMAWrite writes length bytes of local into remote memory.
func (c *VerbsConnection) RDMAWrite(ctx context.Context, local *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error {
	return c.rdma(ctx, WROpRDMAWrite, local, remoteAddr, remoteKey, length)
}

// Read registers buf for the duration of one RDMA read.
func (c *VerbsConnection) Read(ctx context.Context, buf []byte, remoteAddr uint64, remoteKey uint32, length int) (int, error) {
	if length <= 0 || length > len(buf) {
		return 0, fmt.Errorf("%w: length %d for %d byte buffer", ErrBufferTooSmall, length, len(buf))
	}

	region, err := c.provider.RegisterMemory(buf[:length], AccessLocalWrite)
	if err != nil {
		return 0, err
	}
	defer region.Close()

	if err := c.RDMARead(ctx, region, remoteAddr, remoteKey, length); err != nil {
		return 0, err
	}

	return length, nil
}

// Write registers data for the duration of one RDMA write.
func (c *VerbsConnection) Write(ctx context.Context, data []byte, remoteAddr uint64, remoteKey uint32) (int, error) {
	region, err := c.provider.RegisterMemory(data, AccessLocalRead)
	if err != nil {
		return 0, err
	}
	defer region.Close()

	if err := c.RDMAWrite(ctx, region, remoteAddr, remoteKey, len(data)); err != nil {
		return 0, err
	}

	return len(data), nil
}

// Negotiate runs the SMB-Direct handshake and moves the connection to
// ESTABLISHED on success.
func (c *VerbsConnection) Negotiate(ctx context.Context, req *NegotiateRequest) (*NegotiateResponse, error) {
	if s := c.State(); s != StateConnected && s != StateEstablished {
		return nil, fmt.Errorf("%w: cannot negotiate in state %s", ErrNotEstablished, s)
	}

	c.sendMu.Lock()
	err := c.sendRaw(ctx, req.Encode(), c.sendRegion)
	c.sendMu.Unlock()

	if err != nil {
		return nil, c.fail("negotiate", err)
	}

	msg, err := c.receiveMessage(ctx, c.opTimeout)
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

// Reset rebuilds the queue pair and replays the last negotiation.
func (c *VerbsConnection) Reset(ctx context.Context) error {
	if c.State().Terminal() {
		return ErrConnectionClosed
	}

	log.Debug().
		Str("conn_id", c.ID()).
		Str("state", c.State().String()).
		Msg("Resetting RDMA connection")

	if err := c.teardownQP(); err != nil {
		log.Warn().Err(err).Str("conn_id", c.ID()).Msg("Error tearing down queue pair during reset")
	}

	c.failPending(fmt.Errorf("%w: %s", ErrConnectionClosed, WCWRFlushErr))

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

// Close releases the queue pair and registered buffers. Safe to call twice.
func (c *VerbsConnection) Close() error {
	if c.State() == StateClosed {
		return nil
	}

	c.SetState(StateClosing)
	c.failPending(ErrConnectionClosed)

	err := c.teardownQP()

	c.recvMu.Lock()
	for _, r := range c.recvRing {
		err = multierr.Append(err, r.Close())
	}
	c.recvRing = nil
	c.recvMu.Unlock()

	c.sendMu.Lock()
	if c.sendRegion != nil {
		err = multierr.Append(err, c.sendRegion.Close())
		c.sendRegion = nil
	}
	c.sendMu.Unlock()

	c.SetState(StateClosed)
	c.provider.forget(c.ID())

	log.Debug().Str("conn_id", c.ID()).Str("remote", c.RemoteAddr()).Msg("RDMA connection closed")

	return err
}
