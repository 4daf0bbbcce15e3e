package rdma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of an RDMA connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateEstablished
	StateError
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateError:
		return "ERROR"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// Terminal reports whether no transition out of s is allowed.
func (s ConnectionState) Terminal() bool {
	return s == StateClosing || s == StateClosed
}

// Connection is an RDMA connection to one remote endpoint. Fabric backends
// implement the data path; the state, credit and queue bookkeeping comes
// from an embedded *BaseConnection.
type Connection interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, data []byte, region *MemoryRegion) error
	// Receive returns nil, nil when nothing arrives within timeout.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	RDMARead(ctx context.Context, local *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error
	RDMAWrite(ctx context.Context, local *MemoryRegion, remoteAddr uint64, remoteKey uint32, length int) error
	Negotiate(ctx context.Context, req *NegotiateRequest) (*NegotiateResponse, error)
	Reset(ctx context.Context) error
	Read(ctx context.Context, buf []byte, remoteAddr uint64, remoteKey uint32, length int) (int, error)
	Write(ctx context.Context, data []byte, remoteAddr uint64, remoteKey uint32) (int, error)
	Close() error

	ID() string
	RemoteAddr() string
	LocalAddr() string
	State() ConnectionState
	IsConnected() bool
	CanSend() bool
	ConsumeSendCredit()
	GrantSendCredit()
	GrantReceiveCredit()
	SendCredits() int
	ReceiveCredits() int
	EnqueueWorkRequest(wr *WorkRequest)
	DequeueWorkRequest() *WorkRequest
	RemoveWorkRequest(wr *WorkRequest) bool
	PendingWorkRequests() int
	MaxFragmentedSize() int
	MaxReadWriteSize() int
	MaxReceiveSize() int
}

// BaseConnection holds the fabric-independent part of a connection.
type BaseConnection struct {
	id         string
	remoteAddr string
	localAddr  string

	state          atomic.Int32
	sendCredits    atomic.Int32
	receiveCredits atomic.Int32

	maxFragmentedSize atomic.Int64
	maxReadWriteSize  atomic.Int64
	maxReceiveSize    atomic.Int64

	mu      sync.Mutex
	pending []*WorkRequest
}

// NewBaseConnection creates connection bookkeeping in DISCONNECTED with
// receive credits set to receiveCreditMax and no send credits.
func NewBaseConnection(remoteAddr, localAddr string, receiveCreditMax int) *BaseConnection {
	c := &BaseConnection{
		id:         uuid.New().String(),
		remoteAddr: remoteAddr,
		localAddr:  localAddr,
	}
	c.state.Store(int32(StateDisconnected))
	c.receiveCredits.Store(int32(receiveCreditMax)) //nolint:gosec // G115: bounded by config validation

	return c
}

// ID returns the connection identifier.
func (c *BaseConnection) ID() string { return c.id }

// RemoteAddr returns the remote endpoint address.
func (c *BaseConnection) RemoteAddr() string { return c.remoteAddr }

// LocalAddr returns the local endpoint address.
func (c *BaseConnection) LocalAddr() string { return c.localAddr }

// State returns the current state.
func (c *BaseConnection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// SetState moves the connection to next. It refuses to leave CLOSING or
// CLOSED, except CLOSING to CLOSED, and reports whether the move happened.
func (c *BaseConnection) SetState(next ConnectionState) bool {
	for {
		cur := ConnectionState(c.state.Load())
		if cur == StateClosed {
			return next == StateClosed
		}
		if cur == StateClosing && next != StateClosed && next != StateClosing {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// IsConnected is true for CONNECTED or ESTABLISHED.
func (c *BaseConnection) IsConnected() bool {
	s := c.State()
	return s == StateConnected || s == StateEstablished
}

// CanSend is true iff a send credit is held and the connection is ESTABLISHED.
func (c *BaseConnection) CanSend() bool {
	return c.sendCredits.Load() > 0 && c.State() == StateEstablished
}

// ConsumeSendCredit decrements the send credits without clamping.
// Callers check CanSend first.
func (c *BaseConnection) ConsumeSendCredit() { c.sendCredits.Add(-1) }

// GrantSendCredit increments the send credits.
func (c *BaseConnection) GrantSendCredit() { c.sendCredits.Add(1) }

// GrantReceiveCredit increments the receive credits.
func (c *BaseConnection) GrantReceiveCredit() { c.receiveCredits.Add(1) }

// SendCredits returns the current send credits.
func (c *BaseConnection) SendCredits() int { return int(c.sendCredits.Load()) }

// ReceiveCredits returns the current receive credits.
func (c *BaseConnection) ReceiveCredits() int { return int(c.receiveCredits.Load()) }

// takeSendCredit checks the send preconditions and consumes one credit.
func (c *BaseConnection) takeSendCredit() error {
	if c.State() != StateEstablished {
		return fmt.Errorf("%w: state %s", ErrNotEstablished, c.State())
	}

	for {
		n := c.sendCredits.Load()
		if n <= 0 {
			return ErrNoSendCredits
		}
		if c.sendCredits.CompareAndSwap(n, n-1) {
			return nil
		}
	}
}

// requireEstablished rejects data operations outside ESTABLISHED.
func (c *BaseConnection) requireEstablished() error {
	if s := c.State(); s != StateEstablished {
		if s.Terminal() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("%w: state %s", ErrNotEstablished, s)
	}
	return nil
}

// EnqueueWorkRequest appends wr to the pending queue.
func (c *BaseConnection) EnqueueWorkRequest(wr *WorkRequest) {
	c.mu.Lock()
	c.pending = append(c.pending, wr)
	c.mu.Unlock()
}

// DequeueWorkRequest pops the oldest pending request, or nil.
func (c *BaseConnection) DequeueWorkRequest() *WorkRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	wr := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]

	return wr
}

// RemoveWorkRequest removes wr wherever it sits. Completions can arrive
// in any order.
func (c *BaseConnection) RemoveWorkRequest(wr *WorkRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p == wr {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}

	return false
}

// takeWorkRequest removes and returns the pending request with id, or nil.
func (c *BaseConnection) takeWorkRequest(id uint64) *WorkRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p.ID == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return p
		}
	}

	return nil
}

// PendingWorkRequests returns the pending queue length.
func (c *BaseConnection) PendingWorkRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// failPending fails every queued request with cause.
func (c *BaseConnection) failPending(cause error) {
	for wr := c.DequeueWorkRequest(); wr != nil; wr = c.DequeueWorkRequest() {
		wr.MarkFailed(cause)
	}
}

// MaxFragmentedSize returns the negotiated fragmented message limit.
func (c *BaseConnection) MaxFragmentedSize() int { return int(c.maxFragmentedSize.Load()) }

// MaxReadWriteSize returns the negotiated RDMA read/write limit.
func (c *BaseConnection) MaxReadWriteSize() int { return int(c.maxReadWriteSize.Load()) }

// MaxReceiveSize returns the peer's negotiated receive limit.
func (c *BaseConnection) MaxReceiveSize() int { return int(c.maxReceiveSize.Load()) }

// ApplyNegotiated stores the negotiated limits, takes the granted credits as
// send credits and moves the connection to ESTABLISHED.
func (c *BaseConnection) ApplyNegotiated(resp *NegotiateResponse) error {
	if !resp.IsSuccess() {
		c.SetState(StateError)
		return fmt.Errorf("%w: status 0x%08x", ErrNegotiationFailed, resp.Status)
	}

	c.maxFragmentedSize.Store(int64(resp.MaxFragmentedSize))
	c.maxReadWriteSize.Store(int64(resp.MaxReadWriteSize))
	c.maxReceiveSize.Store(int64(resp.MaxReceiveSize))
	c.sendCredits.Store(int32(resp.CreditsGranted))

	if !c.SetState(StateEstablished) {
		return ErrConnectionClosed
	}

	return nil
}
