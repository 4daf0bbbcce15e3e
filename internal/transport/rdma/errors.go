package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Transport and registration errors.
var (
	ErrRDMANotAvailable      = errors.New("RDMA hardware not available")
	ErrConnectionFailed      = errors.New("RDMA connection failed")
	ErrMemoryRegistration    = errors.New("memory registration failed")
	ErrTimeout               = errors.New("RDMA operation timeout")
	ErrBufferTooSmall        = errors.New("buffer too small for operation")
	ErrOperationNotSupported = errors.New("operation not supported by provider")
	ErrNegotiationFailed     = errors.New("SMB-Direct negotiation failed")
	ErrMaxRetriesExceeded    = errors.New("maximum retries exceeded")
	ErrNoProviderAvailable   = errors.New("no RDMA provider available")
	ErrRemoteAccess          = errors.New("remote access error")
	ErrProviderShutdown      = errors.New("provider has been shut down")
)

// State errors. These are rejected synchronously and never retried.
var (
	ErrRegionInvalid    = errors.New("memory region is no longer valid")
	ErrNotEstablished   = errors.New("connection not established")
	ErrNoSendCredits    = errors.New("no send credits available")
	ErrConnectionClosed = errors.New("connection closed")
)

// ErrShortMessage is wrapped by DecodeError.
var ErrShortMessage = errors.New("message too short")

// IOError is a generic I/O failure of an RDMA operation.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	if e.Err == nil {
		return "rdma " + e.Op + ": i/o error"
	}
	return "rdma " + e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// NetworkError is a failure reaching or talking to the remote endpoint.
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	msg := "rdma " + e.Op
	if e.Addr != "" {
		msg += " " + e.Addr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DecodeError reports a wire message that could not be decoded.
type DecodeError struct {
	Message   string
	Available int
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v (%d bytes available, need %d)",
		e.Message, e.Err, e.Available, NegotiateMessageSize)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// isTimeout reports whether err is a timeout of any kind.
func isTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isNetworkError reports whether err came from the network layer.
func isNetworkError(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// isIOError reports whether err belongs to the I/O class.
func isIOError(err error) bool {
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return true
	}

	return isNetworkError(err) || isTimeout(err)
}

// isStateError reports whether err is a synchronous state rejection.
func isStateError(err error) bool {
	return errors.Is(err, ErrRegionInvalid) ||
		errors.Is(err, ErrNotEstablished) ||
		errors.Is(err, ErrNoSendCredits) ||
		errors.Is(err, ErrConnectionClosed)
}
