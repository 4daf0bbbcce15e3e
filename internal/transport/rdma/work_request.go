package rdma

import (
	"sync"
	"sync/atomic"
)

// Credits is the negotiation bookkeeping of credits requested from and
// granted by the peer. It never touches a connection's live counters.
type Credits struct {
	Initial int
	Granted int
}

// WorkRequestType tags the operation a work request tracks.
type WorkRequestType int

const (
	WorkRequestSend WorkRequestType = iota
	WorkRequestReceive
	WorkRequestRead
	WorkRequestWrite
)

func (t WorkRequestType) String() string {
	switch t {
	case WorkRequestSend:
		return "SEND"
	case WorkRequestReceive:
		return "RECEIVE"
	case WorkRequestRead:
		return "READ"
	case WorkRequestWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

var workRequestIDs atomic.Uint64

// nextWorkRequestID returns a process-unique work request id.
func nextWorkRequestID() uint64 {
	return workRequestIDs.Add(1)
}

// WorkRequest tracks one in-flight operation until completion or failure.
type WorkRequest struct {
	ID     uint64
	Type   WorkRequestType
	Region *MemoryRegion

	once      sync.Once
	done      chan struct{}
	completed atomic.Bool
	err       error
}

// NewWorkRequest creates a pending work request.
func NewWorkRequest(id uint64, typ WorkRequestType, region *MemoryRegion) *WorkRequest {
	return &WorkRequest{
		ID:     id,
		Type:   typ,
		Region: region,
		done:   make(chan struct{}),
	}
}

// MarkCompleted records success. Only the first terminal transition wins.
func (wr *WorkRequest) MarkCompleted() bool {
	return wr.finish(nil)
}

// MarkFailed records failure with cause. Only the first terminal transition wins.
func (wr *WorkRequest) MarkFailed(cause error) bool {
	if cause == nil {
		cause = ErrRemoteAccess
	}
	return wr.finish(cause)
}

func (wr *WorkRequest) finish(cause error) bool {
	won := false
	wr.once.Do(func() {
		wr.err = cause
		wr.completed.Store(true)
		close(wr.done)
		won = true
	})
	return won
}

// IsCompleted reports whether the request reached a terminal state.
func (wr *WorkRequest) IsCompleted() bool { return wr.completed.Load() }

// HasFailed reports whether the request finished with a cause.
func (wr *WorkRequest) HasFailed() bool { return wr.Err() != nil }

// Err returns the failure cause, if any.
func (wr *WorkRequest) Err() error {
	if !wr.completed.Load() {
		return nil
	}
	return wr.err
}

// Done is closed once the request completes or fails.
func (wr *WorkRequest) Done() <-chan struct{} { return wr.done }
