package rdma

import (
	"strings"
	"sync"
	"sync/atomic"
)

// AccessFlags is the permission set of a registered memory region.
type AccessFlags uint8

// Memory region access flags.
const (
	AccessLocalRead AccessFlags = 1 << iota
	AccessLocalWrite
	AccessRemoteRead
	AccessRemoteWrite
)

// Access sets used by the buffer manager.
const (
	SendAccess    = AccessLocalRead | AccessRemoteRead
	ReceiveAccess = AccessLocalWrite | AccessRemoteWrite
)

func (a AccessFlags) String() string {
	if a == 0 {
		return "none"
	}

	var parts []string
	for _, f := range []struct {
		flag AccessFlags
		name string
	}{
		{AccessLocalRead, "local-read"},
		{AccessLocalWrite, "local-write"},
		{AccessRemoteRead, "remote-read"},
		{AccessRemoteWrite, "remote-write"},
	} {
		if a&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}

	return strings.Join(parts, "|")
}

// MemoryRegion represents registered memory for RDMA operations.
// A region has one holder at a time: a pool slot or one in-flight operation.
type MemoryRegion struct {
	buffer     []byte
	address    uint64
	localKey   uint32
	remoteKey  uint32
	access     AccessFlags
	valid      atomic.Bool
	deregister func() error
	closeOnce  sync.Once
	closeErr   error
}

// NewMemoryRegion wraps a buffer a provider has registered. deregister
// releases the fabric registration and may be nil.
func NewMemoryRegion(buf []byte, localKey, remoteKey uint32, address uint64, access AccessFlags, deregister func() error) *MemoryRegion {
	mr := &MemoryRegion{
		buffer:     buf,
		address:    address,
		localKey:   localKey,
		remoteKey:  remoteKey,
		access:     access,
		deregister: deregister,
	}
	mr.valid.Store(true)

	return mr
}

// Buffer returns the registered bytes, or ErrRegionInvalid once invalidated.
func (mr *MemoryRegion) Buffer() ([]byte, error) {
	if !mr.valid.Load() {
		return nil, ErrRegionInvalid
	}

	return mr.buffer, nil
}

// Size is the length of the registered buffer.
func (mr *MemoryRegion) Size() int { return len(mr.buffer) }

// LocalKey is the key used for local access.
func (mr *MemoryRegion) LocalKey() uint32 { return mr.localKey }

// RemoteKey is the token a peer uses to address this region.
func (mr *MemoryRegion) RemoteKey() uint32 { return mr.remoteKey }

// Address is the base address a peer uses to address this region.
func (mr *MemoryRegion) Address() uint64 { return mr.address }

// Access returns the permission set.
func (mr *MemoryRegion) Access() AccessFlags { return mr.access }

// HasAccess reports whether every bit of flag is granted.
func (mr *MemoryRegion) HasAccess(flag AccessFlags) bool {
	return mr.access&flag == flag
}

// IsValid reports whether the region may still be used.
func (mr *MemoryRegion) IsValid() bool { return mr.valid.Load() }

// Invalidate marks the region unusable and releases its registration.
// Safe to call repeatedly and from several owners.
func (mr *MemoryRegion) Invalidate() {
	_ = mr.Close()
}

// Close invalidates the region. The deregistration runs once; later calls
// return its result.
func (mr *MemoryRegion) Close() error {
	mr.valid.Store(false)

	mr.closeOnce.Do(func() {
		if mr.deregister != nil {
			mr.closeErr = mr.deregister()
		}
	})

	return mr.closeErr
}

// zero clears the buffer before a region is handed out again.
func (mr *MemoryRegion) zero() {
	clear(mr.buffer)
}
