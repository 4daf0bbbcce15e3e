package rdma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/smbdirect/internal/config"
	"github.com/piwi3910/smbdirect/internal/metrics"
)

// ErrBufferManagerClosed is returned by getters after Cleanup.
var ErrBufferManagerClosed = errors.New("buffer manager closed")

// Pool label values for metrics and logs.
const (
	poolSend    = "send"
	poolReceive = "receive"
)

// BufferOptions sizes the send and receive pools.
type BufferOptions struct {
	InitialSendRegions    int
	InitialReceiveRegions int
	SendRegionSize        int
	ReceiveRegionSize     int
}

// BufferOptionsFromConfig converts the buffer section of the configuration.
func BufferOptionsFromConfig(cfg config.BufferConfig) BufferOptions {
	return BufferOptions{
		InitialSendRegions:    cfg.InitialSendRegions,
		InitialReceiveRegions: cfg.InitialReceiveRegions,
		SendRegionSize:        cfg.SendRegionSize,
		ReceiveRegionSize:     cfg.ReceiveRegionSize,
	}
}

// DefaultBufferOptions returns the default pool sizing.
func DefaultBufferOptions() BufferOptions {
	return BufferOptionsFromConfig(config.DefaultBufferConfig())
}

// BufferManager pools registered memory regions of two standard sizes.
// Each free-list holds at most twice its initial count; regions that do not
// fit the pool are invalidated on release.
type BufferManager struct {
	provider Provider
	opts     BufferOptions
	stats    *Statistics

	// mu orders releases against Cleanup so nothing lands in a drained list.
	mu       sync.RWMutex
	closed   bool
	sendFree chan *MemoryRegion
	recvFree chan *MemoryRegion

	allocated atomic.Int64
	released  atomic.Int64
}

// NewBufferManager creates a manager and pre-fills both pools. Registration
// failures during pre-fill are logged and skipped.
func NewBufferManager(provider Provider, opts BufferOptions, stats *Statistics) *BufferManager {
	if stats == nil {
		stats = NewStatistics()
	}

	m := &BufferManager{
		provider: provider,
		opts:     opts,
		stats:    stats,
		sendFree: make(chan *MemoryRegion, 2*max(opts.InitialSendRegions, 0)),
		recvFree: make(chan *MemoryRegion, 2*max(opts.InitialReceiveRegions, 0)),
	}

	m.prefill(m.sendFree, poolSend, opts.InitialSendRegions, opts.SendRegionSize, SendAccess)
	m.prefill(m.recvFree, poolReceive, opts.InitialReceiveRegions, opts.ReceiveRegionSize, ReceiveAccess)

	log.Debug().
		Str("provider", provider.Name()).
		Int("send_regions", len(m.sendFree)).
		Int("receive_regions", len(m.recvFree)).
		Msg("RDMA buffer pools initialized")

	return m
}

func (m *BufferManager) prefill(free chan *MemoryRegion, pool string, count, size int, access AccessFlags) {
	for i := range count {
		region, err := m.allocate(size, access)
		if err != nil {
			log.Warn().Err(err).
				Str("pool", pool).
				Int("index", i).
				Int("size", size).
				Msg("Skipping pool region after registration failure")

			continue
		}

		free <- region
	}

	metrics.SetRDMAPoolRegions(pool, len(free))
}

// allocate registers a fresh region of size bytes.
func (m *BufferManager) allocate(size int, access AccessFlags) (*MemoryRegion, error) {
	region, err := m.provider.RegisterMemory(make([]byte, size), access)
	if err != nil {
		return nil, fmt.Errorf("allocate %d byte region: %w", size, err)
	}

	m.allocated.Add(1)
	m.stats.RecordMemoryRegionAllocated()

	return region, nil
}

// retire invalidates and deregisters region and counts it as released.
func (m *BufferManager) retire(region *MemoryRegion) {
	if err := region.Close(); err != nil {
		log.Debug().Err(err).Uint32("lkey", region.LocalKey()).Msg("Failed to deregister memory region")
	}

	m.released.Add(1)
	m.stats.RecordMemoryRegionReleased()
}

// pop takes a valid region from free without blocking.
func (m *BufferManager) pop(free chan *MemoryRegion, pool string) *MemoryRegion {
	for {
		select {
		case region := <-free:
			metrics.SetRDMAPoolRegions(pool, len(free))
			if !region.IsValid() {
				m.retire(region)
				continue
			}
			region.zero()

			return region
		default:
			return nil
		}
	}
}

// push returns region to free if it is valid, of the standard size and
// there is room. It reports whether the region was pooled.
func (m *BufferManager) push(free chan *MemoryRegion, pool string, region *MemoryRegion, size int) bool {
	if !region.IsValid() || region.Size() != size {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false
	}

	select {
	case free <- region:
		metrics.SetRDMAPoolRegions(pool, len(free))
		return true
	default:
		return false
	}
}

func (m *BufferManager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.closed
}

// GetSendRegion returns a send region of at least minSize bytes. Requests
// up to the standard send size come from the pool when it is not empty;
// larger requests get a fresh region that never joins the pool.
func (m *BufferManager) GetSendRegion(minSize int) (*MemoryRegion, error) {
	if m.isClosed() {
		return nil, ErrBufferManagerClosed
	}

	if minSize <= m.opts.SendRegionSize {
		if region := m.pop(m.sendFree, poolSend); region != nil {
			return region, nil
		}
	}

	return m.allocate(max(minSize, m.opts.SendRegionSize), SendAccess)
}

// ReleaseSendRegion returns region to the send pool or invalidates it.
func (m *BufferManager) ReleaseSendRegion(region *MemoryRegion) {
	if region == nil {
		return
	}

	if !m.push(m.sendFree, poolSend, region, m.opts.SendRegionSize) {
		m.retire(region)
	}
}

// GetReceiveRegion returns a receive region of the standard receive size.
func (m *BufferManager) GetReceiveRegion() (*MemoryRegion, error) {
	if m.isClosed() {
		return nil, ErrBufferManagerClosed
	}

	if region := m.pop(m.recvFree, poolReceive); region != nil {
		return region, nil
	}

	return m.allocate(m.opts.ReceiveRegionSize, ReceiveAccess)
}

// ReleaseReceiveRegion returns region to the receive pool or invalidates it.
func (m *BufferManager) ReleaseReceiveRegion(region *MemoryRegion) {
	if region == nil {
		return
	}

	if !m.push(m.recvFree, poolReceive, region, m.opts.ReceiveRegionSize) {
		m.retire(region)
	}
}

// Cleanup drains both pools, invalidating every pooled region once.
// Later calls do nothing.
func (m *BufferManager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	drained := m.drain(m.sendFree, poolSend) + m.drain(m.recvFree, poolReceive)

	log.Debug().
		Int("regions", drained).
		Int64("allocated", m.TotalAllocated()).
		Int64("released", m.TotalReleased()).
		Msg("RDMA buffer pools released")
}

func (m *BufferManager) drain(free chan *MemoryRegion, pool string) int {
	n := 0
	for {
		select {
		case region := <-free:
			m.retire(region)
			n++
		default:
			metrics.SetRDMAPoolRegions(pool, 0)
			return n
		}
	}
}

// Close is Cleanup for io.Closer users.
func (m *BufferManager) Close() error {
	m.Cleanup()
	return nil
}

// TotalAllocated counts every region this manager registered.
func (m *BufferManager) TotalAllocated() int64 { return m.allocated.Load() }

// TotalReleased counts every region this manager invalidated.
func (m *BufferManager) TotalReleased() int64 { return m.released.Load() }

// ActiveRegions is allocated minus released.
func (m *BufferManager) ActiveRegions() int64 {
	return m.allocated.Load() - m.released.Load()
}

// AvailableSendRegions is the send free-list length.
func (m *BufferManager) AvailableSendRegions() int { return len(m.sendFree) }

// AvailableReceiveRegions is the receive free-list length.
func (m *BufferManager) AvailableReceiveRegions() int { return len(m.recvFree) }

// SendRegionSize is the standard send region size.
func (m *BufferManager) SendRegionSize() int { return m.opts.SendRegionSize }

// ReceiveRegionSize is the standard receive region size.
func (m *BufferManager) ReceiveRegionSize() int { return m.opts.ReceiveRegionSize }
