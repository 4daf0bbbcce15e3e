package rdma

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/smbdirect/internal/config"
)

// flakyProvider fails the first failures registrations.
type flakyProvider struct {
	*TCPProvider

	mu       sync.Mutex
	failures int
}

var errRegistrationRefused = errors.New("registration refused")

func (p *flakyProvider) RegisterMemory(buf []byte, access AccessFlags) (*MemoryRegion, error) {
	p.mu.Lock()
	fail := p.failures > 0
	if fail {
		p.failures--
	}
	p.mu.Unlock()

	if fail {
		return nil, errRegistrationRefused
	}

	return p.TCPProvider.RegisterMemory(buf, access)
}

func smallBufferOptions() BufferOptions {
	return BufferOptions{
		InitialSendRegions:    4,
		InitialReceiveRegions: 2,
		SendRegionSize:        4096,
		ReceiveRegionSize:     2048,
	}
}

func newTestBufferManager(t *testing.T, opts BufferOptions) *BufferManager {
	t.Helper()

	m := NewBufferManager(NewTCPProvider(config.DefaultRDMAConfig()), opts, nil)
	t.Cleanup(m.Cleanup)

	return m
}

func TestBufferManagerPrefill(t *testing.T) {
	m := newTestBufferManager(t, smallBufferOptions())

	assert.Equal(t, 4, m.AvailableSendRegions())
	assert.Equal(t, 2, m.AvailableReceiveRegions())
	assert.Equal(t, int64(6), m.TotalAllocated())
	assert.Equal(t, int64(0), m.TotalReleased())
	assert.Equal(t, int64(6), m.ActiveRegions())
	assert.Equal(t, 4096, m.SendRegionSize())
	assert.Equal(t, 2048, m.ReceiveRegionSize())
}

func TestBufferManagerDefaultOptions(t *testing.T) {
	opts := DefaultBufferOptions()

	assert.Equal(t, 32, opts.InitialSendRegions)
	assert.Equal(t, 32, opts.InitialReceiveRegions)
	assert.Equal(t, 64*1024, opts.SendRegionSize)
	assert.Equal(t, 64*1024, opts.ReceiveRegionSize)
}

func TestBufferManagerReuse(t *testing.T) {
	m := newTestBufferManager(t, smallBufferOptions())
	before := m.AvailableSendRegions()

	region, err := m.GetSendRegion(1000)
	require.NoError(t, err)
	assert.Equal(t, 4096, region.Size())
	assert.True(t, region.HasAccess(SendAccess))
	assert.Equal(t, before-1, m.AvailableSendRegions())

	m.ReleaseSendRegion(region)

	assert.Equal(t, before, m.AvailableSendRegions())
	assert.True(t, region.IsValid())
	assert.Equal(t, int64(6), m.TotalAllocated())
}

func TestBufferManagerReusedRegionIsZeroed(t *testing.T) {
	opts := smallBufferOptions()
	opts.InitialSendRegions = 1
	m := newTestBufferManager(t, opts)

	region, err := m.GetSendRegion(10)
	require.NoError(t, err)

	buf, err := region.Buffer()
	require.NoError(t, err)
	copy(buf, "stale payload")

	m.ReleaseSendRegion(region)

	again, err := m.GetSendRegion(10)
	require.NoError(t, err)
	require.Same(t, region, again)

	buf, err = again.Buffer()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len("stale payload")), buf[:len("stale payload")])
}

func TestBufferManagerOversizedBypassesPool(t *testing.T) {
	m := newTestBufferManager(t, smallBufferOptions())
	before := m.AvailableSendRegions()

	region, err := m.GetSendRegion(100000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, region.Size(), 100000)
	assert.Equal(t, before, m.AvailableSendRegions())

	m.ReleaseSendRegion(region)

	assert.Equal(t, before, m.AvailableSendRegions())
	assert.False(t, region.IsValid())
	assert.Equal(t, int64(1), m.TotalReleased())
}

func TestBufferManagerEmptyPoolAllocates(t *testing.T) {
	opts := smallBufferOptions()
	opts.InitialReceiveRegions = 1
	m := newTestBufferManager(t, opts)

	a, err := m.GetReceiveRegion()
	require.NoError(t, err)
	b, err := m.GetReceiveRegion()
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2048, b.Size())
	assert.True(t, b.HasAccess(ReceiveAccess))
	assert.Equal(t, 0, m.AvailableReceiveRegions())
	assert.Equal(t, int64(4+2), m.TotalAllocated())
}

func TestBufferManagerCapacityBound(t *testing.T) {
	opts := smallBufferOptions()
	m := newTestBufferManager(t, opts)

	var held []*MemoryRegion
	for range 3 * opts.InitialReceiveRegions {
		r, err := m.GetReceiveRegion()
		require.NoError(t, err)
		held = append(held, r)
	}

	for _, r := range held {
		m.ReleaseReceiveRegion(r)
		assert.LessOrEqual(t, m.AvailableReceiveRegions(), 2*opts.InitialReceiveRegions)
	}

	assert.Equal(t, 2*opts.InitialReceiveRegions, m.AvailableReceiveRegions())
	assert.Equal(t, int64(3*opts.InitialReceiveRegions-2*opts.InitialReceiveRegions), m.TotalReleased())
}

func TestBufferManagerInvalidRegionNotPooled(t *testing.T) {
	m := newTestBufferManager(t, smallBufferOptions())
	before := m.AvailableSendRegions()

	region, err := m.GetSendRegion(1)
	require.NoError(t, err)
	region.Invalidate()

	m.ReleaseSendRegion(region)

	assert.Equal(t, before-1, m.AvailableSendRegions())
	assert.Equal(t, int64(1), m.TotalReleased())
}

func TestBufferManagerReleaseNil(t *testing.T) {
	m := newTestBufferManager(t, smallBufferOptions())

	m.ReleaseSendRegion(nil)
	m.ReleaseReceiveRegion(nil)

	assert.Equal(t, int64(0), m.TotalReleased())
}

func TestBufferManagerCleanup(t *testing.T) {
	stats := NewStatistics()
	m := NewBufferManager(NewTCPProvider(config.DefaultRDMAConfig()), smallBufferOptions(), stats)

	held, err := m.GetSendRegion(1)
	require.NoError(t, err)
	m.ReleaseSendRegion(held)

	m.Cleanup()
	m.Cleanup()

	assert.Equal(t, 0, m.AvailableSendRegions())
	assert.Equal(t, 0, m.AvailableReceiveRegions())
	assert.Equal(t, m.TotalAllocated(), m.TotalReleased())
	assert.Equal(t, int64(0), m.ActiveRegions())
	assert.Equal(t, int64(0), stats.RegionsActive())
	assert.False(t, held.IsValid())

	_, err = m.GetSendRegion(1)
	assert.ErrorIs(t, err, ErrBufferManagerClosed)
	_, err = m.GetReceiveRegion()
	assert.ErrorIs(t, err, ErrBufferManagerClosed)
}

func TestBufferManagerReleaseAfterCleanup(t *testing.T) {
	m := NewBufferManager(NewTCPProvider(config.DefaultRDMAConfig()), smallBufferOptions(), nil)

	region, err := m.GetSendRegion(1)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	m.ReleaseSendRegion(region)

	assert.False(t, region.IsValid())
	assert.Equal(t, 0, m.AvailableSendRegions())
	assert.Equal(t, m.TotalAllocated(), m.TotalReleased())
}

func TestBufferManagerPrefillFailureTolerated(t *testing.T) {
	provider := &flakyProvider{
		TCPProvider: NewTCPProvider(config.DefaultRDMAConfig()),
		failures:    2,
	}

	m := NewBufferManager(provider, smallBufferOptions(), nil)
	t.Cleanup(m.Cleanup)

	assert.Equal(t, 2, m.AvailableSendRegions())
	assert.Equal(t, 2, m.AvailableReceiveRegions())
	assert.Equal(t, int64(4), m.TotalAllocated())
}

func TestBufferManagerAllocationFailure(t *testing.T) {
	opts := smallBufferOptions()
	opts.InitialSendRegions = 0
	provider := &flakyProvider{TCPProvider: NewTCPProvider(config.DefaultRDMAConfig())}

	m := NewBufferManager(provider, opts, nil)
	t.Cleanup(m.Cleanup)

	provider.mu.Lock()
	provider.failures = 1
	provider.mu.Unlock()

	_, err := m.GetSendRegion(1)
	assert.ErrorIs(t, err, errRegistrationRefused)
}

func TestBufferManagerConcurrentUse(t *testing.T) {
	opts := smallBufferOptions()
	m := newTestBufferManager(t, opts)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s, err := m.GetSendRegion(512)
				if !assert.NoError(t, err) {
					return
				}
				r, err := m.GetReceiveRegion()
				if !assert.NoError(t, err) {
					return
				}
				m.ReleaseSendRegion(s)
				m.ReleaseReceiveRegion(r)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, m.AvailableSendRegions(), 2*opts.InitialSendRegions)
	assert.LessOrEqual(t, m.AvailableReceiveRegions(), 2*opts.InitialReceiveRegions)
	assert.Equal(t, int64(m.AvailableSendRegions()+m.AvailableReceiveRegions()), m.ActiveRegions())
}
