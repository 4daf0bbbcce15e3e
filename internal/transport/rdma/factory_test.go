package rdma

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/smbdirect/internal/config"
	"github.com/piwi3910/smbdirect/internal/hardware"
)

type stubProvider struct {
	*TCPProvider

	name      string
	fabric    Fabric
	available bool
}

func newStubProvider(name string, fabric Fabric, available bool) *stubProvider {
	return &stubProvider{
		TCPProvider: NewTCPProvider(config.DefaultRDMAConfig()),
		name:        name,
		fabric:      fabric,
		available:   available,
	}
}

func (p *stubProvider) Name() string      { return p.name }
func (p *stubProvider) Fabric() Fabric    { return p.fabric }
func (p *stubProvider) IsAvailable() bool { return p.available }

func TestSelectBestProvider(t *testing.T) {
	ctx := context.Background()

	tcp := newStubProvider("tcp", FabricTCP, true)
	iwarp := newStubProvider("iwarp", FabricIWARP, true)
	roce := newStubProvider("roce", FabricRoCE, true)
	ib := newStubProvider("ib", FabricInfiniBand, true)
	ibDown := newStubProvider("ib-down", FabricInfiniBand, false)

	tests := []struct {
		name      string
		providers []Provider
		want      string
	}{
		{name: "infiniband wins", providers: []Provider{tcp, iwarp, roce, ib}, want: "ib"},
		{name: "roce over iwarp", providers: []Provider{tcp, iwarp, roce}, want: "roce"},
		{name: "unavailable skipped", providers: []Provider{ibDown, iwarp, tcp}, want: "iwarp"},
		{name: "tcp last resort", providers: []Provider{ibDown, tcp}, want: "tcp"},
		{name: "nil skipped", providers: []Provider{nil, roce, nil}, want: "roce"},
		{
			name:      "tie keeps order",
			providers: []Provider{newStubProvider("first", FabricRoCE, true), newStubProvider("second", FabricRoCE, true)},
			want:      "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectBestProvider(ctx, tt.providers...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name())
		})
	}
}

func TestSelectBestProviderNoneAvailable(t *testing.T) {
	ctx := context.Background()

	_, err := SelectBestProvider(ctx)
	assert.ErrorIs(t, err, ErrNoProviderAvailable)

	_, err = SelectBestProvider(ctx, newStubProvider("ib", FabricInfiniBand, false), nil)
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestSelectBestProviderCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := SelectBestProvider(ctx, newStubProvider("tcp", FabricTCP, true))
	assert.ErrorIs(t, err, context.Canceled)
}

func fabricsOf(providers []Provider) []Fabric {
	out := make([]Fabric, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.Fabric())
	}

	return out
}

func TestCandidateProvidersSimulated(t *testing.T) {
	cfg := config.DefaultRDMAConfig()
	cfg.Simulated = true

	tests := []struct {
		name     string
		provider string
		fallback bool
		want     []Fabric
	}{
		{name: "auto", provider: config.ProviderAuto, fallback: true, want: []Fabric{FabricInfiniBand, FabricRoCE, FabricIWARP, FabricTCP}},
		{name: "empty means auto", provider: "", fallback: false, want: []Fabric{FabricInfiniBand, FabricRoCE, FabricIWARP}},
		{name: "roce only", provider: config.ProviderRoCE, fallback: false, want: []Fabric{FabricRoCE}},
		{name: "iwarp with fallback", provider: config.ProviderIWARP, fallback: true, want: []Fabric{FabricIWARP, FabricTCP}},
		{name: "tcp", provider: config.ProviderTCP, fallback: false, want: []Fabric{FabricTCP}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.Provider = tt.provider
			cfg.FallbackToTCP = tt.fallback

			got, err := CandidateProviders(cfg, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, fabricsOf(got))

			for _, p := range got {
				_ = p.Shutdown()
			}
		})
	}
}

func TestCandidateProvidersWithoutHardware(t *testing.T) {
	cfg := config.DefaultRDMAConfig()
	cfg.Simulated = false
	cfg.SysfsRoot = t.TempDir()

	cfg.FallbackToTCP = true
	got, err := CandidateProviders(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []Fabric{FabricTCP}, fabricsOf(got))

	cfg.FallbackToTCP = false
	_, err = CandidateProviders(cfg, hardware.NewDetector(cfg.SysfsRoot))
	assert.ErrorIs(t, err, ErrRDMANotAvailable)
}

func TestNewProviderFromConfig(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultRDMAConfig()
	cfg.Simulated = true
	cfg.FallbackToTCP = true

	p, err := NewProviderFromConfig(ctx, cfg, nil)
	require.NoError(t, err)
	defer p.Shutdown()

	assert.Equal(t, FabricInfiniBand, p.Fabric())
	assert.True(t, p.SupportedCapabilities().Has(CapRDMARead|CapRDMAWrite))

	cfg.Simulated = false
	cfg.Provider = config.ProviderTCP

	p, err = NewProviderFromConfig(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, FabricTCP, p.Fabric())
}
