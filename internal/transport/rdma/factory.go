package rdma

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/smbdirect/internal/config"
	"github.com/piwi3910/smbdirect/internal/hardware"
)

var verbsFabrics = []Fabric{FabricInfiniBand, FabricRoCE, FabricIWARP}

// SelectBestProvider probes every provider concurrently and returns the
// available one of highest priority: InfiniBand, RoCE, iWARP, then TCP.
// Ties keep argument order.
func SelectBestProvider(ctx context.Context, providers ...Provider) (Provider, error) {
	available := make([]bool, len(providers))

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		if p == nil {
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			available[i] = p.IsAvailable()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("probe RDMA providers: %w", err)
	}

	var best Provider
	for i, p := range providers {
		if !available[i] {
			continue
		}
		if best == nil || p.Fabric().priority() < best.Fabric().priority() {
			best = p
		}
	}

	if best == nil {
		return nil, ErrNoProviderAvailable
	}

	log.Debug().
		Str("provider", best.Name()).
		Int("candidates", len(providers)).
		Msg("Selected RDMA provider")

	return best, nil
}

// CandidateProviders builds the providers cfg allows. The simulated fabric
// stands in for verbs hardware; without it, detected devices are reported
// but only the TCP fallback can be offered because no native verbs backend
// is linked into this build.
func CandidateProviders(cfg config.RDMAConfig, detector *hardware.Detector) ([]Provider, error) {
	want := Fabric(cfg.Provider)
	if cfg.Provider == "" {
		want = config.ProviderAuto
	}

	var out []Provider

	if cfg.Simulated {
		backend := NewSimulatedFabric(cfg)
		for _, f := range verbsFabrics {
			if want == config.ProviderAuto || want == f {
				out = append(out, newVerbsProvider(f, backend, cfg))
			}
		}
	} else if want != FabricTCP {
		if detector == nil {
			detector = hardware.NewDetector(cfg.SysfsRoot)
		}
		detector.Refresh()

		for _, dev := range detector.Devices() {
			log.Info().
				Str("device", dev.Name).
				Str("fabric", dev.Fabric()).
				Str("state", dev.State).
				Msg("RDMA device detected but no verbs backend is linked")
		}
	}

	if want == FabricTCP || cfg.FallbackToTCP {
		out = append(out, NewTCPProvider(cfg))
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: provider %q", ErrRDMANotAvailable, want)
	}

	return out, nil
}

// NewProviderFromConfig returns the best provider cfg allows.
func NewProviderFromConfig(ctx context.Context, cfg config.RDMAConfig, detector *hardware.Detector) (Provider, error) {
	candidates, err := CandidateProviders(cfg, detector)
	if err != nil {
		return nil, err
	}

	return SelectBestProvider(ctx, candidates...)
}
