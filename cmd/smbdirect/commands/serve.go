package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/smbdirect/internal/transport/rdma"
)

// Timeouts for the metrics HTTP server.
const (
	httpReadTimeout     = 10 * time.Second
	httpWriteTimeout    = 10 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

// newAdminRouter serves Prometheus metrics and the responder's counters.
func newAdminRouter(srv *rdma.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(srv.Statistics().Snapshot()); err != nil {
			log.Warn().Err(err).Msg("Failed to encode responder statistics")
		}
	})

	return r
}

// shutdownResponder stops srv and, when set, the metrics server.
func shutdownResponder(srv *rdma.Server, httpServer *http.Server) error {
	var shutdownErr error
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()

		shutdownErr = httpServer.Shutdown(ctx)
	}

	return multierr.Combine(srv.Stop(), shutdownErr)
}

// NewServeCmd creates the serve command
func NewServeCmd(flags *GlobalFlags) *cobra.Command {
	var (
		listen      string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an SMB-Direct responder over TCP",
		Long: `Run a responder that answers SMB-Direct negotiation over the TCP
fallback framing and echoes every later message. Point "smbdirect probe
--provider tcp" at it to exercise the fallback path end to end.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := rdma.NewServer(cfg.RDMA)
			if err := srv.Start(ctx, listen); err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)

			var httpServer *http.Server
			if metricsAddr != "" {
				httpServer = &http.Server{
					Addr:         metricsAddr,
					Handler:      newAdminRouter(srv),
					ReadTimeout:  httpReadTimeout,
					WriteTimeout: httpWriteTimeout,
				}

				g.Go(func() error {
					log.Info().Str("addr", metricsAddr).Msg("Prometheus metrics available at /metrics")
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server error: %w", err)
					}
					return nil
				})
			}

			g.Go(func() error {
				<-ctx.Done()
				log.Info().Msg("Shutting down responder...")

				return shutdownResponder(srv, httpServer)
			})

			if err := g.Wait(); err != nil {
				return err
			}

			log.Info().
				Str("stats", srv.Statistics().Snapshot().String()).
				Msg("Responder stopped")

			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default: all interfaces on the configured port)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}
