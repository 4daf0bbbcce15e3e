package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/smbdirect/internal/transport/rdma"
)

// probeHost stands in for the SMB2 session a probe does not open.
type probeHost struct {
	host string
}

func (p probeHost) RemoteHost() string                    { return p.host }
func (p probeHost) EnsureConnected(context.Context) error { return nil }
func (p probeHost) Disconnect(bool) (bool, error)         { return true, nil }
func (p probeHost) Close() error                          { return nil }
func (p probeHost) IsDisconnected() bool                  { return false }
func (p probeHost) HasCapability(uint32) bool             { return false }
func (p probeHost) ServerName() string                    { return p.host }

// NewProbeCmd creates the probe command
func NewProbeCmd(flags *GlobalFlags) *cobra.Command {
	var (
		port    int
		message string
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe <host>",
		Short: "Connect and negotiate SMB-Direct with a server",
		Long: `Connect to the SMB-Direct port of a server, run the negotiation and
optionally exchange messages. The responder started by "smbdirect serve"
and the simulated fabric both echo messages back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load()
			if err != nil {
				return err
			}

			cfg.RDMA.Enabled = true
			if port != 0 {
				cfg.RDMA.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.RDMA.ConnectTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.RDMA.ConnectTimeout)
				defer cancel()
			}

			provider, err := rdma.NewProviderFromConfig(ctx, cfg.RDMA, nil)
			if err != nil {
				return fmt.Errorf("no usable provider: %w", err)
			}
			defer provider.Shutdown()

			tr := rdma.NewTransport(probeHost{host: args[0]}, provider, *cfg)
			defer tr.Close()

			if err := tr.ConnectRDMA(ctx); err != nil {
				return fmt.Errorf("probe %s: %w", args[0], err)
			}

			conn := tr.RDMAConnection()
			fmt.Printf("Provider:             %s (%s)\n", provider.Name(), provider.Fabric())
			fmt.Printf("Capabilities:         %s\n", provider.SupportedCapabilities())
			fmt.Printf("Remote:               %s\n", conn.RemoteAddr())
			fmt.Printf("State:                %s\n", conn.State())
			fmt.Printf("Send credits:         %d\n", conn.SendCredits())
			fmt.Printf("Max read/write size:  %d\n", conn.MaxReadWriteSize())
			fmt.Printf("Max receive size:     %d\n", conn.MaxReceiveSize())
			fmt.Printf("Max fragmented size:  %d\n", conn.MaxFragmentedSize())

			for i := range count {
				payload := []byte(fmt.Sprintf("%s #%d", message, i+1))

				if err := tr.Send(ctx, payload); err != nil {
					return fmt.Errorf("send: %w", err)
				}

				reply, err := tr.Receive(ctx, timeout)
				if err != nil {
					return fmt.Errorf("receive: %w", err)
				}
				if reply == nil {
					fmt.Printf("Message %d: no reply within %s\n", i+1, timeout)
					continue
				}

				fmt.Printf("Message %d: %q\n", i+1, reply)
			}

			fmt.Println(tr.Statistics().Snapshot().String())

			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "SMB-Direct port (default from configuration)")
	cmd.Flags().StringVar(&message, "message", "ping", "Message to send")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of messages to exchange")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Time to wait for each reply")

	return cmd
}
