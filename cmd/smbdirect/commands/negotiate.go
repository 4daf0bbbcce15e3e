package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/smbdirect/internal/transport/rdma"
)

// NewNegotiateCmd creates the negotiate command
func NewNegotiateCmd(flags *GlobalFlags) *cobra.Command {
	var withResponse bool

	cmd := &cobra.Command{
		Use:   "negotiate",
		Short: "Print the SMB-Direct negotiate messages for the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load()
			if err != nil {
				return err
			}

			req := rdma.NewNegotiateRequest(cfg.RDMA)

			fmt.Printf("Negotiate request (%d bytes)\n", rdma.NegotiateMessageSize)
			fmt.Printf("  versions:            0x%04x-0x%04x\n", req.MinVersion, req.MaxVersion)
			fmt.Printf("  credits requested:   %d\n", req.CreditsRequested)
			fmt.Printf("  preferred send size: %d\n", req.PreferredSendSize)
			fmt.Printf("  max receive size:    %d\n", req.MaxReceiveSize)
			fmt.Printf("  max fragmented size: %d\n", req.MaxFragmentedSize)
			fmt.Print(hex.Dump(req.Encode()))

			if !withResponse {
				return nil
			}

			resp := rdma.RespondToNegotiate(req, rdma.NegotiateLimitsFromConfig(cfg.RDMA))

			fmt.Printf("\nNegotiate response (%d bytes)\n", rdma.NegotiateMessageSize)
			fmt.Printf("  status:              0x%08x\n", resp.Status)
			fmt.Printf("  credits granted:     %d\n", resp.CreditsGranted)
			fmt.Printf("  max read/write size: %d\n", resp.MaxReadWriteSize)
			fmt.Print(hex.Dump(resp.Encode()))

			return nil
		},
	}

	cmd.Flags().BoolVar(&withResponse, "response", false, "Also print the response a local responder would send")

	return cmd
}
