package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/smbdirect/internal/hardware"
	"github.com/piwi3910/smbdirect/internal/transport/rdma"
)

// simulatedDevices lists the simulated fabric's devices in sysfs form.
func simulatedDevices() ([]hardware.RDMADevice, error) {
	backend := rdma.NewSimulatedVerbsBackend()
	if err := backend.Init(); err != nil {
		return nil, err
	}
	defer backend.Close()

	infos, err := backend.GetDeviceList()
	if err != nil {
		return nil, err
	}

	devices := make([]hardware.RDMADevice, 0, len(infos))
	for _, info := range infos {
		nodeType := "CA"
		if info.NodeType == 4 {
			nodeType = "RNIC"
		}

		devices = append(devices, hardware.RDMADevice{
			Name:          info.Name,
			NodeGUID:      fmt.Sprintf("%016x", info.GUID),
			FirmwareVer:   info.FWVer,
			NodeType:      nodeType,
			PhysPortCount: info.PhysPortCnt,
			LinkLayer:     info.LinkLayer,
			State:         "4: ACTIVE",
		})
	}

	return devices, nil
}

// NewDevicesCmd creates the devices command
func NewDevicesCmd(flags *GlobalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices",
		Long: `List the RDMA devices found below the configured sysfs root, or the
devices of the simulated fabric with --simulated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load()
			if err != nil {
				return err
			}

			var devices []hardware.RDMADevice
			if cfg.RDMA.Simulated {
				devices, err = simulatedDevices()
				if err != nil {
					return fmt.Errorf("failed to list simulated devices: %w", err)
				}
			} else {
				detector := hardware.NewDetector(cfg.RDMA.SysfsRoot)
				detector.Refresh()
				devices = detector.Devices()
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			}

			if len(devices) == 0 {
				fmt.Println("No RDMA devices found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFABRIC\tTYPE\tLINK\tSTATE\tSPEED\tFIRMWARE")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d Gb/s\t%s\n",
					d.Name, d.Fabric(), d.NodeType, d.LinkLayer, d.State, d.Speed, d.FirmwareVer)
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print devices as JSON")

	return cmd
}
