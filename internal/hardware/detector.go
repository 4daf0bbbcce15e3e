// Package hardware provides RDMA device detection from sysfs.
// This lets the transport decide which fabric providers can be offered
// before any verbs backend is opened.
package hardware

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Fabric families reported for detected devices. The values match the
// provider names accepted by the configuration.
const (
	FabricInfiniBand = "infiniband"
	FabricRoCE       = "roce"
	FabricIWARP      = "iwarp"
	FabricUnknown    = "unknown"
)

// RDMADevice contains information about a detected RDMA device.
type RDMADevice struct {
	Name          string `json:"name"`
	DevicePath    string `json:"device_path"`
	NodeGUID      string `json:"node_guid"`
	FirmwareVer   string `json:"firmware_version"`
	NodeType      string `json:"node_type"` // CA, Switch, Router, RNIC
	PhysPortCount int    `json:"phys_port_count"`
	LinkLayer     string `json:"link_layer"` // InfiniBand, Ethernet
	Speed         uint64 `json:"speed"`      // Gb/s
	State         string `json:"state"`      // ACTIVE, DOWN
}

// Fabric maps the device onto an RDMA fabric family.
func (d RDMADevice) Fabric() string {
	if d.NodeType == "RNIC" {
		return FabricIWARP
	}

	switch strings.ToLower(d.LinkLayer) {
	case "infiniband":
		return FabricInfiniBand
	case "ethernet":
		return FabricRoCE
	default:
		return FabricUnknown
	}
}

// Active reports whether the first port is up.
func (d RDMADevice) Active() bool {
	return strings.Contains(strings.ToUpper(d.State), "ACTIVE")
}

// Detector scans sysfs for RDMA devices and caches the result.
type Detector struct {
	mu          sync.RWMutex
	root        string
	devices     []RDMADevice
	lastUpdated time.Time
}

// NewDetector creates a detector reading below root (normally "/sys").
func NewDetector(root string) *Detector {
	if root == "" {
		root = "/sys"
	}

	return &Detector{root: root}
}

// Refresh rescans sysfs.
func (d *Detector) Refresh() {
	devices := DetectRDMADevices(d.root)

	d.mu.Lock()
	d.devices = devices
	d.lastUpdated = time.Now()
	d.mu.Unlock()

	log.Debug().
		Str("root", d.root).
		Int("rdma_devices", len(devices)).
		Msg("RDMA device detection completed")
}

// Devices returns the devices found by the last Refresh.
func (d *Detector) Devices() []RDMADevice {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]RDMADevice, len(d.devices))
	copy(out, d.devices)

	return out
}

// HasFabric reports whether an active device of the given family was found.
func (d *Detector) HasFabric(fabric string) bool {
	for _, dev := range d.Devices() {
		if dev.Fabric() == fabric && dev.Active() {
			return true
		}
	}

	return false
}

// DetectRDMADevices detects RDMA-capable network devices below root.
func DetectRDMADevices(root string) []RDMADevice {
	var devices []RDMADevice

	rdmaPath := filepath.Join(root, "class", "infiniband")
	entries, err := os.ReadDir(rdmaPath)
	if err != nil {
		log.Debug().Str("path", rdmaPath).Msg("No RDMA devices found in sysfs")
		return devices
	}

	for _, entry := range entries {
		devicePath := filepath.Join(rdmaPath, entry.Name())
		device := RDMADevice{
			Name:       entry.Name(),
			DevicePath: devicePath,
		}

		device.NodeGUID = readSysfsFile(filepath.Join(devicePath, "node_guid"))
		device.FirmwareVer = readSysfsFile(filepath.Join(devicePath, "fw_ver"))
		device.NodeType = parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type")))

		// Get link info from the first port
		portsPath := filepath.Join(devicePath, "ports")
		if portEntries, err := os.ReadDir(portsPath); err == nil {
			device.PhysPortCount = len(portEntries)

			if len(portEntries) > 0 {
				port1Path := filepath.Join(portsPath, portEntries[0].Name())
				device.LinkLayer = readSysfsFile(filepath.Join(port1Path, "link_layer"))
				device.State = readSysfsFile(filepath.Join(port1Path, "state"))
				device.Speed = parseSpeed(readSysfsFile(filepath.Join(port1Path, "rate")))
			}
		}

		devices = append(devices, device)
	}

	return devices
}

func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// parseNodeType converts the sysfs node type ("1: CA") to a name.
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")

	switch strings.TrimSpace(num) {
	case "1":
		return "CA" // Channel Adapter
	case "2":
		return "Switch"
	case "3":
		return "Router"
	case "4":
		return "RNIC"
	default:
		return "Unknown"
	}
}

// parseSpeed parses "100 Gb/sec (4X EDR)" to Gb/s.
func parseSpeed(rate string) uint64 {
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)
		return speed
	}
	return 0
}
