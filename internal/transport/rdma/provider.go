package rdma

import (
	"context"
	"strings"

	"github.com/piwi3910/smbdirect/internal/config"
)

// Fabric identifies a provider family.
type Fabric string

// Provider families, in descending selection priority.
const (
	FabricInfiniBand Fabric = config.ProviderInfiniBand
	FabricRoCE       Fabric = config.ProviderRoCE
	FabricIWARP      Fabric = config.ProviderIWARP
	FabricTCP        Fabric = config.ProviderTCP
)

// priority orders fabrics for SelectBestProvider; lower wins.
func (f Fabric) priority() int {
	switch f {
	case FabricInfiniBand:
		return 0
	case FabricRoCE:
		return 1
	case FabricIWARP:
		return 2
	case FabricTCP:
		return 3
	default:
		return 4
	}
}

// IsRDMA reports whether the fabric moves data by remote memory access.
func (f Fabric) IsRDMA() bool {
	return f == FabricInfiniBand || f == FabricRoCE || f == FabricIWARP
}

// Capabilities is the feature set a provider supports.
type Capabilities uint32

const (
	CapSend Capabilities = 1 << iota
	CapRDMARead
	CapRDMAWrite
	CapSendWithInvalidate
	CapRemoteInvalidate
	CapFastRegistration
)

// RDMACapabilities is the feature set of a verbs fabric.
const RDMACapabilities = CapSend | CapRDMARead | CapRDMAWrite |
	CapSendWithInvalidate | CapRemoteInvalidate | CapFastRegistration

// Has reports whether every bit of c2 is present.
func (c Capabilities) Has(c2 Capabilities) bool { return c&c2 == c2 }

func (c Capabilities) String() string {
	if c == 0 {
		return "none"
	}

	names := []struct {
		cap  Capabilities
		name string
	}{
		{CapSend, "send"},
		{CapRDMARead, "rdma-read"},
		{CapRDMAWrite, "rdma-write"},
		{CapSendWithInvalidate, "send-with-invalidate"},
		{CapRemoteInvalidate, "remote-invalidate"},
		{CapFastRegistration, "fast-registration"},
	}

	var parts []string
	for _, n := range names {
		if c.Has(n.cap) {
			parts = append(parts, n.name)
		}
	}

	return strings.Join(parts, ",")
}

// Provider is the plug-in point for a fabric backend or the TCP fallback.
type Provider interface {
	// IsAvailable reports whether this fabric can be used.
	IsAvailable() bool

	// SupportedCapabilities returns the feature set.
	SupportedCapabilities() Capabilities

	// CreateConnection returns an unconnected connection.
	CreateConnection(remote, local string) (Connection, error)

	// Connect creates and connects a connection to host:port.
	Connect(ctx context.Context, host string, port int) (Connection, error)

	// RegisterMemory registers buf and returns its region.
	RegisterMemory(buf []byte, access AccessFlags) (*MemoryRegion, error)

	Name() string
	Fabric() Fabric
	MaxMessageSize() int
	Shutdown() error
}
