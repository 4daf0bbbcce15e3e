package rdma

import (
	"github.com/piwi3910/smbdirect/internal/smb2"
)

// ChannelInfo tells the peer where to RDMA-read or write. The wire
// encoding is the SMB2 buffer descriptor.
type ChannelInfo struct {
	desc smb2.BufferDescriptorV1
}

// NewChannelInfo describes length bytes at address reachable with token.
func NewChannelInfo(token uint32, address uint64, length uint32) *ChannelInfo {
	return &ChannelInfo{desc: smb2.BufferDescriptorV1{
		Offset: address,
		Token:  token,
		Length: length,
	}}
}

// ChannelInfoFromRegion describes the first length bytes of region.
func ChannelInfoFromRegion(region *MemoryRegion, length int) (*ChannelInfo, error) {
	if !region.IsValid() {
		return nil, ErrRegionInvalid
	}
	if length < 0 || length > region.Size() {
		return nil, ErrBufferTooSmall
	}

	return NewChannelInfo(region.RemoteKey(), region.Address(), uint32(length)), nil //nolint:gosec // G115: bounded by region size
}

// RemoteKey is the token the peer presents.
func (c *ChannelInfo) RemoteKey() uint32 { return c.desc.Token }

// Address is the remote base address.
func (c *ChannelInfo) Address() uint64 { return c.desc.Offset }

// Length is the number of bytes described.
func (c *ChannelInfo) Length() uint32 { return c.desc.Length }

// Size is the encoded size in bytes.
func (c *ChannelInfo) Size() int { return c.desc.Size() }

// Descriptor returns the underlying SMB2 descriptor.
func (c *ChannelInfo) Descriptor() smb2.BufferDescriptorV1 { return c.desc }

// Encode writes the descriptor into dst at dstIndex and returns the number
// of bytes written.
func (c *ChannelInfo) Encode(dst []byte, dstIndex int) (int, error) {
	return c.desc.Encode(dst, dstIndex)
}

// DecodeChannelInfo reads a descriptor from buf at bufIndex.
func DecodeChannelInfo(buf []byte, bufIndex int) (*ChannelInfo, error) {
	var c ChannelInfo
	if _, err := c.desc.Decode(buf, bufIndex); err != nil {
		return nil, err
	}

	return &c, nil
}
