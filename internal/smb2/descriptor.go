// Package smb2 holds the SMB2 channel structures that describe registered
// memory to an SMB-Direct peer.
package smb2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BufferDescriptorV1Size is the encoded size of SMB_DIRECT_BUFFER_DESCRIPTOR_V1.
const BufferDescriptorV1Size = 16

// ErrShortBuffer is returned when a descriptor does not fit the given bytes.
var ErrShortBuffer = errors.New("smb2: buffer too short for buffer descriptor")

// BufferDescriptorV1 tells the peer where it may RDMA read or write.
//
// Wire layout (little-endian):
//
//	Offset  Size  Field
//	0       8     Offset (remote address)
//	8       4     Token (remote key)
//	12      4     Length
type BufferDescriptorV1 struct {
	Offset uint64
	Token  uint32
	Length uint32
}

// Size returns the encoded size.
func (d *BufferDescriptorV1) Size() int {
	return BufferDescriptorV1Size
}

// Encode writes the descriptor into dst at dstIndex and returns the bytes written.
func (d *BufferDescriptorV1) Encode(dst []byte, dstIndex int) (int, error) {
	if dstIndex < 0 || len(dst)-dstIndex < BufferDescriptorV1Size {
		return 0, fmt.Errorf("%w: need %d bytes at index %d, have %d",
			ErrShortBuffer, BufferDescriptorV1Size, dstIndex, len(dst))
	}

	b := dst[dstIndex:]
	binary.LittleEndian.PutUint64(b[0:8], d.Offset)
	binary.LittleEndian.PutUint32(b[8:12], d.Token)
	binary.LittleEndian.PutUint32(b[12:16], d.Length)

	return BufferDescriptorV1Size, nil
}

// Decode reads a descriptor from buf at bufIndex and returns the bytes consumed.
func (d *BufferDescriptorV1) Decode(buf []byte, bufIndex int) (int, error) {
	if bufIndex < 0 || len(buf)-bufIndex < BufferDescriptorV1Size {
		return 0, fmt.Errorf("%w: need %d bytes at index %d, have %d",
			ErrShortBuffer, BufferDescriptorV1Size, bufIndex, len(buf))
	}

	b := buf[bufIndex:]
	d.Offset = binary.LittleEndian.Uint64(b[0:8])
	d.Token = binary.LittleEndian.Uint32(b[8:12])
	d.Length = binary.LittleEndian.Uint32(b[12:16])

	return BufferDescriptorV1Size, nil
}
