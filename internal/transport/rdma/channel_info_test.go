package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/smbdirect/internal/smb2"
)

func TestChannelInfoFromRegion(t *testing.T) {
	region := NewMemoryRegion(make([]byte, 4096), 0x11, 0x80000011, 0x7f0000001000, ReceiveAccess, nil)

	ci, err := ChannelInfoFromRegion(region, 1024)
	require.NoError(t, err)

	assert.Equal(t, uint32(0x80000011), ci.RemoteKey())
	assert.Equal(t, uint64(0x7f0000001000), ci.Address())
	assert.Equal(t, uint32(1024), ci.Length())
	assert.Equal(t, smb2.BufferDescriptorV1Size, ci.Size())
	assert.Equal(t, smb2.BufferDescriptorV1{Offset: 0x7f0000001000, Token: 0x80000011, Length: 1024}, ci.Descriptor())
}

func TestChannelInfoFromRegionRejects(t *testing.T) {
	region := NewMemoryRegion(make([]byte, 64), 1, 1, 0x1000, ReceiveAccess, nil)

	_, err := ChannelInfoFromRegion(region, 65)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, err = ChannelInfoFromRegion(region, -1)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	region.Invalidate()
	_, err = ChannelInfoFromRegion(region, 16)
	assert.ErrorIs(t, err, ErrRegionInvalid)
}

func TestChannelInfoEncodeDecode(t *testing.T) {
	ci := NewChannelInfo(0xdeadbeef, 0x0102030405060708, 65536)

	buf := make([]byte, 4+ci.Size())
	n, err := ci.Encode(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, smb2.BufferDescriptorV1Size, n)

	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, buf[4:12])
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, buf[12:16])

	got, err := DecodeChannelInfo(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, ci.Descriptor(), got.Descriptor())

	_, err = ci.Encode(make([]byte, 8), 0)
	assert.ErrorIs(t, err, smb2.ErrShortBuffer)

	_, err = DecodeChannelInfo(buf, 8)
	assert.ErrorIs(t, err, smb2.ErrShortBuffer)
}
