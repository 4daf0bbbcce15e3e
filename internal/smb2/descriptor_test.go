package smb2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferDescriptorV1Layout(t *testing.T) {
	d := BufferDescriptorV1{
		Offset: 0x1122334455667788,
		Token:  0xAABBCCDD,
		Length: 4096,
	}

	dst := make([]byte, 20)
	n, err := d.Encode(dst, 4)
	require.NoError(t, err)
	assert.Equal(t, BufferDescriptorV1Size, n)
	assert.Equal(t, 16, d.Size())

	assert.Equal(t, []byte{0, 0, 0, 0}, dst[:4], "bytes before dstIndex untouched")
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, dst[4:12])
	assert.Equal(t, []byte{0xDD, 0xCC, 0xBB, 0xAA}, dst[12:16])
	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x00}, dst[16:20])

	var got BufferDescriptorV1
	n, err = got.Decode(dst, 4)
	require.NoError(t, err)
	assert.Equal(t, BufferDescriptorV1Size, n)
	assert.Equal(t, d, got)
}

func TestBufferDescriptorV1Short(t *testing.T) {
	d := BufferDescriptorV1{Length: 1}

	_, err := d.Encode(make([]byte, 15), 0)
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = d.Encode(make([]byte, 16), 1)
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = d.Decode(make([]byte, 8), 0)
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = d.Decode(make([]byte, 32), -1)
	assert.ErrorIs(t, err, ErrShortBuffer)
}
