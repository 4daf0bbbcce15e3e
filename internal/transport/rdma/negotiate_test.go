package rdma

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/smbdirect/internal/config"
)

func TestNegotiateRequestLayout(t *testing.T) {
	req := &NegotiateRequest{
		MinVersion:        SMBDirectVersion1,
		MaxVersion:        SMBDirectVersion1,
		CreditsRequested:  255,
		PreferredSendSize: 1364,
		MaxReceiveSize:    8192,
		MaxFragmentedSize: 1 << 20,
	}

	b := req.Encode()
	require.Len(t, b, NegotiateMessageSize)

	assert.Equal(t, uint16(0x0100), binary.LittleEndian.Uint16(b[0:]))
	assert.Equal(t, uint16(0x0100), binary.LittleEndian.Uint16(b[2:]))
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(b[4:]))
	assert.Equal(t, uint16(255), binary.LittleEndian.Uint16(b[6:]))
	assert.Equal(t, uint32(1364), binary.LittleEndian.Uint32(b[8:]))
	assert.Equal(t, uint32(8192), binary.LittleEndian.Uint32(b[12:]))
	assert.Equal(t, uint32(1<<20), binary.LittleEndian.Uint32(b[16:]))
	assert.Equal(t, make([]byte, 12), b[20:32])
}

func TestNegotiateRequestEncodeToClearsReserved(t *testing.T) {
	dst := make([]byte, 40)
	for i := range dst {
		dst[i] = 0xff
	}

	n, err := (&NegotiateRequest{MinVersion: SMBDirectVersion1}).EncodeTo(dst)
	require.NoError(t, err)
	assert.Equal(t, NegotiateMessageSize, n)
	assert.Equal(t, make([]byte, 12), dst[20:32])
	assert.Equal(t, byte(0xff), dst[32])
}

func TestNegotiateEncodeToShortBuffer(t *testing.T) {
	_, err := (&NegotiateRequest{}).EncodeTo(make([]byte, 31))
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, err = (&NegotiateResponse{}).EncodeTo(make([]byte, 0))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestNegotiateRequestRoundTripAtOffset(t *testing.T) {
	req := NewNegotiateRequest(config.DefaultRDMAConfig())

	frame := append([]byte{0xde, 0xad, 0xbe}, req.Encode()...)

	got, err := DecodeNegotiateRequest(frame, 3)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestNegotiateResponseRoundTrip(t *testing.T) {
	resp := &NegotiateResponse{
		MinVersion:        0x0100,
		MaxVersion:        0x0100,
		NegotiatedVersion: 0x0100,
		CreditsGranted:    16,
		CreditsRequested:  255,
		Status:            0,
		MaxReadWriteSize:  1048576,
		PreferredSendSize: 1364,
		MaxReceiveSize:    8192,
		MaxFragmentedSize: 131072,
	}

	got, err := DecodeNegotiateResponse(resp.Encode(), 0)
	require.NoError(t, err)

	assert.True(t, got.IsSuccess())
	assert.Equal(t, resp, got)
	assert.Equal(t, NegotiateMessageSize, got.Size())
}

func TestNegotiateResponseStatusOffset(t *testing.T) {
	b := (&NegotiateResponse{Status: StatusInsufficientResources, MaxReadWriteSize: 7}).Encode()

	assert.Equal(t, StatusInsufficientResources, binary.LittleEndian.Uint32(b[12:]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(b[16:]))
}

func TestDecodeNegotiateShortMessage(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		offset int
		avail  int
	}{
		{name: "empty", data: nil, offset: 0, avail: 0},
		{name: "31 bytes", data: make([]byte, 31), offset: 0, avail: 31},
		{name: "offset eats the tail", data: make([]byte, 40), offset: 10, avail: 30},
		{name: "offset past end", data: make([]byte, 8), offset: 9, avail: 0},
		{name: "negative offset", data: make([]byte, 64), offset: -1, avail: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeNegotiateResponse(tt.data, tt.offset)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrShortMessage)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
			assert.Equal(t, tt.avail, decErr.Available)
			assert.Equal(t, "negotiate response", decErr.Message)

			_, err = DecodeNegotiateRequest(tt.data, tt.offset)
			assert.ErrorIs(t, err, ErrShortMessage)
		})
	}
}

func TestNewNegotiateRequestFromConfig(t *testing.T) {
	cfg := config.DefaultRDMAConfig()
	req := NewNegotiateRequest(cfg)

	assert.Equal(t, SMBDirectVersion1, req.MinVersion)
	assert.Equal(t, SMBDirectVersion1, req.MaxVersion)
	assert.Equal(t, uint16(cfg.DefaultSendCreditTarget), req.CreditsRequested)   //nolint:gosec // G115: config default
	assert.Equal(t, uint32(cfg.DefaultMaxReceiveSize), req.MaxReceiveSize)       //nolint:gosec // G115: config default
	assert.Equal(t, uint32(cfg.DefaultMaxFragmentedSize), req.MaxFragmentedSize) //nolint:gosec // G115: config default
}

func TestRespondToNegotiate(t *testing.T) {
	limits := NegotiateLimitsFromConfig(config.DefaultRDMAConfig())
	base := NegotiateRequest{
		MinVersion:        SMBDirectVersion1,
		MaxVersion:        SMBDirectVersion1,
		CreditsRequested:  10,
		PreferredSendSize: 1364,
		MaxReceiveSize:    4096,
		MaxFragmentedSize: 64 << 10,
	}

	t.Run("accepted", func(t *testing.T) {
		req := base
		resp := RespondToNegotiate(&req, limits)

		require.True(t, resp.IsSuccess())
		assert.Equal(t, SMBDirectVersion1, resp.NegotiatedVersion)
		assert.Equal(t, uint16(10), resp.CreditsGranted)
		assert.Equal(t, limits.MaxReadWriteSize, resp.MaxReadWriteSize)
		assert.Equal(t, min(limits.PreferredSendSize, 4096), resp.PreferredSendSize)
		assert.Equal(t, min(limits.MaxFragmentedSize, 64<<10), resp.MaxFragmentedSize)
	})

	t.Run("credits capped", func(t *testing.T) {
		req := base
		req.CreditsRequested = 0xffff

		resp := RespondToNegotiate(&req, limits)

		require.True(t, resp.IsSuccess())
		assert.Equal(t, limits.ReceiveCreditMax, resp.CreditsGranted)
	})

	t.Run("version mismatch", func(t *testing.T) {
		req := base
		req.MinVersion, req.MaxVersion = 0x0200, 0x0300

		resp := RespondToNegotiate(&req, limits)

		assert.False(t, resp.IsSuccess())
		assert.Equal(t, StatusNotSupported, resp.Status)
		assert.Zero(t, resp.CreditsGranted)
	})

	t.Run("no credits", func(t *testing.T) {
		req := base
		req.CreditsRequested = 0

		resp := RespondToNegotiate(&req, limits)

		assert.Equal(t, StatusInsufficientResources, resp.Status)
	})
}
