package rdma

import (
	"encoding/binary"
	"fmt"

	"github.com/piwi3910/smbdirect/internal/config"
)

// SMB-Direct protocol constants.
const (
	SMBDirectVersion1    uint16 = 0x0100
	NegotiateMessageSize        = 32
)

// Negotiate response status codes.
const (
	StatusSuccess               uint32 = 0x00000000
	StatusNotSupported          uint32 = 0x00000001
	StatusInsufficientResources uint32 = 0x00000002
)

// NegotiateRequest is the SMB-Direct negotiate request.
//
// Wire layout (32 bytes, little-endian):
//
//	Offset  Size  Field
//	0       2     MinVersion
//	2       2     MaxVersion
//	4       2     Reserved
//	6       2     CreditsRequested
//	8       4     PreferredSendSize
//	12      4     MaxReceiveSize
//	16      4     MaxFragmentedSize
//	20      12    Reserved (zero)
type NegotiateRequest struct {
	MinVersion        uint16
	MaxVersion        uint16
	Reserved          uint16
	CreditsRequested  uint16
	PreferredSendSize uint32
	MaxReceiveSize    uint32
	MaxFragmentedSize uint32
}

// NewNegotiateRequest builds a request from the RDMA configuration.
//
//nolint:gosec // G115: credit and size values are validated by config.RDMAConfig.Validate
func NewNegotiateRequest(cfg config.RDMAConfig) *NegotiateRequest {
	return &NegotiateRequest{
		MinVersion:        SMBDirectVersion1,
		MaxVersion:        SMBDirectVersion1,
		CreditsRequested:  uint16(cfg.DefaultSendCreditTarget),
		PreferredSendSize: uint32(cfg.DefaultMaxReceiveSize),
		MaxReceiveSize:    uint32(cfg.DefaultMaxReceiveSize),
		MaxFragmentedSize: uint32(cfg.DefaultMaxFragmentedSize),
	}
}

// Size returns the encoded size.
func (r *NegotiateRequest) Size() int { return NegotiateMessageSize }

// Encode returns the 32-byte wire form.
func (r *NegotiateRequest) Encode() []byte {
	buf := make([]byte, NegotiateMessageSize)
	_, _ = r.EncodeTo(buf)
	return buf
}

// EncodeTo writes the request into dst and returns the bytes written.
func (r *NegotiateRequest) EncodeTo(dst []byte) (int, error) {
	if len(dst) < NegotiateMessageSize {
		return 0, fmt.Errorf("%w: negotiate request needs %d bytes, have %d",
			ErrBufferTooSmall, NegotiateMessageSize, len(dst))
	}

	binary.LittleEndian.PutUint16(dst[0:], r.MinVersion)
	binary.LittleEndian.PutUint16(dst[2:], r.MaxVersion)
	binary.LittleEndian.PutUint16(dst[4:], r.Reserved)
	binary.LittleEndian.PutUint16(dst[6:], r.CreditsRequested)
	binary.LittleEndian.PutUint32(dst[8:], r.PreferredSendSize)
	binary.LittleEndian.PutUint32(dst[12:], r.MaxReceiveSize)
	binary.LittleEndian.PutUint32(dst[16:], r.MaxFragmentedSize)
	clear(dst[20:NegotiateMessageSize])

	return NegotiateMessageSize, nil
}

// DecodeNegotiateRequest reads a request starting at offset.
func DecodeNegotiateRequest(data []byte, offset int) (*NegotiateRequest, error) {
	b, err := negotiateWindow("negotiate request", data, offset)
	if err != nil {
		return nil, err
	}

	return &NegotiateRequest{
		MinVersion:        binary.LittleEndian.Uint16(b[0:]),
		MaxVersion:        binary.LittleEndian.Uint16(b[2:]),
		Reserved:          binary.LittleEndian.Uint16(b[4:]),
		CreditsRequested:  binary.LittleEndian.Uint16(b[6:]),
		PreferredSendSize: binary.LittleEndian.Uint32(b[8:]),
		MaxReceiveSize:    binary.LittleEndian.Uint32(b[12:]),
		MaxFragmentedSize: binary.LittleEndian.Uint32(b[16:]),
	}, nil
}

// NegotiateResponse is the SMB-Direct negotiate response.
//
// Wire layout (32 bytes, little-endian):
//
//	Offset  Size  Field
//	0       2     MinVersion
//	2       2     MaxVersion
//	4       2     NegotiatedVersion
//	6       2     Reserved
//	8       2     CreditsGranted
//	10      2     CreditsRequested
//	12      4     Status
//	16      4     MaxReadWriteSize
//	20      4     PreferredSendSize
//	24      4     MaxReceiveSize
//	28      4     MaxFragmentedSize
type NegotiateResponse struct {
	MinVersion        uint16
	MaxVersion        uint16
	NegotiatedVersion uint16
	Reserved          uint16
	CreditsGranted    uint16
	CreditsRequested  uint16
	Status            uint32
	MaxReadWriteSize  uint32
	PreferredSendSize uint32
	MaxReceiveSize    uint32
	MaxFragmentedSize uint32
}

// IsSuccess reports whether the peer accepted the negotiation.
func (r *NegotiateResponse) IsSuccess() bool { return r.Status == StatusSuccess }

// Size returns the encoded size.
func (r *NegotiateResponse) Size() int { return NegotiateMessageSize }

// Encode returns the 32-byte wire form.
func (r *NegotiateResponse) Encode() []byte {
	buf := make([]byte, NegotiateMessageSize)
	_, _ = r.EncodeTo(buf)
	return buf
}

// EncodeTo writes the response into dst and returns the bytes written.
func (r *NegotiateResponse) EncodeTo(dst []byte) (int, error) {
	if len(dst) < NegotiateMessageSize {
		return 0, fmt.Errorf("%w: negotiate response needs %d bytes, have %d",
			ErrBufferTooSmall, NegotiateMessageSize, len(dst))
	}

	binary.LittleEndian.PutUint16(dst[0:], r.MinVersion)
	binary.LittleEndian.PutUint16(dst[2:], r.MaxVersion)
	binary.LittleEndian.PutUint16(dst[4:], r.NegotiatedVersion)
	binary.LittleEndian.PutUint16(dst[6:], r.Reserved)
	binary.LittleEndian.PutUint16(dst[8:], r.CreditsGranted)
	binary.LittleEndian.PutUint16(dst[10:], r.CreditsRequested)
	binary.LittleEndian.PutUint32(dst[12:], r.Status)
	binary.LittleEndian.PutUint32(dst[16:], r.MaxReadWriteSize)
	binary.LittleEndian.PutUint32(dst[20:], r.PreferredSendSize)
	binary.LittleEndian.PutUint32(dst[24:], r.MaxReceiveSize)
	binary.LittleEndian.PutUint32(dst[28:], r.MaxFragmentedSize)

	return NegotiateMessageSize, nil
}

// DecodeNegotiateResponse reads a response starting at offset.
func DecodeNegotiateResponse(data []byte, offset int) (*NegotiateResponse, error) {
	b, err := negotiateWindow("negotiate response", data, offset)
	if err != nil {
		return nil, err
	}

	return &NegotiateResponse{
		MinVersion:        binary.LittleEndian.Uint16(b[0:]),
		MaxVersion:        binary.LittleEndian.Uint16(b[2:]),
		NegotiatedVersion: binary.LittleEndian.Uint16(b[4:]),
		Reserved:          binary.LittleEndian.Uint16(b[6:]),
		CreditsGranted:    binary.LittleEndian.Uint16(b[8:]),
		CreditsRequested:  binary.LittleEndian.Uint16(b[10:]),
		Status:            binary.LittleEndian.Uint32(b[12:]),
		MaxReadWriteSize:  binary.LittleEndian.Uint32(b[16:]),
		PreferredSendSize: binary.LittleEndian.Uint32(b[20:]),
		MaxReceiveSize:    binary.LittleEndian.Uint32(b[24:]),
		MaxFragmentedSize: binary.LittleEndian.Uint32(b[28:]),
	}, nil
}

func negotiateWindow(name string, data []byte, offset int) ([]byte, error) {
	available := len(data) - offset
	if offset < 0 || offset > len(data) {
		available = 0
	}

	if available < NegotiateMessageSize {
		return nil, &DecodeError{Message: name, Available: available, Err: ErrShortMessage}
	}

	return data[offset : offset+NegotiateMessageSize], nil
}

// NegotiateLimits is what the responding side is willing to offer.
type NegotiateLimits struct {
	MinVersion        uint16
	MaxVersion        uint16
	ReceiveCreditMax  uint16
	CreditsRequested  uint16
	MaxReadWriteSize  uint32
	PreferredSendSize uint32
	MaxReceiveSize    uint32
	MaxFragmentedSize uint32
}

// NegotiateLimitsFromConfig derives responder limits from the RDMA configuration.
//
//nolint:gosec // G115: values are validated by config.RDMAConfig.Validate
func NegotiateLimitsFromConfig(cfg config.RDMAConfig) NegotiateLimits {
	return NegotiateLimits{
		MinVersion:        SMBDirectVersion1,
		MaxVersion:        SMBDirectVersion1,
		ReceiveCreditMax:  uint16(cfg.DefaultReceiveCreditMax),
		CreditsRequested:  uint16(cfg.DefaultSendCreditTarget),
		MaxReadWriteSize:  uint32(cfg.DefaultMaxReadWriteSize),
		PreferredSendSize: uint32(cfg.DefaultMaxReceiveSize),
		MaxReceiveSize:    uint32(cfg.DefaultMaxReceiveSize),
		MaxFragmentedSize: uint32(cfg.DefaultMaxFragmentedSize),
	}
}

// RespondToNegotiate answers a request the way an SMB-Direct server does.
func RespondToNegotiate(req *NegotiateRequest, limits NegotiateLimits) *NegotiateResponse {
	resp := &NegotiateResponse{
		MinVersion:       limits.MinVersion,
		MaxVersion:       limits.MaxVersion,
		CreditsRequested: limits.CreditsRequested,
	}

	lo := max(req.MinVersion, limits.MinVersion)
	hi := min(req.MaxVersion, limits.MaxVersion)
	if lo > hi {
		resp.Status = StatusNotSupported
		return resp
	}

	granted := min(req.CreditsRequested, limits.ReceiveCreditMax)
	if granted == 0 {
		resp.NegotiatedVersion = hi
		resp.Status = StatusInsufficientResources
		return resp
	}

	resp.NegotiatedVersion = hi
	resp.CreditsGranted = granted
	resp.Status = StatusSuccess
	resp.MaxReadWriteSize = limits.MaxReadWriteSize
	resp.PreferredSendSize = min(limits.PreferredSendSize, req.MaxReceiveSize)
	resp.MaxReceiveSize = limits.MaxReceiveSize
	resp.MaxFragmentedSize = min(limits.MaxFragmentedSize, req.MaxFragmentedSize)

	return resp
}
