// Package wire packs and unpacks the fixed inter-node message header used
// by the stepd collective server.
package wire

import (
	"encoding/binary"
)

// Cmd is the command byte carried in every frame header.
type Cmd uint8

const (
	// CmdFence is a tree fan-in contribution.
	CmdFence Cmd = 1
	// CmdFenceResp is a tree fan-out delivery.
	CmdFenceResp Cmd = 2
	// CmdDirect is a direct-modex request.
	CmdDirect Cmd = 3
	// CmdDirectResp is a direct-modex reply.
	CmdDirectResp Cmd = 4
)

func (c Cmd) String() string {
	switch c {
	case CmdFence:
		return "FENCE"
	case CmdFenceResp:
		return "FENCE_RESP"
	case CmdDirect:
		return "DIRECT"
	case CmdDirectResp:
		return "DIRECT_RESP"
	default:
		return "UNKNOWN"
	}
}

// Sentinel is the magic value every frame header must carry.
const Sentinel uint32 = 0xDEADBEEF

// HeaderSize is the packed size of Header in bytes: magic, gen, nodeid,
// paysize (4 bytes each) plus cmd (1 byte).
const HeaderSize = 4*4 + 1

// RecvPrefixSize is the size of the transport-injected total-size field
// that precedes HeaderSize on the server receive path.
const RecvPrefixSize = 4

// Header is the canonical 5-field frame header, in wire order.
type Header struct {
	Magic   uint32
	Gen     uint32
	NodeID  uint32
	PaySize uint32
	Cmd     Cmd
}

// ErrBadMagic is returned by Unpack when the magic field does not match Sentinel.
type ErrBadMagic struct {
	Got uint32
}

func (e *ErrBadMagic) Error() string {
	return "wire: bad magic"
}

// ErrShort is returned when fewer than HeaderSize bytes are available to unpack.
type ErrShort struct {
	Got, Want int
}

func (e *ErrShort) Error() string {
	return "wire: short header"
}

// ErrSizeMismatch is returned on the server-receive path when the
// transport-injected total-size prefix disagrees with HeaderSize+paysize.
type ErrSizeMismatch struct {
	Prefix, Computed uint32
}

func (e *ErrSizeMismatch) Error() string {
	return "wire: size prefix mismatch"
}

// Pack serializes h into a new HeaderSize-byte buffer, network byte order.
func Pack(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Gen)
	binary.BigEndian.PutUint32(buf[8:12], h.NodeID)
	binary.BigEndian.PutUint32(buf[12:16], h.PaySize)
	buf[16] = byte(h.Cmd)
	return buf
}

// Unpack parses a HeaderSize-byte buffer into a Header, validating magic.
func Unpack(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, &ErrShort{Got: len(b), Want: HeaderSize}
	}
	h.Magic = binary.BigEndian.Uint32(b[0:4])
	if h.Magic != Sentinel {
		return Header{}, &ErrBadMagic{Got: h.Magic}
	}
	h.Gen = binary.BigEndian.Uint32(b[4:8])
	h.NodeID = binary.BigEndian.Uint32(b[8:12])
	h.PaySize = binary.BigEndian.Uint32(b[12:16])
	h.Cmd = Cmd(b[16])
	return h, nil
}

// UnpackRecvPrefix validates the transport-injected 4-byte total-size
// prefix against the header that follows it and returns that header.
// buf must contain at least RecvPrefixSize+HeaderSize bytes.
func UnpackRecvPrefix(buf []byte) (Header, error) {
	if len(buf) < RecvPrefixSize+HeaderSize {
		return Header{}, &ErrShort{Got: len(buf), Want: RecvPrefixSize + HeaderSize}
	}
	prefix := binary.BigEndian.Uint32(buf[0:4])
	h, err := Unpack(buf[RecvPrefixSize : RecvPrefixSize+HeaderSize])
	if err != nil {
		return Header{}, err
	}
	want := uint32(HeaderSize) + h.PaySize
	if prefix != want {
		return Header{}, &ErrSizeMismatch{Prefix: prefix, Computed: want}
	}
	return h, nil
}
