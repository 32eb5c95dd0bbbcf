// Package proto implements the worker-to-czar framing: a stream of
// fragments, each a one-byte header-size field, a fixed-width ProtoHeader,
// and a body whose MD5 the header carries. The body itself is a
// schema-driven row bundle encoded by this package's result codec.
package proto

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// ProtocolVersion is the framing revision this codec speaks.
const ProtocolVersion int32 = 2

// HeaderFixedSize is the encoded width of a ProtoHeader: two int32 fields
// plus the 16-byte MD5 digest.
const HeaderFixedSize = 4 + 4 + md5.Size

// ProtoHeader describes one response fragment: the protocol revision, the
// byte length of the body that follows, and the MD5 digest of that body.
type ProtoHeader struct {
	Protocol int32
	Size     int32
	MD5      [md5.Size]byte
}

// MarshalBinary encodes the header big-endian into exactly HeaderFixedSize bytes.
func (h ProtoHeader) MarshalBinary() []byte {
	buf := make([]byte, HeaderFixedSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Protocol))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Size))
	copy(buf[8:], h.MD5[:])
	return buf
}

// ParseHeader decodes a header from exactly HeaderFixedSize bytes.
func ParseHeader(b []byte) (ProtoHeader, error) {
	var h ProtoHeader
	if len(b) != HeaderFixedSize {
		return h, fmt.Errorf("proto: header must be %d bytes, got %d", HeaderFixedSize, len(b))
	}
	h.Protocol = int32(binary.BigEndian.Uint32(b[0:4]))
	h.Size = int32(binary.BigEndian.Uint32(b[4:8]))
	copy(h.MD5[:], b[8:])
	if h.Protocol != ProtocolVersion {
		return h, fmt.Errorf("proto: unsupported protocol revision %d", h.Protocol)
	}
	if h.Size < 0 {
		return h, fmt.Errorf("proto: negative body size %d", h.Size)
	}
	return h, nil
}

// HeaderFor builds the header describing body.
func HeaderFor(body []byte) ProtoHeader {
	return ProtoHeader{
		Protocol: ProtocolVersion,
		Size:     int32(len(body)),
		MD5:      md5.Sum(body),
	}
}

// VerifyBody checks body against the length and digest the header announced.
func (h ProtoHeader) VerifyBody(body []byte) error {
	if int32(len(body)) != h.Size {
		return fmt.Errorf("proto: body length %d does not match announced size %d", len(body), h.Size)
	}
	if md5.Sum(body) != h.MD5 {
		return fmt.Errorf("proto: body md5 mismatch")
	}
	return nil
}

// EncodeFragment frames body as one complete on-wire fragment:
// [header_size: uint8][ProtoHeader][body].
func EncodeFragment(body []byte) []byte {
	hdr := HeaderFor(body).MarshalBinary()
	out := make([]byte, 0, 1+len(hdr)+len(body))
	out = append(out, byte(len(hdr)))
	out = append(out, hdr...)
	out = append(out, body...)
	return out
}
