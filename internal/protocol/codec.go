package protocol

import (
	"encoding/binary"
	"fmt"
)

// byteOrder is the host-native order the peer protocol lays integers out in.
var byteOrder = binary.NativeEndian

// EncodeHeader serializes a Header into its 12-byte wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	byteOrder.PutUint32(buf[0:4], uint32(h.Length))
	byteOrder.PutUint32(buf[4:8], uint32(h.LengthRepeated))
	byteOrder.PutUint32(buf[8:12], uint32(h.Magic))
	return buf
}

// DecodeHeader deserializes the first HeaderSize bytes of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("header too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	return Header{
		Length:         int32(byteOrder.Uint32(data[0:4])),
		LengthRepeated: int32(byteOrder.Uint32(data[4:8])),
		Magic:          int32(byteOrder.Uint32(data[8:12])),
	}, nil
}

// AppendRecord appends a well-formed record carrying body to dst. The body is
// written verbatim, so callers include the NUL terminator themselves.
func AppendRecord(dst []byte, dir Direction, body []byte) []byte {
	length := int32(len(body) + HeaderSize - lengthFieldSize)
	dst = append(dst, EncodeHeader(Header{
		Length:         length,
		LengthRepeated: length,
		Magic:          dir.Magic(),
	})...)
	return append(dst, body...)
}

// AppendText appends a record whose body is text followed by a terminator.
func AppendText(dst []byte, dir Direction, text string) []byte {
	body := make([]byte, len(text)+1)
	copy(body, text)
	return AppendRecord(dst, dir, body)
}
