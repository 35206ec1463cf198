// Package protocol defines the Douyu record framing carried inside the
// plugin's network buffers.
package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// Magic constants identifying the direction a record travels in.
const (
	ClientMagic int32 = 0x2b1 // client → server
	ServerMagic int32 = 0x2b2 // server → client
)

// HeaderSize is the fixed header size: Length(4) + LengthRepeated(4) + Magic(4).
const HeaderSize = 12

// lengthFieldSize is the part of the wire record not counted by Length.
const lengthFieldSize = 4

// Direction tells which side of the proxied connection a record came from.
type Direction uint8

const (
	Client Direction = iota
	Server
)

// Magic returns the sentinel a header must carry for this direction.
func (d Direction) Magic() int32 {
	if d == Server {
		return ServerMagic
	}
	return ClientMagic
}

// Marker is the single-character arrow used in log lines and published messages.
func (d Direction) Marker() string {
	if d == Server {
		return "<"
	}
	return ">"
}

func (d Direction) String() string {
	if d == Server {
		return "server"
	}
	return "client"
}

// ParseDirection accepts the names produced by String, plus the C/S tags
// used in captures.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "client", "c":
		return Client, nil
	case "server", "s":
		return Server, nil
	}
	return Client, fmt.Errorf("unknown direction %q", s)
}

// DirectionOf maps a header magic back to its direction.
func DirectionOf(magic int32) (Direction, bool) {
	switch magic {
	case ClientMagic:
		return Client, true
	case ServerMagic:
		return Server, true
	}
	return Client, false
}

// Header is the fixed prefix of every record.
type Header struct {
	Length         int32 // bytes following the Length field itself
	LengthRepeated int32 // must equal Length
	Magic          int32 // ClientMagic or ServerMagic
}

// Record is one validated record. Payload is a view into the scanned buffer
// and must not be retained after the buffer is handed back to its owner.
type Record struct {
	Header  Header
	Offset  int    // position of the header within the scanned buffer
	Payload []byte // declared text window: Length-4 bytes from Offset+HeaderSize, clamped to the buffer
}

// Direction derives the record direction from its magic.
func (r Record) Direction() Direction {
	d, _ := DirectionOf(r.Header.Magic)
	return d
}

// WireSize is the number of bytes the record occupies on the wire.
func (r Record) WireSize() int {
	return int(r.Header.Length) + lengthFieldSize
}

// Text bounds the payload at its NUL terminator. When no terminator lies
// inside the declared window, the whole window is returned and terminated
// is false.
func (r Record) Text() (text []byte, terminated bool) {
	if i := bytes.IndexByte(r.Payload, 0); i >= 0 {
		return r.Payload[:i], true
	}
	return r.Payload, false
}
