// Package capture reads and writes recorded plugin buffers so a session can be
// replayed through the side channel. Each entry is
//
//	[1B direction 'C'|'S'][4B little-endian length][length bytes]
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/1ureka/douyutap/internal/protocol"
)

const entryHeaderSize = 5

// MaxEntrySize bounds a single recorded buffer.
const MaxEntrySize = 16 << 20

var (
	ErrBadDirection  = errors.New("capture: unknown direction tag")
	ErrEntryTooLarge = errors.New("capture: entry exceeds maximum size")
)

// Entry is one buffer as the host handed it over.
type Entry struct {
	Direction protocol.Direction
	Data      []byte
}

func directionTag(d protocol.Direction) byte {
	if d == protocol.Server {
		return 'S'
	}
	return 'C'
}

func tagDirection(b byte) (protocol.Direction, error) {
	switch b {
	case 'C':
		return protocol.Client, nil
	case 'S':
		return protocol.Server, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadDirection, b)
	}
}

// Writer appends entries to an underlying stream.
type Writer struct {
	w   io.Writer
	hdr [entryHeaderSize]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(e Entry) error {
	if len(e.Data) > MaxEntrySize {
		return ErrEntryTooLarge
	}
	w.hdr[0] = directionTag(e.Direction)
	binary.LittleEndian.PutUint32(w.hdr[1:], uint32(len(e.Data)))
	if _, err := w.w.Write(w.hdr[:]); err != nil {
		return err
	}
	_, err := w.w.Write(e.Data)
	return err
}

// Reader yields entries in recorded order.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next entry, or io.EOF once the stream ends cleanly between
// entries. A stream cut inside an entry yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (Entry, error) {
	var hdr [entryHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return Entry{}, err
	}

	dir, err := tagDirection(hdr[0])
	if err != nil {
		return Entry{}, err
	}

	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > MaxEntrySize {
		return Entry{}, ErrEntryTooLarge
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, err
	}
	return Entry{Direction: dir, Data: data}, nil
}
