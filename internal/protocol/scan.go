package protocol

import (
	"errors"
	"iter"
)

// Scan errors. Each one ends scanning of the remaining buffer: once framing
// is broken the length fields can no longer be trusted to find the next record.
var (
	ErrLengthMismatch = errors.New("protocol: duplicated length field mismatch")
	ErrBadMagic       = errors.New("protocol: unexpected magic")
	ErrBadLength      = errors.New("protocol: declared length shorter than header")
	ErrOverrun        = errors.New("protocol: record overruns buffer")
)

// Next decodes the record at the start of buf, expecting the given direction.
// It returns the record and the number of bytes it occupies. A buf shorter
// than HeaderSize yields n == 0 and a nil error.
func Next(buf []byte, dir Direction) (rec Record, n int, err error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, nil
	}

	h, err := DecodeHeader(buf)
	if err != nil {
		return Record{}, 0, err
	}
	if h.Length != h.LengthRepeated {
		return Record{}, 0, ErrLengthMismatch
	}
	if h.Magic != dir.Magic() {
		return Record{}, 0, ErrBadMagic
	}

	total := int64(h.Length) + lengthFieldSize
	if total < HeaderSize {
		return Record{}, 0, ErrBadLength
	}
	if total > int64(len(buf)) {
		return Record{}, 0, ErrOverrun
	}

	end := HeaderSize + int(h.Length) - lengthFieldSize
	if end > len(buf) {
		end = len(buf)
	}

	return Record{Header: h, Payload: buf[HeaderSize:end]}, int(total), nil
}

// Scanner walks a buffer record by record, in the manner of bufio.Scanner.
// It never mutates the buffer, so scanning the same bytes twice yields the
// same records.
type Scanner struct {
	buf []byte
	dir Direction
	off int
	rec Record
	err error
}

// NewScanner creates a scanner over buf expecting records of direction dir.
func NewScanner(buf []byte, dir Direction) *Scanner {
	return &Scanner{buf: buf, dir: dir}
}

// Scan advances to the next record. It returns false at the end of usable
// input or on malformed framing; Err tells the two apart.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.off >= len(s.buf) {
		return false
	}

	rec, n, err := Next(s.buf[s.off:], s.dir)
	if err != nil {
		s.err = err
		return false
	}
	if n == 0 {
		return false
	}

	rec.Offset = s.off
	s.rec = rec
	s.off += n
	return true
}

// Record returns the record produced by the last successful Scan.
func (s *Scanner) Record() Record {
	return s.rec
}

// Err returns the framing error that stopped the scan, if any. Running out
// of bytes, including a partial trailing header, is not an error.
func (s *Scanner) Err() error {
	return s.err
}

// Offset is the position of the first byte not yet consumed.
func (s *Scanner) Offset() int {
	return s.off
}

// Trailing reports how many bytes were left unconsumed.
func (s *Scanner) Trailing() int {
	return len(s.buf) - s.off
}

// Records is a single-pass sequence of the valid records in buf.
func Records(buf []byte, dir Direction) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		s := NewScanner(buf, dir)
		for s.Scan() {
			if !yield(s.Record()) {
				return
			}
		}
	}
}
