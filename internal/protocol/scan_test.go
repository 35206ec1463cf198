package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// buildBuffer concatenates well-formed records carrying the given texts.
func buildBuffer(dir Direction, texts ...string) []byte {
	var buf []byte
	for _, text := range texts {
		buf = AppendText(buf, dir, text)
	}
	return buf
}

func collect(buf []byte, dir Direction) []Record {
	var out []Record
	for rec := range Records(buf, dir) {
		out = append(out, rec)
	}
	return out
}

// TestScanWellFormed verifies that N concatenated valid records yield exactly
// N records in wire order with the expected direction.
func TestScanWellFormed(t *testing.T) {
	testCases := []struct {
		name  string
		dir   Direction
		texts []string
	}{
		{"single client record", Client, []string{"type@=loginreq/"}},
		{"three client records", Client, []string{"a", "bb", "ccc"}},
		{"two server records", Server, []string{"type@=chatmsg/txt@=hi/", "type@=keeplive/"}},
		{"empty text", Server, []string{""}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := buildBuffer(tc.dir, tc.texts...)

			s := NewScanner(buf, tc.dir)
			var got []string
			offset := 0
			for s.Scan() {
				rec := s.Record()
				if rec.Direction() != tc.dir {
					t.Errorf("Direction mismatch: got %v, want %v", rec.Direction(), tc.dir)
				}
				if rec.Offset != offset {
					t.Errorf("Offset mismatch: got %d, want %d", rec.Offset, offset)
				}
				offset += rec.WireSize()

				text, terminated := rec.Text()
				if !terminated {
					t.Errorf("record %d reported no terminator", len(got))
				}
				got = append(got, string(text))
			}

			if err := s.Err(); err != nil {
				t.Fatalf("unexpected scan error: %v", err)
			}
			if s.Trailing() != 0 {
				t.Errorf("Trailing mismatch: got %d, want 0", s.Trailing())
			}
			if len(got) != len(tc.texts) {
				t.Fatalf("record count mismatch: got %d, want %d", len(got), len(tc.texts))
			}
			for i := range got {
				if got[i] != tc.texts[i] {
					t.Errorf("record %d text mismatch: got %q, want %q", i, got[i], tc.texts[i])
				}
			}
		})
	}
}

// TestScanStopsAtMalformedRecord verifies that a corrupt k-th record ends the
// scan after exactly k-1 records.
func TestScanStopsAtMalformedRecord(t *testing.T) {
	texts := []string{"one", "two", "three", "four"}

	corruptions := []struct {
		name    string
		corrupt func(hdr []byte)
		wantErr error
	}{
		{
			name:    "bad magic",
			corrupt: func(hdr []byte) { byteOrder.PutUint32(hdr[8:12], 0x2b3) },
			wantErr: ErrBadMagic,
		},
		{
			name: "length mismatch",
			corrupt: func(hdr []byte) {
				byteOrder.PutUint32(hdr[4:8], byteOrder.Uint32(hdr[4:8])+1)
			},
			wantErr: ErrLengthMismatch,
		},
		{
			name: "length too small",
			corrupt: func(hdr []byte) {
				byteOrder.PutUint32(hdr[0:4], 2)
				byteOrder.PutUint32(hdr[4:8], 2)
			},
			wantErr: ErrBadLength,
		},
		{
			name: "negative length",
			corrupt: func(hdr []byte) {
				v := int32(-40)
				byteOrder.PutUint32(hdr[0:4], uint32(v))
				byteOrder.PutUint32(hdr[4:8], uint32(v))
			},
			wantErr: ErrBadLength,
		},
	}

	for _, c := range corruptions {
		for k := 1; k <= len(texts); k++ {
			t.Run(fmt.Sprintf("%s at record %d", c.name, k), func(t *testing.T) {
				buf := buildBuffer(Client, texts...)

				offset := 0
				for _, text := range texts[:k-1] {
					offset += HeaderSize + len(text) + 1
				}
				c.corrupt(buf[offset : offset+HeaderSize])

				s := NewScanner(buf, Client)
				count := 0
				for s.Scan() {
					count++
				}

				if count != k-1 {
					t.Errorf("record count mismatch: got %d, want %d", count, k-1)
				}
				if !errors.Is(s.Err(), c.wantErr) {
					t.Errorf("Err mismatch: got %v, want %v", s.Err(), c.wantErr)
				}
				if s.Offset() != offset {
					t.Errorf("Offset mismatch: got %d, want %d", s.Offset(), offset)
				}
			})
		}
	}
}

// TestScanWrongDirection verifies that server records are rejected when
// client records are expected.
func TestScanWrongDirection(t *testing.T) {
	buf := buildBuffer(Server, "hello")

	got := collect(buf, Client)
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}

	s := NewScanner(buf, Client)
	s.Scan()
	if !errors.Is(s.Err(), ErrBadMagic) {
		t.Errorf("Err mismatch: got %v, want %v", s.Err(), ErrBadMagic)
	}
}

// TestScanOverlongRecord verifies that a declared length beyond the buffer
// end is treated as malformed instead of read out of bounds.
func TestScanOverlongRecord(t *testing.T) {
	buf := buildBuffer(Client, "ok")
	buf = append(buf, EncodeHeader(Header{Length: 1000, LengthRepeated: 1000, Magic: ClientMagic})...)
	buf = append(buf, "truncated"...)

	s := NewScanner(buf, Client)
	count := 0
	for s.Scan() {
		count++
	}

	if count != 1 {
		t.Errorf("record count mismatch: got %d, want 1", count)
	}
	if !errors.Is(s.Err(), ErrOverrun) {
		t.Errorf("Err mismatch: got %v, want %v", s.Err(), ErrOverrun)
	}
}

// TestScanShortBuffer verifies that buffers shorter than a header yield no
// records and no error.
func TestScanShortBuffer(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"8 bytes", make([]byte, 8)},
		{"11 bytes (one less than HeaderSize)", make([]byte, HeaderSize-1)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewScanner(tc.data, Client)
			if s.Scan() {
				t.Fatal("expected Scan to return false")
			}
			if s.Err() != nil {
				t.Errorf("expected nil error, got %v", s.Err())
			}
			if s.Trailing() != len(tc.data) {
				t.Errorf("Trailing mismatch: got %d, want %d", s.Trailing(), len(tc.data))
			}
		})
	}
}

// TestScanTrailingPartialHeader verifies that a partial header after valid
// records ends the scan silently.
func TestScanTrailingPartialHeader(t *testing.T) {
	buf := buildBuffer(Server, "first", "second")
	buf = append(buf, 0x01, 0x02, 0x03)

	got := collect(buf, Server)
	if len(got) != 2 {
		t.Fatalf("record count mismatch: got %d, want 2", len(got))
	}

	s := NewScanner(buf, Server)
	for s.Scan() {
	}
	if s.Err() != nil {
		t.Errorf("expected nil error, got %v", s.Err())
	}
	if s.Trailing() != 3 {
		t.Errorf("Trailing mismatch: got %d, want 3", s.Trailing())
	}
}

// TestScanIdempotent verifies that scanning the same buffer twice yields
// identical records.
func TestScanIdempotent(t *testing.T) {
	buf := buildBuffer(Client, "alpha", "beta", "gamma")
	buf = append(buf, 0xff)

	first := collect(buf, Client)
	second := collect(buf, Client)

	if len(first) != len(second) {
		t.Fatalf("length mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Header != second[i].Header || first[i].Offset != second[i].Offset {
			t.Errorf("record %d differs: %+v vs %+v", i, first[i], second[i])
		}
		if !bytes.Equal(first[i].Payload, second[i].Payload) {
			t.Errorf("record %d payload differs", i)
		}
	}
}

// TestScanRoundTrip encodes a header with Length L followed by an L-4 byte
// terminated payload and checks the text comes back unchanged.
func TestScanRoundTrip(t *testing.T) {
	payload := []byte("type@=qrl/rid@=9999/\x00")
	length := int32(len(payload) + 4)

	buf := EncodeHeader(Header{Length: length, LengthRepeated: length, Magic: ClientMagic})
	buf = append(buf, payload...)

	got := collect(buf, Client)
	if len(got) != 1 {
		t.Fatalf("record count mismatch: got %d, want 1", len(got))
	}

	text, terminated := got[0].Text()
	if !terminated {
		t.Error("expected terminator inside the declared window")
	}
	if !bytes.Equal(text, payload[:len(payload)-1]) {
		t.Errorf("Payload mismatch: got %q, want %q", text, payload[:len(payload)-1])
	}
	if len(got[0].Payload) != int(length)-4 {
		t.Errorf("window mismatch: got %d, want %d", len(got[0].Payload), length-4)
	}
}

// TestScanShortRecordWithPadding covers header(8, 8, client) + "hi\0" padded
// to the four-byte declared window.
func TestScanShortRecordWithPadding(t *testing.T) {
	buf := EncodeHeader(Header{Length: 8, LengthRepeated: 8, Magic: ClientMagic})
	buf = append(buf, 'h', 'i', 0, 0)

	got := collect(buf, Client)
	if len(got) != 1 {
		t.Fatalf("record count mismatch: got %d, want 1", len(got))
	}
	if got[0].Direction() != Client {
		t.Errorf("Direction mismatch: got %v, want client", got[0].Direction())
	}

	text, terminated := got[0].Text()
	if !terminated || string(text) != "hi" {
		t.Errorf("Text mismatch: got %q (terminated=%v), want \"hi\"", text, terminated)
	}
}

// TestScanMissingTerminator verifies that the whole declared window is
// returned when no NUL lies inside it.
func TestScanMissingTerminator(t *testing.T) {
	length := int32(12)
	buf := EncodeHeader(Header{Length: length, LengthRepeated: length, Magic: ServerMagic})
	buf = append(buf, "abcdefgh"...)

	got := collect(buf, Server)
	if len(got) != 1 {
		t.Fatalf("record count mismatch: got %d, want 1", len(got))
	}

	text, terminated := got[0].Text()
	if terminated {
		t.Error("expected missing terminator")
	}
	if len(text) != int(length)-4 {
		t.Errorf("length mismatch: got %d, want %d", len(text), length-4)
	}
}

// TestRecordsEarlyBreak verifies that the sequence stops when the consumer
// stops pulling.
func TestRecordsEarlyBreak(t *testing.T) {
	buf := buildBuffer(Client, "a", "b", "c")

	count := 0
	for range Records(buf, Client) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("count mismatch: got %d, want 2", count)
	}
}
