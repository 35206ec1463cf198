package bridge

// Chrome's native messaging protocol:
//   - messages are JSON
//   - each message is prefixed with a 4-byte little-endian length
//   - messages are limited to 1 MiB

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/douyutap/internal/mainthread"
)

const MaxMessageSize = 1024 * 1024

var ErrMessageTooLarge = errors.New("bridge: native message too large")

// ReadMessage reads one length-prefixed JSON message.
func ReadMessage(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}

	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, length, MaxMessageSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message JSON: %w", err)
	}
	return &msg, nil
}

// WriteMessage writes one length-prefixed JSON message.
func WriteMessage(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(body), MaxMessageSize)
	}

	buf := make([]byte, 4, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Native is the script bridge for a native-messaging host: callbacks are
// written to the extension over stdout.
type Native struct {
	mu sync.Mutex
	w  io.Writer
}

// NewNative creates a native bridge writing to w.
func NewNative(w io.Writer) *Native {
	return &Native{w: w}
}

func (n *Native) write(msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return WriteMessage(n.w, msg)
}

// Register tells the extension which callback names to expose.
func (n *Native) Register(client, server string) {
	// Best-effort: the extension also learns names from the first call.
	_ = n.write(Message{Type: MsgTypeRegister, Callbacks: []string{client, server}})
}

// Invoke forwards one callback to the extension.
func (n *Native) Invoke(_ context.Context, t mainthread.Task) error {
	msg := callMessage(t)
	msg.RequestID = uuid.New().String()
	return n.write(msg)
}
