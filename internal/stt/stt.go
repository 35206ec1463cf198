// Package stt decodes the key@=value/ text serialization Douyu records carry.
//
// Values escape '@' as "@A" and '/' as "@S", so a nested message is simply an
// escaped value that can be decoded again.
package stt

import (
	"errors"
	"strings"
)

var (
	ErrEmpty     = errors.New("stt: empty message")
	ErrBadEscape = errors.New("stt: invalid escape sequence")
	ErrNoKey     = errors.New("stt: item without key")
)

const (
	pairSep = "@="
	itemSep = "/"
)

// Field is one key/value item, already unescaped.
type Field struct {
	Key   string
	Value string
}

// Message keeps fields in wire order; keys may repeat.
type Message []Field

// Get returns the first value stored under key.
func (m Message) Get(key string) (string, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Type returns the "type" field every Douyu message starts with.
func (m Message) Type() string {
	v, _ := m.Get("type")
	return v
}

// Map flattens the message; later duplicates win.
func (m Message) Map() map[string]string {
	out := make(map[string]string, len(m))
	for _, f := range m {
		out[f.Key] = f.Value
	}
	return out
}

// Decode parses one serialized message.
func Decode(text []byte) (Message, error) {
	s := string(text)
	if s == "" {
		return nil, ErrEmpty
	}

	var msg Message
	for _, item := range strings.Split(s, itemSep) {
		if item == "" {
			continue
		}
		rawKey, rawValue, ok := strings.Cut(item, pairSep)
		if !ok {
			return nil, ErrNoKey
		}
		key, err := Unescape(rawKey)
		if err != nil {
			return nil, err
		}
		value, err := Unescape(rawValue)
		if err != nil {
			return nil, err
		}
		msg = append(msg, Field{Key: key, Value: value})
	}

	if len(msg) == 0 {
		return nil, ErrEmpty
	}
	return msg, nil
}

// List splits an unescaped value holding a '/'-terminated list of items and
// unescapes each one.
func List(value string) ([]string, error) {
	var out []string
	for _, item := range strings.Split(value, itemSep) {
		if item == "" {
			continue
		}
		v, err := Unescape(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Unescape reverses the @A / @S escaping, rejecting any other '@' sequence.
func Unescape(s string) (string, error) {
	if !strings.Contains(s, "@") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '@' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", ErrBadEscape
		}
		switch s[i+1] {
		case 'A':
			b.WriteByte('@')
		case 'S':
			b.WriteByte('/')
		default:
			return "", ErrBadEscape
		}
		i++
	}
	return b.String(), nil
}
