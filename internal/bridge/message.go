// Package bridge delivers script callbacks to the browser side: over a
// WebSocket (optionally upgraded to a WebRTC DataChannel) or over Chrome
// native messaging.
package bridge

import (
	"context"

	"github.com/1ureka/douyutap/internal/mainthread"
	"github.com/1ureka/douyutap/internal/util"
)

// MessageType identifies the kind of bridge message.
type MessageType string

const (
	MsgTypeRegister  MessageType = "register"  // bridge → page: callback names
	MsgTypeCall      MessageType = "call"      // bridge → page: invoke a callback
	MsgTypeOffer     MessageType = "offer"     // page → bridge: SDP offer for the DataChannel upgrade
	MsgTypeAnswer    MessageType = "answer"    // bridge → page: SDP answer
	MsgTypeCandidate MessageType = "candidate" // both ways: trickled ICE candidate
	MsgTypePacket    MessageType = "packet"    // extension → native host: captured buffer
)

// Message is the JSON structure exchanged with the browser side.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Instance  string      `json:"instance,omitempty"`
	Callback  string      `json:"callback,omitempty"`
	Arg       string      `json:"arg,omitempty"`
	Callbacks []string    `json:"callbacks,omitempty"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Direction string      `json:"direction,omitempty"` // "client" or "server", packet messages only
	Data      []byte      `json:"data,omitempty"`      // base64 in JSON, packet messages only
}

func callMessage(t mainthread.Task) Message {
	return Message{
		Type:     MsgTypeCall,
		Instance: t.Instance,
		Callback: t.Callback,
		Arg:      t.Arg,
	}
}

// Discard is the bridge used when nothing on the browser side listens.
type Discard struct{}

func (Discard) Register(client, server string) {
	util.LogDebug("no script bridge attached; callbacks %s / %s are not delivered", client, server)
}

func (Discard) Invoke(_ context.Context, t mainthread.Task) error {
	util.LogDebug("[%08x] %s(%d bytes) discarded", util.InstanceTag(t.Instance), t.Callback, len(t.Arg))
	return nil
}
