package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/douyutap/internal/mainthread"
)

// startServer starts a bridge on a random loopback port with registered
// callback names.
func startServer(t *testing.T) (*Server, int) {
	t.Helper()
	s := NewServer()
	port, err := s.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Close)
	s.Register("cbMsgC", "cbMsgS")
	return s, port
}

func dialPage(t *testing.T, port int, query string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws%s", port, query)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

// readUntil skips messages (e.g. trickled candidates) until one of type typ.
func readUntil(t *testing.T, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func TestServerRegisterAndCall(t *testing.T) {
	s, port := startServer(t)
	conn := dialPage(t, port, "")

	reg := readMessage(t, conn)
	if reg.Type != MsgTypeRegister {
		t.Fatalf("Type mismatch: got %q, want %q", reg.Type, MsgTypeRegister)
	}
	if len(reg.Callbacks) != 2 || reg.Callbacks[0] != "cbMsgC" || reg.Callbacks[1] != "cbMsgS" {
		t.Errorf("Callbacks mismatch: got %v", reg.Callbacks)
	}

	task := mainthread.Task{Instance: "inst-1", Callback: "cbMsgS", Arg: "type@=chatmsg/txt@=hi/"}
	if err := s.Invoke(context.Background(), task); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	call := readMessage(t, conn)
	if call.Type != MsgTypeCall {
		t.Fatalf("Type mismatch: got %q, want %q", call.Type, MsgTypeCall)
	}
	if call.Instance != task.Instance || call.Callback != task.Callback || call.Arg != task.Arg {
		t.Errorf("call mismatch: got %+v, want %+v", call, task)
	}
}

// TestServerInstanceFilter verifies that a page subscribed to one instance
// does not receive another instance's callbacks.
func TestServerInstanceFilter(t *testing.T) {
	s, port := startServer(t)
	conn := dialPage(t, port, "?instance=mine")
	readUntil(t, conn, MsgTypeRegister)

	ctx := context.Background()
	if err := s.Invoke(ctx, mainthread.Task{Instance: "other", Callback: "cbMsgC", Arg: "skip"}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if err := s.Invoke(ctx, mainthread.Task{Instance: "mine", Callback: "cbMsgC", Arg: "keep"}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	call := readMessage(t, conn)
	if call.Arg != "keep" {
		t.Errorf("Arg mismatch: got %q, want %q", call.Arg, "keep")
	}
}

func TestServerDropsClosedPage(t *testing.T) {
	s, port := startServer(t)
	conn := dialPage(t, port, "")
	readUntil(t, conn, MsgTypeRegister)

	if s.PageCount() != 1 {
		t.Fatalf("PageCount mismatch: got %d, want 1", s.PageCount())
	}
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.PageCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("page was not removed after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestServerAnswersOffer verifies the DataChannel upgrade handshake: a page
// sends an SDP offer and gets back an answer its PeerConnection accepts.
func TestServerAnswersOffer(t *testing.T) {
	_, port := startServer(t)
	conn := dialPage(t, port, "")
	readUntil(t, conn, MsgTypeRegister)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer pc.Close()

	if _, err := newDataChannel(pc); err != nil {
		t.Fatalf("newDataChannel: %v", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if err := conn.WriteJSON(Message{Type: MsgTypeOffer, SDP: offer.SDP}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	answer := readUntil(t, conn, MsgTypeAnswer)
	if answer.SDP == "" {
		t.Fatal("empty answer SDP")
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		t.Errorf("SetRemoteDescription rejected the answer: %v", err)
	}
}

// pageHasChannel reports whether every connected page has an open
// DataChannel (want true) or none has one (want false).
func pageHasChannel(s *Server, want bool) bool {
	s.mu.RLock()
	pages := s.snapshotLocked()
	s.mu.RUnlock()

	if len(pages) == 0 {
		return false
	}
	for _, p := range pages {
		p.mu.Lock()
		has := p.channel != nil
		p.mu.Unlock()
		if has != want {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestServerDeliversOverDataChannel runs the full upgrade with trickled
// candidates both ways, checks that calls then travel over the DataChannel
// instead of the WebSocket, and that closing the channel falls back.
func TestServerDeliversOverDataChannel(t *testing.T) {
	s, port := startServer(t)
	conn := dialPage(t, port, "")
	readUntil(t, conn, MsgTypeRegister)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer pc.Close()

	dc, err := newDataChannel(pc)
	if err != nil {
		t.Fatalf("newDataChannel: %v", err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dcCalls := make(chan Message, 4)
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err == nil {
			dcCalls <- msg
		}
	})

	var writeMu sync.Mutex
	writeJSON := func(msg Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		writeJSON(Message{Type: MsgTypeCandidate, Candidate: string(data)})
	})

	conn.SetReadDeadline(time.Time{})

	// The bridge may trickle candidates before its answer arrives, so they
	// are held until the remote description is set.
	wsCalls := make(chan Message, 4)
	readErr := make(chan error, 1)
	go func() {
		var pending []webrtc.ICECandidateInit
		answered := false
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case MsgTypeAnswer:
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
					readErr <- err
					return
				}
				answered = true
				for _, c := range pending {
					pc.AddICECandidate(c)
				}
				pending = nil
			case MsgTypeCandidate:
				var init webrtc.ICECandidateInit
				if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
					continue
				}
				if answered {
					pc.AddICECandidate(init)
				} else {
					pending = append(pending, init)
				}
			case MsgTypeCall:
				wsCalls <- msg
			}
		}
	}()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if err := writeJSON(Message{Type: MsgTypeOffer, SDP: offer.SDP}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	select {
	case <-opened:
	case err := <-readErr:
		t.Fatalf("SetRemoteDescription rejected the answer: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("DataChannel did not open")
	}
	waitFor(t, "bridge side of the DataChannel", func() bool { return pageHasChannel(s, true) })

	task := mainthread.Task{Instance: "inst-1", Callback: "cbMsgS", Arg: "hello"}
	if err := s.Invoke(context.Background(), task); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	select {
	case call := <-dcCalls:
		if call.Type != MsgTypeCall || call.Callback != task.Callback || call.Arg != task.Arg {
			t.Errorf("call mismatch: got %+v, want %+v", call, task)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not arrive over the DataChannel")
	}
	select {
	case call := <-wsCalls:
		t.Errorf("call also arrived over the WebSocket: %+v", call)
	default:
	}

	// Once the channel closes, calls go back to the WebSocket.
	dc.Close()
	waitFor(t, "bridge to drop the closed DataChannel", func() bool { return pageHasChannel(s, false) })

	task.Arg = "fallback"
	if err := s.Invoke(context.Background(), task); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	select {
	case call := <-wsCalls:
		if call.Arg != "fallback" {
			t.Errorf("Arg mismatch: got %q, want %q", call.Arg, "fallback")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not fall back to the WebSocket")
	}
}
