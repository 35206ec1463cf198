package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/douyutap/internal/util"
)

const writeTimeout = 5 * time.Second

// page is one connected browser page. WebSocket writes are serialized by
// wsMu; once the page has upgraded to a DataChannel, calls go there instead.
type page struct {
	conn     *websocket.Conn
	remote   string
	instance string // empty watches every instance

	wsMu sync.Mutex

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	channel *channel
}

func newPage(conn *websocket.Conn, instance string) *page {
	return &page{
		conn:     conn,
		remote:   conn.RemoteAddr().String(),
		instance: instance,
	}
}

func (p *page) watches(instance string) bool {
	return p.instance == "" || p.instance == instance
}

// sendWS writes a message to the WebSocket, guarded by a mutex.
func (p *page) sendWS(msg Message) error {
	p.wsMu.Lock()
	defer p.wsMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(msg)
}

// deliver sends an encoded call over the DataChannel when one is open,
// otherwise over the WebSocket.
func (p *page) deliver(ctx context.Context, data []byte) error {
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()

	if ch != nil {
		return ch.send(ctx, data)
	}

	p.wsMu.Lock()
	defer p.wsMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// watch reads signaling messages from the page until the WebSocket closes.
func (p *page) watch() error {
	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read page message: %w", err)
		}

		switch msg.Type {
		case MsgTypeOffer:
			if err := p.answer(msg.SDP); err != nil {
				util.LogWarning("DataChannel upgrade for %s failed: %v", p.remote, err)
			}

		case MsgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				util.LogDebug("failed to parse ICE candidate from %s: %v", p.remote, err)
				continue
			}
			p.mu.Lock()
			pc := p.pc
			p.mu.Unlock()
			if pc == nil {
				continue
			}
			if err := pc.AddICECandidate(init); err != nil {
				util.LogDebug("AddICECandidate from %s failed: %v", p.remote, err)
			}
		}
	}
}

// answer sets up the page's PeerConnection from its offer and sends back the
// answer. The DataChannel replaces the WebSocket for calls once it opens.
func (p *page) answer(sdp string) error {
	pc, err := newPeerConnection()
	if err != nil {
		return err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return err
	}

	p.mu.Lock()
	old := p.pc
	p.pc = pc
	p.channel = nil
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	dc.OnOpen(func() {
		p.mu.Lock()
		if p.pc == pc {
			p.channel = newChannel(dc)
		}
		p.mu.Unlock()
		util.LogInfo("page %s upgraded to DataChannel", p.remote)
	})
	dc.OnClose(func() {
		p.mu.Lock()
		if p.pc == pc {
			p.channel = nil
		}
		p.mu.Unlock()
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Error intentionally ignored: candidates are best-effort.
		p.sendWS(Message{Type: MsgTypeCandidate, Candidate: string(data)})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}

	return p.sendWS(Message{Type: MsgTypeAnswer, SDP: answer.SDP})
}

// close releases the WebSocket and any PeerConnection.
func (p *page) close() {
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.channel = nil
	p.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	p.conn.Close()
}
