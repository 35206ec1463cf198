package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/douyutap/internal/mainthread"
	"github.com/1ureka/douyutap/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the WebSocket script bridge. Every connected page receives the
// registered callback names and then one message per callback invocation.
type Server struct {
	listener net.Listener

	mu        sync.RWMutex
	pages     map[*page]struct{}
	callbacks []string
	closed    bool
}

// NewServer creates a bridge server; call Start to begin listening.
func NewServer() *Server {
	return &Server{pages: make(map[*page]struct{})}
}

// Start begins listening on addr (":0" picks a random port). Returns the
// assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start bridge server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

// Register records the callback names and announces them to every page.
func (s *Server) Register(client, server string) {
	s.mu.Lock()
	s.callbacks = []string{client, server}
	pages := s.snapshotLocked()
	s.mu.Unlock()

	for _, p := range pages {
		if err := p.sendWS(Message{Type: MsgTypeRegister, Callbacks: []string{client, server}}); err != nil {
			util.LogWarning("failed to announce callbacks to %s: %v", p.remote, err)
		}
	}
}

// Invoke delivers a callback to every page watching t.Instance. It runs on
// the main loop.
func (s *Server) Invoke(ctx context.Context, t mainthread.Task) error {
	data, err := json.Marshal(callMessage(t))
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}

	s.mu.RLock()
	pages := s.snapshotLocked()
	s.mu.RUnlock()

	var errs []error
	delivered := 0
	for _, p := range pages {
		if !p.watches(t.Instance) {
			continue
		}
		if err := p.deliver(ctx, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.remote, err))
			s.drop(p)
			continue
		}
		delivered++
	}

	if delivered == 0 && len(errs) == 0 {
		util.LogDebug("[%08x] %s: no page attached", util.InstanceTag(t.Instance), t.Callback)
	}
	return errors.Join(errs...)
}

// PageCount returns the number of connected pages.
func (s *Server) PageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// Close shuts down the listener and disconnects every page.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	pages := s.snapshotLocked()
	s.pages = make(map[*page]struct{})
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, p := range pages {
		p.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := newPage(conn, r.URL.Query().Get("instance"))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.pages[p] = struct{}{}
	callbacks := append([]string(nil), s.callbacks...)
	s.mu.Unlock()

	util.LogInfo("page connected from %s", p.remote)

	if len(callbacks) > 0 {
		if err := p.sendWS(Message{Type: MsgTypeRegister, Callbacks: callbacks}); err != nil {
			util.LogWarning("failed to announce callbacks to %s: %v", p.remote, err)
		}
	}

	go func() {
		if err := p.watch(); err != nil {
			util.LogDebug("page %s disconnected: %v", p.remote, err)
		}
		s.drop(p)
	}()
}

// drop removes a page and releases its connections.
func (s *Server) drop(p *page) {
	s.mu.Lock()
	_, ok := s.pages[p]
	delete(s.pages, p)
	s.mu.Unlock()

	if ok {
		p.close()
		util.LogInfo("page %s removed", p.remote)
	}
}

func (s *Server) snapshotLocked() []*page {
	pages := make([]*page, 0, len(s.pages))
	for p := range s.pages {
		pages = append(pages, p)
	}
	return pages
}
