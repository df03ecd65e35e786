// Package gateway pushes lobby and session events to attached UI
// clients over websocket. It carries only the event feed; building any
// markup or board rendering out of it is the client's business.
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mabbas/chess-lobby/internal/obslog"
)

// Event is one typed push to the UI.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Common event types.
const (
	EventRoster    = "roster"
	EventChallenge = "challenge"
	EventGame      = "game"
)

type clientEntry struct {
	id   int
	conn *websocket.Conn
	send chan Event
}

type Server struct {
	mu      sync.RWMutex
	clients map[int]*clientEntry
	nextID  int
	httpSrv *http.Server
}

func NewServer() *Server {
	return &Server{clients: make(map[int]*clientEntry)}
}

// ListenAndServe accepts websocket clients on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	obslog.L().Info("gateway_listen", zap.String("addr", ln.Addr().String()))
	return s.httpSrv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, c := range s.clients {
		close(c.send)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("gateway_accept_error", zap.Error(err))
		return
	}

	entry := &clientEntry{conn: conn, send: make(chan Event, 32)}
	s.mu.Lock()
	s.nextID++
	entry.id = s.nextID
	s.clients[entry.id] = entry
	s.mu.Unlock()
	obslog.L().Info("gateway_client_attach", zap.Int("client_id", entry.id))

	ctx := r.Context()
	go func() {
		// The gateway is push-only; reads exist to notice the close.
		for {
			if _, _, rerr := conn.Read(ctx); rerr != nil {
				s.drop(entry.id)
				return
			}
		}
	}()

	for ev := range entry.send {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		werr := wsjson.Write(wctx, conn, ev)
		cancel()
		if werr != nil {
			s.drop(entry.id)
			return
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
}

func (s *Server) drop(id int) {
	s.mu.Lock()
	entry, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
		close(entry.send)
	}
	s.mu.Unlock()
	if ok {
		_ = entry.conn.Close(websocket.StatusNormalClosure, "detached")
		obslog.L().Info("gateway_client_detach", zap.Int("client_id", id))
	}
}

// Broadcast queues the event for every attached client. A client that
// cannot keep up loses events rather than stalling the feed; the next
// full-record event supersedes anything dropped.
func (s *Server) Broadcast(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

// ClientCount reports attached clients; used by tests and shutdown
// logging.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
