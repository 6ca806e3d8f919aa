// Package progress streams export progress to external viewers over
// WebSocket. The last event is cached and replayed to new subscribers.
package progress

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/util"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Event types.
const (
	TypeProgress = "progress"
	TypeDone     = "done"
	TypeError    = "error"
)

// Event is one message on the wire.
type Event struct {
	Type    string  `json:"type"`
	Segment int     `json:"segment"`
	Frames  uint64  `json:"frames"`
	Total   uint64  `json:"total"`
	Ratio   float64 `json:"ratio"`
	Path    string  `json:"path,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Hub fans events out to subscribers. A subscriber that falls behind is
// dropped rather than slowing the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- []byte
	last        []byte
	closed      bool
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan<- []byte)}
}

// Subscribe registers id and replays the last event if there is one.
func (h *Hub) Subscribe(id string, bufferSize int) <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan []byte, bufferSize)
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[id] = ch
	if h.last != nil {
		select {
		case ch <- h.last:
		default:
		}
	}
	util.GetLogger().Debug("Progress subscriber added", "id", id, "total", len(h.subscribers))
	return ch
}

// Unsubscribe removes id and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish encodes ev and sends it to every subscriber.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		util.GetLogger().Warn("Failed to encode progress event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = data
	for id, ch := range h.subscribers {
		select {
		case ch <- data:
		default:
			util.GetLogger().Warn("Dropping slow progress subscriber", "id", id)
			close(ch)
			delete(h.subscribers, id)
		}
	}
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeHTTP upgrades the request and streams events until the hub closes
// or the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.GetLogger().Warn("Failed to upgrade progress connection", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	events := h.Subscribe(id, subscriberBuffer)
	defer h.Unsubscribe(id)

	// Reading is only needed to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// Server serves a Hub on one address.
type Server struct {
	Hub  *Hub
	srv  *http.Server
	addr net.Addr
}

// Listen starts serving a new hub on addr at path "/progress".
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	hub := NewHub()
	mux := http.NewServeMux()
	mux.Handle("/progress", hub)
	s := &Server{
		Hub:  hub,
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		addr: ln.Addr(),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.GetLogger().Error("Progress server stopped", "error", err)
		}
	}()
	util.GetLogger().Info("Progress server listening", "addr", s.addr.String())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Close ends subscriptions and shuts the server down.
func (s *Server) Close(ctx context.Context) error {
	s.Hub.Close()
	return s.srv.Shutdown(ctx)
}
