// Package observe exposes the coordinator's event stream to local operator
// tooling over WebSocket. Read-only: clients watch, they cannot mutate room
// state through this surface.
package observe

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomloop/roomloop/pkg/bus"
	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // same-origin requests have no Origin header
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1"} {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		logger.WarnCF("observe", "Rejected WebSocket from disallowed origin", map[string]interface{}{"origin": origin})
		return false
	},
}

// client is one connected watcher.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed bridges bus events to WebSocket watchers.
type Feed struct {
	addr    string
	mb      *bus.MessageBus
	clients map[*client]bool
	mu      sync.Mutex
}

// New creates a feed listening on addr.
func New(addr string, mb *bus.MessageBus) *Feed {
	return &Feed{addr: addr, mb: mb, clients: map[*client]bool{}}
}

// Run serves the feed until ctx ends.
func (f *Feed) Run(ctx context.Context) {
	events := f.mb.SubscribeEvents("observe")

	mux := http.NewServeMux()
	mux.HandleFunc("/events", f.handleWS)
	server := &http.Server{Addr: f.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go f.broadcastLoop(ctx, events)

	logger.InfoCF("observe", "Event feed listening", map[string]interface{}{"addr": f.addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.ErrorCF("observe", "Event feed stopped", map[string]interface{}{"error": err.Error()})
	}
}

func (f *Feed) broadcastLoop(ctx context.Context, events <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			event, ok := raw.(domain.Event)
			if !ok {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			f.mu.Lock()
			for cl := range f.clients {
				select {
				case cl.send <- data:
				default: // drop for slow watchers
				}
			}
			f.mu.Unlock()
		}
	}
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, 64)}

	f.mu.Lock()
	f.clients[cl] = true
	f.mu.Unlock()
	logger.DebugC("observe", "Watcher connected")

	go cl.writeLoop()
	go f.readLoop(cl)
}

func (f *Feed) drop(cl *client) {
	f.mu.Lock()
	if f.clients[cl] {
		delete(f.clients, cl)
		close(cl.send)
	}
	f.mu.Unlock()
	cl.conn.Close()
}

// readLoop discards client frames; the feed is one-way. A read error means
// the watcher went away.
func (f *Feed) readLoop(cl *client) {
	defer f.drop(cl)
	cl.conn.SetReadLimit(512)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (cl *client) writeLoop() {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case data, ok := <-cl.send:
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
