// Package stream broadcasts bucket-flush events to websocket clients for
// operational visibility into the aggregation engine. It carries no
// feature surface beyond that.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/tinyagg/pkg/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// FlushEvent is the JSON payload broadcast whenever an aggregator flushes
// a bucket.
type FlushEvent struct {
	Aggregate string `json:"aggregate"`
	BucketKey string `json:"bucket_key"`
	TsBegin   int64  `json:"ts_begin"`
	TsEnd     int64  `json:"ts_end"`
	AggrCnt   int32  `json:"aggr_cnt"`
}

// Hub manages websocket connections and fans FlushEvents out to all of
// them. Connection bookkeeping (add/remove) goes straight through mu
// rather than being funneled through a register/unregister channel pair
// into a serializing select loop — the same direct mutex-guarded map
// access pkg/aggregate's shardMap uses for its own concurrent map, scaled
// down to one shard since a flush-event hub's client count never
// approaches bucket-map cardinality. Only Broadcast stays channel-based,
// since its non-blocking-drop behavior is the one piece of this type that
// actually needs a queue rather than a lock.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
}

// NewHub creates a new Hub. Call Run in a goroutine to start its loop.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, config.WSBroadcastBuffer),
	}
}

// add registers conn as a live client.
func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

// remove drops conn from the live set and closes it, if it was still
// registered.
func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Run services broadcasts until ctx is cancelled, at which point it closes
// every live connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.remove(conn)
			}
		}
	}
}

// Broadcast marshals ev and queues it for every connected client, dropping
// it if the broadcast buffer is full rather than blocking the flush path.
func (h *Hub) Broadcast(ev FlushEvent) {
	message, err := json.Marshal(ev)
	if err != nil {
		log.Printf("stream: failed to marshal flush event: %v", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		log.Printf("stream: broadcast buffer full, dropping flush event for %q", ev.BucketKey)
	}
}

// HasClients reports whether any client is currently connected, so callers
// can skip expensive work when nobody is listening.
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ServeWS upgrades r into a websocket connection registered with the hub,
// and blocks until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream: websocket upgrade failed: %v", err)
		return
	}

	h.add(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.remove(conn)
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("stream: websocket error: %v", err)
			}
			break
		}
	}
}
