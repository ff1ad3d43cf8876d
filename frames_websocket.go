package main

import (
	"encoding/hex"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FlUxIuS/nfc-laboratory/nfc"
)

// FrameHub streams decoded frames to websocket clients as JSON, one
// message per frame
type FrameHub struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	mu       sync.Mutex
}

// NewFrameHub creates an empty hub
func NewFrameHub() *FrameHub {
	return &FrameHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// peer goes away
func (h *FrameHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("websocket: client connected (%d active)", count)

	// drain and discard client messages, unregister on error
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

// drop unregisters and closes a client connection
func (h *FrameHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// PublishFrame broadcasts one decoded frame to every client
func (h *FrameHub) PublishFrame(frame nfc.Frame) {
	msg := FramePayload{
		Timestamp: time.Now().UnixMilli(),
		Tech:      frame.Tech.String(),
		Rate:      frame.Rate,
		Direction: frame.Direction.String(),
		Start:     frame.Start,
		End:       frame.End,
		Payload:   hex.EncodeToString(frame.Payload),
		CRCOk:     frame.HasCRC(),
		ParityOk:  frame.HasParity(),
		Short:     frame.IsShort(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}
