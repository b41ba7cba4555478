package server

import (
	"context"
	"log"
)

// ClientConn is the part of a WebSocket connection the hub writes to.
type ClientConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

type directed struct {
	client ClientConn
	msg    Message
}

// Hub manages WebSocket clients. All writes to clients happen on the Run
// goroutine, so a connection never sees concurrent writers.
type Hub struct {
	clients    map[ClientConn]bool
	broadcast  chan Message
	send       chan directed
	register   chan ClientConn
	unregister chan ClientConn
	done       chan struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[ClientConn]bool),
		broadcast:  make(chan Message, 32),
		send:       make(chan directed, 32),
		register:   make(chan ClientConn),
		unregister: make(chan ClientConn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			log.Printf("[Server] WebSocket client connected (%d total).", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				log.Println("[Server] WebSocket client disconnected.")
			}
		case d := <-h.send:
			if !h.clients[d.client] {
				continue
			}
			if err := d.client.WriteJSON(d.msg); err != nil {
				log.Printf("[Server] Write error: %v", err)
				h.drop(d.client)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteJSON(message); err != nil {
					log.Printf("[Server] Broadcast error: %v", err)
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client ClientConn) {
	client.Close()
	delete(h.clients, client)
}

// Register adds a client. Messages sent before registration are the caller's
// to write.
func (h *Hub) Register(client ClientConn) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes and closes a client.
func (h *Hub) Unregister(client ClientConn) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Send writes a message to one client.
func (h *Hub) Send(client ClientConn, msg Message) {
	select {
	case h.send <- directed{client: client, msg: msg}:
	case <-h.done:
	}
}
