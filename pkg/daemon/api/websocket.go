package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"sitekeeper/pkg/events"
	"sitekeeper/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local-only daemon
	},
}

// Hub fan-outs bus events to connected websocket clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan interface{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.Mutex
	log        logger.Logger
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan interface{}, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		log:        log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			h.log.Debug("ws client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mutex.Unlock()
			h.log.Debug("ws client disconnected")

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(message); err != nil {
					h.log.Warn("ws write failed", logger.Error(err))
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (s *Server) handleWebSocket(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("ws upgrade failed", logger.Error(err))
			return
		}

		hub.register <- conn

		go func() {
			defer func() {
				hub.unregister <- conn
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
		}()
	}
}

// bridgeEvents forwards every bus event of interest to websocket clients as
// {type, data} messages.
func bridgeEvents(bus *events.Bus, hub *Hub) {
	forward := func(t events.EventType) {
		bus.Subscribe(t, func(e events.Event) {
			hub.broadcast <- map[string]interface{}{
				"type": string(e.Type),
				"data": e.Payload,
			}
		})
	}

	forward(events.SiteCreated)
	forward(events.SiteStarted)
	forward(events.SiteStopped)
	forward(events.SiteArchived)
	forward(events.SiteRestored)
	forward(events.SiteDeleted)
	forward(events.SiteError)
	forward(events.SitesUpdated)
	forward(events.LogEntry)
}
