package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nadavbarak14/agentide/internal/event"
	"github.com/nadavbarak14/agentide/internal/logging"
)

const (
	// eventSendBuffer is the per-connection backlog. Events published while
	// it is full are dropped for that connection.
	eventSendBuffer = 256
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
	pongWait        = 2 * pingInterval
)

// EventsHandler streams bus events to WebSocket clients.
type EventsHandler struct {
	bus      *event.Bus
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

func NewEventsHandler(bus *event.Bus, logger *logging.Logger) *EventsHandler {
	return &EventsHandler{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Stream handles GET /api/events. An optional comma separated "types" query
// parameter limits the stream to those event types.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var types map[string]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			types[strings.TrimSpace(t)] = true
		}
	}

	sendCh := make(chan []byte, eventSendBuffer)
	done := make(chan struct{})
	log := h.logger.With("request_id", GetRequestID(r))

	// Subscribe before upgrading so nothing published after the handshake
	// is missed. Publish runs under the scheduler lock and must not block.
	subID := h.bus.SubscribeAll(func(e event.Event) {
		if types != nil && !types[e.EventType()] {
			return
		}
		data, err := event.Encode(e)
		if err != nil {
			log.Warn("failed to encode event", "type", e.EventType(), "error", err)
			return
		}
		select {
		case sendCh <- data:
		case <-done:
		default:
			log.Warn("event stream backlog full, dropping event", "type", e.EventType())
		}
	})
	defer h.bus.Unsubscribe(subID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go func() {
		defer close(done)
		h.readPump(conn)
	}()
	h.writePump(conn, sendCh, done)
}

// readPump discards client messages and returns when the connection closes.
func (h *EventsHandler) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHandler) writePump(conn *websocket.Conn, sendCh <-chan []byte, done <-chan struct{}) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case data := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
