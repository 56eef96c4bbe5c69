// -----------------------------------------------------------------------
// Logs handler - WebSocket firehose of formatted log lines
// -----------------------------------------------------------------------

package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
)

const (
	// logClientQueueSize bounds each client's backlog; overflow drops
	// the oldest line
	logClientQueueSize = 100

	// arborChannelBuffer holds log batches from the process logger
	arborChannelBuffer = 10

	logWriteTimeout = 10 * time.Second
)

// LogsHandler broadcasts job events and process log lines to all
// connected WebSocket clients. Two sources feed it: the event bus
// (job lifecycle, progress, pipeline logs) and the arbor log channel
// (every service's own log output). Clients never send interpreted
// messages; the socket is bidirectional only so connections can be
// policed.
type LogsHandler struct {
	bus      interfaces.EventBus
	logger   arbor.ILogger
	upgrader websocket.Upgrader
	logCh    chan []arbormodels.LogEvent
	done     chan struct{}

	mu        sync.Mutex
	clients   map[*logClient]struct{}
	sub       interfaces.Subscription
	closeOnce sync.Once
}

type logClient struct {
	conn *websocket.Conn
	send chan string
}

// NewLogsHandler creates the handler and starts the broadcast loop
func NewLogsHandler(bus interfaces.EventBus, logger arbor.ILogger) *LogsHandler {
	h := &LogsHandler{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the server middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*logClient]struct{}),
		logCh:   make(chan []arbormodels.LogEvent, arborChannelBuffer),
		done:    make(chan struct{}),
	}

	h.sub = bus.SubscribeAll()
	go h.broadcastLoop()
	go h.arborLoop()
	return h
}

// LogChannel exposes the channel the process logger writes batches to.
// Register it with arbor via SetChannel so every service's log output
// reaches the firehose, not just bus events.
func (h *LogsHandler) LogChannel() chan []arbormodels.LogEvent {
	return h.logCh
}

// StreamHandler serves GET /ws/logs
func (h *LogsHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &logClient{
		conn: conn,
		send: make(chan string, logClientQueueSize),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("Log stream client connected")

	go h.writePump(client)
	h.readPump(client)
}

// Close ends the broadcast loops and disconnects every client. Safe to
// call more than once.
func (h *LogsHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.sub.Close()
	})
}

// broadcast fans a line out to every connected client
func (h *LogsHandler) broadcast(line string) {
	h.mu.Lock()
	for client := range h.clients {
		client.enqueue(line)
	}
	h.mu.Unlock()
}

// arborLoop drains log batches from the process logger. Debug noise and
// the handler's own connection messages are filtered so the firehose
// does not feed on itself.
func (h *LogsHandler) arborLoop() {
	for {
		select {
		case batch := <-h.logCh:
			for _, entry := range batch {
				if entry.Level < plog.InfoLevel {
					continue
				}
				if strings.Contains(entry.Message, "Log stream client") {
					continue
				}
				h.broadcast(formatArborLine(entry))
			}
		case <-h.done:
			return
		}
	}
}

func (h *LogsHandler) broadcastLoop() {
	for event := range h.sub.Events() {
		h.broadcast(formatLogLine(event))
	}

	// Subscription closed; drop all clients
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*logClient]struct{})
	h.mu.Unlock()
}

// enqueue adds the line, evicting the oldest entry when the queue is full
func (c *logClient) enqueue(line string) {
	for {
		select {
		case c.send <- line:
			return
		default:
			select {
			case <-c.send:
			default:
			}
		}
	}
}

func (h *LogsHandler) writePump(client *logClient) {
	defer client.conn.Close()

	for line := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(logWriteTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}
}

// readPump discards client messages and detects disconnect
func (h *LogsHandler) readPump(client *logClient) {
	defer h.removeClient(client)

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LogsHandler) removeClient(client *logClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}

// formatLogLine renders an event as `<ISO-ts> - <LEVEL> - <message>`
func formatLogLine(event models.JobEvent) string {
	level := "INFO"
	message := fmt.Sprintf("job %s %s", event.JobID, event.EventType)

	switch event.EventType {
	case models.EventLog:
		if l, ok := event.Data["level"].(string); ok && l != "" {
			level = strings.ToUpper(l)
		}
		if m, ok := event.Data["message"].(string); ok {
			message = fmt.Sprintf("job %s: %s", event.JobID, m)
		}
	case models.EventJobProgress:
		if p, ok := event.Data["progress"].(float64); ok {
			message = fmt.Sprintf("job %s progress %.1f%%", event.JobID, p*100)
		}
	case models.EventJobFailed:
		level = "ERROR"
		if m, ok := event.Data["message"].(string); ok && m != "" {
			message = fmt.Sprintf("job %s failed: %s", event.JobID, m)
		}
	}

	return fmt.Sprintf("%s - %s - %s", event.Timestamp.Format(time.RFC3339), level, message)
}

// formatArborLine renders a process log entry in the same shape
func formatArborLine(entry arbormodels.LogEvent) string {
	return fmt.Sprintf("%s - %s - %s",
		entry.Timestamp.Format(time.RFC3339),
		strings.ToUpper(entry.Level.String()),
		entry.Message)
}
