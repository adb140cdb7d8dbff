// Package websocket pushes live report progress to connected subscribers.
// Clients subscribe to report topics over one connection; the hub broadcasts
// every step/progress change and the terminal transition. The push channel is
// a read adapter over the authoritative report row, never a second source of
// truth: a client that misses an update falls back to polling the status API.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartaudit/chartaudit/internal/domain/report"
)

// ReportTopic names the subscription topic for one report's updates.
func ReportTopic(reportID string) string {
	return "report:" + reportID
}

// Event is one push notification.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// progressData is the payload of a report.progress event.
type progressData struct {
	EncounterID     string `json:"encounter_id"`
	ReportID        string `json:"report_id"`
	CurrentStep     string `json:"current_step"`
	ProgressPercent int    `json:"progress_percent"`
}

// terminalData is the payload of report.complete / report.failed events.
type terminalData struct {
	ReportID           string  `json:"report_id"`
	EncounterID        string  `json:"encounter_id"`
	Status             string  `json:"status"`
	IncrementalRevenue float64 `json:"incremental_revenue,omitempty"`
	ErrorMessage       string  `json:"error_message,omitempty"`
}

// ClientMessage is an inbound subscription command.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn abstracts a websocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single connected subscriber.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	conn   Conn
}

// Hub tracks clients and their topic subscriptions. It implements both the
// progress sink and the terminal-state notifier, so one wiring covers every
// push the pipeline produces.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister removes a client from every topic and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to an already-registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
	client.Topics = append(client.Topics, topics...)
}

// Unsubscribe removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
	}

	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound client command.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to every client subscribed to its topic. A client
// whose buffer is full misses the update and is expected to poll; the miss is
// logged, never silent.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", event.Topic).Msg("marshal push event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[event.Topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().
				Str("client_id", client.ID).
				Str("topic", event.Topic).
				Msg("push buffer full, client must poll")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ReportProgress pushes a step/progress change to the report's subscribers.
func (h *Hub) ReportProgress(_ context.Context, encounterID, reportID string, step report.Step, percent int) {
	data, _ := json.Marshal(progressData{
		EncounterID:     encounterID,
		ReportID:        reportID,
		CurrentStep:     string(step),
		ProgressPercent: percent,
	})
	h.Broadcast(Event{
		Type:      "report.progress",
		Topic:     ReportTopic(reportID),
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// ReportCompleted pushes the terminal COMPLETE event.
func (h *Hub) ReportCompleted(_ context.Context, r *report.Report) {
	data, _ := json.Marshal(terminalData{
		ReportID:           r.ID.String(),
		EncounterID:        r.EncounterID.String(),
		Status:             string(r.Status),
		IncrementalRevenue: r.IncrementalRevenue,
	})
	h.Broadcast(Event{
		Type:      "report.complete",
		Topic:     ReportTopic(r.ID.String()),
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// ReportFailed pushes the terminal FAILED event.
func (h *Hub) ReportFailed(_ context.Context, r *report.Report) {
	td := terminalData{
		ReportID:    r.ID.String(),
		EncounterID: r.EncounterID.String(),
		Status:      string(r.Status),
	}
	if r.ErrorMessage != nil {
		td.ErrorMessage = *r.ErrorMessage
	}
	data, _ := json.Marshal(td)
	h.Broadcast(Event{
		Type:      "report.failed",
		Topic:     ReportTopic(r.ID.String()),
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// NewClient builds a client around a connection. Exported for tests.
func NewClient(conn Conn, topics ...string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, 256),
		conn:   conn,
	}
}
