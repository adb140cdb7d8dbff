// Package webhook delivers signed event notifications to subscriber
// endpoints. Deliveries carry their own retry state (attempt number,
// next-eligible time) in the store, so retries survive process restarts and
// never block the pipeline that produced the event.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// prefixed with the algorithm tag.
const SignatureHeader = "X-Chartaudit-Signature"

// Endpoint is a registered webhook destination: (url, secret, events) owned
// by a user.
type Endpoint struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryStatus is the terminal-or-pending state of one notification.
type DeliveryStatus string

const (
	StatusRetrying  DeliveryStatus = "RETRYING"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusFailed    DeliveryStatus = "FAILED"
)

// Delivery is one attempted notification. A delivery is immutable once
// DELIVERED; FAILED is reached only after the attempt ceiling.
type Delivery struct {
	ID         uuid.UUID      `json:"id"`
	EndpointID uuid.UUID      `json:"endpoint_id"`
	Event      string         `json:"event"`
	Payload    []byte         `json:"payload"`
	Signature  string         `json:"signature"`
	Status     DeliveryStatus `json:"status"`
	// Attempt counts completed delivery attempts; NextAttemptAt is when the
	// dispatcher may try again while Status is RETRYING.
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	StatusCode    int        `json:"status_code,omitempty"`
	ResponseBody  string     `json:"response_body,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EventData is the data block of the wire payload.
type EventData struct {
	EncounterID uuid.UUID `json:"encounter_id"`
	ReportID    uuid.UUID `json:"report_id"`
	Status      string    `json:"status"`
}

// eventPayload is the full wire payload POSTed to subscribers.
type eventPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// Store is the persistence interface for endpoints and deliveries.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error)
	ListEndpoints(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*Endpoint, int, error)
	ListActiveEndpoints(ctx context.Context) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error

	CreateDelivery(ctx context.Context, d *Delivery) error
	UpdateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error)
	ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, int, error)
	// ListDue returns RETRYING deliveries whose next attempt time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the HMAC-SHA256 of
// payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// eventMatches reports whether the event name matches a subscription
// pattern. Patterns can be exact ("report.complete") or wildcard
// ("report.*", "*.failed").
func eventMatches(pattern, event string) bool {
	if pattern == event {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(event, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(event, pattern[:len(pattern)-1])
	}
	return false
}

func endpointMatches(ep *Endpoint, event string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, event) {
			return true
		}
	}
	return false
}

// Manager signs payloads and enqueues deliveries. Actual outbound calls are
// made by the Dispatcher, never on the caller's goroutine.
type Manager struct {
	store       Store
	maxAttempts int
	logger      zerolog.Logger
}

func NewManager(store Store, maxAttempts int, logger zerolog.Logger) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{store: store, maxAttempts: maxAttempts, logger: logger}
}

func (m *Manager) Store() Store {
	return m.store
}

// RegisterEndpoint validates and persists a new endpoint. An empty secret is
// replaced with a cryptographically random one, returned exactly once.
func (m *Manager) RegisterEndpoint(ctx context.Context, ownerID uuid.UUID, rawURL, secret string, events []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one subscribed event is required")
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}

	ep := &Endpoint{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// Publish fans an event out to every active, subscribed endpoint as a
// persisted delivery eligible for immediate dispatch. Store failures are
// logged and swallowed: notification must never fail the report.
func (m *Manager) Publish(ctx context.Context, event string, data EventData) {
	endpoints, err := m.store.ListActiveEndpoints(ctx)
	if err != nil {
		m.logger.Error().Err(err).Str("event", event).Msg("list webhook endpoints")
		return
	}

	payload, err := json.Marshal(eventPayload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("event", event).Msg("marshal webhook payload")
		return
	}

	now := time.Now().UTC()
	for _, ep := range endpoints {
		if !endpointMatches(ep, event) {
			continue
		}
		d := &Delivery{
			ID:            uuid.New(),
			EndpointID:    ep.ID,
			Event:         event,
			Payload:       payload,
			Signature:     SignPayload(payload, ep.Secret),
			Status:        StatusRetrying,
			Attempt:       0,
			MaxAttempts:   m.maxAttempts,
			NextAttemptAt: &now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.store.CreateDelivery(ctx, d); err != nil {
			m.logger.Error().Err(err).
				Str("endpoint_id", ep.ID.String()).
				Str("event", event).
				Msg("enqueue webhook delivery")
		}
	}
}

// TestEndpoint enqueues a ping delivery to a single endpoint regardless of
// its event subscriptions, so an integrator can verify the receiving side.
func (m *Manager) TestEndpoint(ctx context.Context, endpointID uuid.UUID) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(eventPayload{
		Event:     EventTest,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal test payload: %w", err)
	}

	now := time.Now().UTC()
	d := &Delivery{
		ID:            uuid.New(),
		EndpointID:    ep.ID,
		Event:         EventTest,
		Payload:       payload,
		Signature:     SignPayload(payload, ep.Secret),
		Status:        StatusRetrying,
		Attempt:       0,
		MaxAttempts:   m.maxAttempts,
		NextAttemptAt: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateDelivery(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// RetryDelivery requeues a FAILED delivery with a fresh attempt budget.
func (m *Manager) RetryDelivery(ctx context.Context, deliveryID uuid.UUID) (*Delivery, error) {
	d, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusFailed {
		return nil, fmt.Errorf("delivery %s is %s; only failed deliveries can be retried", d.ID, d.Status)
	}

	now := time.Now().UTC()
	d.Status = StatusRetrying
	d.Attempt = 0
	d.NextAttemptAt = &now
	d.Error = ""
	d.UpdatedAt = now
	if err := m.store.UpdateDelivery(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}
