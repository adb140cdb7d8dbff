package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// retryDelays is the backoff schedule between attempts. Attempt n waits
// retryDelays[n-1] after failure n; attempts beyond the table reuse the last
// delay.
var retryDelays = []time.Duration{1 * time.Second, 30 * time.Second, 5 * time.Minute}

// Dispatcher drains due deliveries from the store and performs the outbound
// HTTP calls. One dispatcher per process is enough; deliveries it crashes on
// stay RETRYING and are picked up after restart.
type Dispatcher struct {
	store      Store
	httpClient *http.Client
	interval   time.Duration
	batchSize  int
	logger     zerolog.Logger
}

type DispatcherOption func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithPollInterval overrides how often the store is polled for due work.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.interval = interval }
}

func NewDispatcher(store Store, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		interval:   time.Second,
		batchSize:  50,
		logger:     logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run polls for due deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				d.logger.Error().Err(err).Msg("webhook drain")
			}
		}
	}
}

// Drain attempts every delivery that is currently due. Exported so tests and
// the dispatcher loop share one code path.
func (d *Dispatcher) Drain(ctx context.Context) error {
	due, err := d.store.ListDue(ctx, time.Now().UTC(), d.batchSize)
	if err != nil {
		return fmt.Errorf("list due deliveries: %w", err)
	}
	for _, delivery := range due {
		d.attempt(ctx, delivery)
	}
	return nil
}

// attempt performs one outbound call and updates the delivery's retry state.
func (d *Dispatcher) attempt(ctx context.Context, delivery *Delivery) {
	ep, err := d.store.GetEndpoint(ctx, delivery.EndpointID)
	if err != nil {
		// Endpoint deleted since enqueue; the delivery can never succeed.
		d.fail(ctx, delivery, fmt.Sprintf("endpoint gone: %v", err))
		return
	}

	delivery.Attempt++
	delivery.UpdatedAt = time.Now().UTC()

	statusCode, body, callErr := d.post(ctx, ep.URL, delivery)
	delivery.StatusCode = statusCode
	delivery.ResponseBody = body

	if callErr == nil && statusCode >= 200 && statusCode < 300 {
		delivery.Status = StatusDelivered
		delivery.Error = ""
		delivery.NextAttemptAt = nil
		if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
			d.logger.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("record delivered")
		}
		d.logger.Info().
			Str("delivery_id", delivery.ID.String()).
			Str("event", delivery.Event).
			Int("attempt", delivery.Attempt).
			Msg("webhook delivered")
		return
	}

	if callErr != nil {
		delivery.Error = callErr.Error()
	} else {
		delivery.Error = fmt.Sprintf("non-2xx response: %d", statusCode)
	}

	if delivery.Attempt >= delivery.MaxAttempts {
		d.fail(ctx, delivery, delivery.Error)
		return
	}

	next := time.Now().UTC().Add(backoff(delivery.Attempt))
	delivery.Status = StatusRetrying
	delivery.NextAttemptAt = &next
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		d.logger.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("record retry")
	}
	d.logger.Warn().
		Str("delivery_id", delivery.ID.String()).
		Str("event", delivery.Event).
		Int("attempt", delivery.Attempt).
		Time("next_attempt_at", next).
		Str("error", delivery.Error).
		Msg("webhook attempt failed")
}

func (d *Dispatcher) fail(ctx context.Context, delivery *Delivery, reason string) {
	delivery.Status = StatusFailed
	delivery.Error = reason
	delivery.NextAttemptAt = nil
	delivery.UpdatedAt = time.Now().UTC()
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		d.logger.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("record failed")
	}
	d.logger.Error().
		Str("delivery_id", delivery.ID.String()).
		Str("event", delivery.Event).
		Int("attempt", delivery.Attempt).
		Str("error", reason).
		Msg("webhook delivery failed")
}

func (d *Dispatcher) post(ctx context.Context, endpointURL string, delivery *Delivery) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+delivery.Signature)
	req.Header.Set("X-Chartaudit-Delivery", delivery.ID.String())
	req.Header.Set("X-Chartaudit-Event", delivery.Event)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	// Read at most 1KB of response body for the delivery log.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, string(body), nil
}

func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return retryDelays[0]
	}
	if attempt > len(retryDelays) {
		return retryDelays[len(retryDelays)-1]
	}
	return retryDelays[attempt-1]
}
