package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/messaging/gatewayclient"
	"github.com/wolfman30/wa-lead-router/internal/notify"
	"github.com/wolfman30/wa-lead-router/internal/observability/metrics"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

const (
	defaultStaleAfter = 15 * time.Minute
	defaultBatchSize  = 25
)

// StatusLookup asks the gateway what happened to a message.
type StatusLookup interface {
	GetStatus(ctx context.Context, token, messageID string) (*gatewayclient.MessageStatus, error)
}

// Resender sends a failed entry again and logs the new attempt.
type Resender interface {
	Resend(ctx context.Context, original *Entry) (*Entry, error)
}

// CheckResult summarises a CheckPending pass.
type CheckResult struct {
	Checked      int
	Advanced     int
	Failed       int
	LookupErrors int
}

// Monitor reconciles the delivery log with the transports and retries
// failed sends on request.
type Monitor struct {
	store      Store
	lookup     StatusLookup
	resender   Resender
	settings   config.Provider
	alerter    notify.Alerter
	metrics    *metrics.RouterMetrics
	logger     *logging.Logger
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

// MonitorConfig wires the monitor. Lookup may be nil when the gateway is
// not configured; gateway entries then rely on staleness alone.
type MonitorConfig struct {
	Store      Store
	Lookup     StatusLookup
	Resender   Resender
	Settings   config.Provider
	Alerter    notify.Alerter
	Metrics    *metrics.RouterMetrics
	Logger     *logging.Logger
	StaleAfter time.Duration
	BatchSize  int
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Alerter == nil {
		cfg.Alerter = notify.NopAlerter{}
	}
	return &Monitor{
		store:      cfg.Store,
		lookup:     cfg.Lookup,
		resender:   cfg.Resender,
		settings:   cfg.Settings,
		alerter:    cfg.Alerter,
		metrics:    cfg.Metrics,
		logger:     logging.OrDefault(cfg.Logger).Component("delivery_monitor"),
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	if now != nil {
		m.now = now
	}
	return m
}

// CheckStatus refreshes one entry and returns its current status.
// Confirmed and failed entries are returned untouched. An entry still
// unconfirmed after the stale threshold becomes failed even when the
// lookup itself errored.
func (m *Monitor) CheckStatus(ctx context.Context, id uuid.UUID) (Status, error) {
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return m.check(ctx, e)
}

func (m *Monitor) check(ctx context.Context, e *Entry) (Status, error) {
	if !e.Status.Awaiting() {
		return e.Status, nil
	}
	now := m.now()

	var lookupErr error
	if e.Transport == TransportGateway && m.lookup != nil && e.TransportMessageID != "" {
		next, err := m.poll(ctx, e)
		switch {
		case err != nil:
			lookupErr = err
			m.logger.Warn("delivery status lookup failed", "delivery_id", e.ID, "transport_message_id", e.TransportMessageID, "error", err)
		case next == StatusFailed && e.Status.Advances(next):
			if err := m.fail(ctx, e, ReasonTransport, now); err != nil {
				return e.Status, err
			}
			return StatusFailed, nil
		case e.Status.Advances(next):
			if err := m.store.UpdateStatus(ctx, e.ID, next, "", now); err != nil {
				return e.Status, fmt.Errorf("delivery: update %s: %w", e.ID, err)
			}
			m.metrics.ObserveDeliveryStatus("poll", string(next))
			e.Status = next
		}
	}

	if e.Stale(now, m.staleAfter) {
		if err := m.fail(ctx, e, ReasonStalePending, now); err != nil {
			return e.Status, err
		}
		return StatusFailed, nil
	}
	if lookupErr != nil {
		return e.Status, fmt.Errorf("%w: %w", ErrLookupFailed, lookupErr)
	}
	if e.Status.Awaiting() {
		// touch so the batch rotates through the backlog
		if err := m.store.UpdateStatus(ctx, e.ID, e.Status, "", now); err != nil {
			return e.Status, fmt.Errorf("delivery: touch %s: %w", e.ID, err)
		}
	}
	return e.Status, nil
}

func (m *Monitor) poll(ctx context.Context, e *Entry) (Status, error) {
	identity := e.Identity
	if identity == "" {
		identity = "GATEWAY_TOKEN"
	}
	token, err := config.Require(m.settings, identity)
	if err != nil {
		return "", err
	}
	raw, err := m.lookup.GetStatus(ctx, token, e.TransportMessageID)
	if err != nil {
		return "", err
	}
	return MapGatewayStatus(raw.Status), nil
}

func (m *Monitor) fail(ctx context.Context, e *Entry, reason string, now time.Time) error {
	if err := m.store.UpdateStatus(ctx, e.ID, StatusFailed, reason, now); err != nil {
		return fmt.Errorf("delivery: mark failed %s: %w", e.ID, err)
	}
	e.Status = StatusFailed
	e.FailureReason = reason
	m.metrics.ObserveDeliveryStatus("monitor", string(StatusFailed))
	m.logger.Warn("delivery failed", "delivery_id", e.ID, "direction", e.Direction, "reason", reason)
	m.raise(ctx, e)
	return nil
}

func (m *Monitor) raise(ctx context.Context, e *Entry) {
	alert := notify.Alert{
		Stage:   notify.StageDeliveryFailed,
		Phone:   e.ToPhone,
		EntryID: e.ID.String(),
		Detail:  fmt.Sprintf("%s via %s: %s", e.Direction, e.Transport, e.FailureReason),
	}
	if e.ConversationID != nil {
		alert.ConversationID = e.ConversationID.String()
	}
	if e.LeadID != nil {
		alert.LeadID = e.LeadID.String()
	}
	if err := m.alerter.Alert(ctx, alert); err != nil {
		m.logger.Error("delivery alert failed", "delivery_id", e.ID, "error", err)
	}
}

// CheckPending refreshes a batch of unconfirmed entries. Lookup errors are
// counted, not returned.
func (m *Monitor) CheckPending(ctx context.Context) (CheckResult, error) {
	var res CheckResult
	entries, err := m.store.ListAwaiting(ctx, m.batchSize)
	if err != nil {
		return res, fmt.Errorf("delivery: list awaiting: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		before := e.Status
		status, err := m.check(ctx, e)
		res.Checked++
		switch {
		case errors.Is(err, ErrLookupFailed):
			res.LookupErrors++
		case err != nil:
			return res, err
		case status == StatusFailed:
			res.Failed++
		case status != before:
			res.Advanced++
		}
	}
	return res, nil
}

// RetryFailed resends a failed entry. The original stays failed; the new
// attempt is a separate entry linked through RetryOf.
func (m *Monitor) RetryFailed(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if e.Status != StatusFailed {
		return uuid.Nil, ErrNotRetryable
	}
	if m.resender == nil {
		return uuid.Nil, errors.New("delivery: resend not configured")
	}
	next, err := m.resender.Resend(ctx, e)
	if next != nil {
		m.logger.Info("delivery retried", "delivery_id", e.ID, "retry_id", next.ID, "retry_count", next.RetryCount, "error", err)
	}
	if err != nil {
		if next != nil {
			return next.ID, err
		}
		return uuid.Nil, err
	}
	return next.ID, nil
}

// ApplyCallback records a status pushed by a transport webhook. Unknown
// message ids are ignored; regressions are dropped.
func (m *Monitor) ApplyCallback(ctx context.Context, transport Transport, transportMessageID, raw string) (*Entry, error) {
	e, err := m.store.FindByTransportID(ctx, transportMessageID)
	if err != nil {
		return nil, err
	}
	next := MapOfficialStatus(raw)
	if transport == TransportGateway {
		next = MapGatewayStatus(raw)
	}
	if !e.Status.Advances(next) {
		return e, nil
	}
	now := m.now()
	if next == StatusFailed {
		if err := m.fail(ctx, e, ReasonTransport, now); err != nil {
			return nil, err
		}
		return e, nil
	}
	if err := m.store.UpdateStatus(ctx, e.ID, next, "", now); err != nil {
		return nil, fmt.Errorf("delivery: update %s: %w", e.ID, err)
	}
	m.metrics.ObserveDeliveryStatus("callback", string(next))
	e.Status = next
	e.UpdatedAt = now
	return e, nil
}
