package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldtrail/taskboard/pkg/capability"
	"github.com/coldtrail/taskboard/pkg/events"
	"github.com/coldtrail/taskboard/pkg/metrics"
	sharedhttp "github.com/coldtrail/taskboard/pkg/shared/http"
	"github.com/coldtrail/taskboard/pkg/tracing"
)

// defaultMaxConcurrent bounds the fan-out for a single event so a
// subscription-heavy workspace cannot open unbounded sockets at once.
const defaultMaxConcurrent = 8

// defaultDeliveryTimeout is the per-attempt HTTP deadline; it must stay well
// below any caller-facing request timeout since dispatch never blocks the
// append that triggered it.
const defaultDeliveryTimeout = 5 * time.Second

// maxAttempts bounds the retry budget per delivery. Fire-and-forget, not a
// durable queue: after maxAttempts failures the delivery is simply dropped.
const maxAttempts = 2

// SubscriptionLister answers the scope-filtered lookup the dispatcher needs;
// satisfied by *Store.
type SubscriptionLister interface {
	ListActiveForWorkspace(ctx context.Context, workspaceID string) ([]*Subscription, error)
}

// payload is the JSON body POSTed to each subscribed target.
type payload struct {
	WorkspaceID string                 `json:"workspaceId"`
	FilePath    string                 `json:"filePath"`
	EventType   string                 `json:"eventType"`
	Data        map[string]interface{} `json:"data"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Options tunes delivery behavior; zero values fall back to the package
// defaults.
type Options struct {
	DispatchTimeout time.Duration
	MaxConcurrent   int
}

// Dispatcher subscribes to the event bus and fans each event out to every
// matching webhook subscription, through a per-target circuit breaker so one
// unreachable target cannot stall or exhaust delivery to the rest.
type Dispatcher struct {
	subs          SubscriptionLister
	client        *http.Client
	log           *zap.Logger
	maxConcurrent int
	mu            sync.Mutex
	breakers      map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher wires subs (the subscription store) to deliver with the
// given options, logging swallowed failures to log.
func NewDispatcher(subs SubscriptionLister, opts Options, log *zap.Logger) *Dispatcher {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaultDeliveryTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	return &Dispatcher{
		subs:          subs,
		client:        sharedhttp.NewClient(sharedhttp.WebhookClientConfig(opts.DispatchTimeout)),
		log:           log,
		maxConcurrent: opts.MaxConcurrent,
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Subscribe registers d as a listener on bus for every workspace's events.
func (d *Dispatcher) Subscribe(bus *events.Bus) events.Unsubscribe {
	return bus.SubscribeAll(func(ev events.Event) {
		d.Dispatch(context.Background(), ev)
	})
}

// Dispatch looks up matching subscriptions for ev and delivers to each
// concurrently, bounded by d.maxConcurrent. A delivery failure (or a
// tripped breaker) is logged and never returned to the caller: webhook
// delivery must never fail the append request that produced the event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) {
	subs, err := d.subs.ListActiveForWorkspace(ctx, ev.WorkspaceID)
	if err != nil {
		d.log.Warn("webhook: failed to list subscriptions", zap.Error(err), zap.String("workspaceId", ev.WorkspaceID))
		return
	}

	targets := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if !sub.matchesEventType(ev.Type) {
			continue
		}
		if !capability.ScopeContains(sub.ScopeType, sub.ScopePath, ev.FilePath) {
			continue
		}
		targets = append(targets, sub)
	}
	if len(targets) == 0 {
		return
	}

	body, err := json.Marshal(payload{
		WorkspaceID: ev.WorkspaceID,
		FilePath:    ev.FilePath,
		EventType:   ev.Type,
		Data:        ev.Data,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		d.log.Warn("webhook: failed to marshal event payload", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxConcurrent)
	for _, sub := range targets {
		sub := sub
		g.Go(func() error {
			d.deliver(gctx, sub, body)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, body []byte) {
	ctx, span := tracing.StartWebhookDeliverySpan(ctx, sub.ID, sub.URL)
	var err error
	defer func() { tracing.End(span, err) }()

	breaker := d.breakerFor(sub.ID)
	_, err = breaker.Execute(func() (interface{}, error) {
		return nil, d.attempt(ctx, sub, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.RecordWebhookDelivery(metrics.WebhookOutcomeBreakerOpen)
		} else {
			metrics.RecordWebhookDelivery(metrics.WebhookOutcomeFailure)
		}
		d.log.Warn("webhook: delivery failed",
			zap.String("subscriptionId", sub.ID), zap.String("url", sub.URL), zap.Error(err))
		return
	}
	metrics.RecordWebhookDelivery(metrics.WebhookOutcomeSuccess)
}

// attempt sends body to sub.URL, retrying once on transport or 5xx failure.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, body []byte) error {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Signature", sign(sub.Secret, body))

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			lastErr = &httpStatusError{status: resp.StatusCode}
			continue
		}
		return nil
	}
	return lastErr
}

func (d *Dispatcher) breakerFor(subscriptionID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.breakers[subscriptionID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + subscriptionID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Info("webhook: breaker state change", zap.String("breaker", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	d.breakers[subscriptionID] = b
	return b
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return "webhook target returned " + http.StatusText(e.status)
}
