package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/brokerpay/internal/clock"
	"github.com/smallbiznis/brokerpay/internal/config"
	"github.com/smallbiznis/brokerpay/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/brokerpay/internal/observability/metrics"
	"github.com/smallbiznis/brokerpay/internal/providers/email"
	"github.com/smallbiznis/brokerpay/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultBufferSize = 256

type DispatcherParams struct {
	fx.In

	Log     *zap.Logger
	Cfg     config.Config
	Repo    domain.Repository
	GenID   *snowflake.Node
	Clock   clock.Clock
	Email   email.Provider      `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type queued struct {
	event         domain.Event
	correlationID string
	// traceID and spanID link delivery back to the request that emitted it.
	traceID string
	spanID  string
}

// Dispatcher is a buffered, fire-and-forget notification sink. A single
// worker persists events and sends optional emails. When the buffer is full
// the event is dropped and logged.
type Dispatcher struct {
	log     *zap.Logger
	repo    domain.Repository
	genID   *snowflake.Node
	clock   clock.Clock
	email   email.Provider
	metrics *obsmetrics.Metrics

	queue   chan queued
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	once    sync.Once
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	size := p.Cfg.NotificationBuffer
	if size <= 0 {
		size = defaultBufferSize
	}
	sender := p.Email
	if sender == nil {
		sender = &email.NoOpProvider{}
	}
	return &Dispatcher{
		log:     p.Log.Named("notification.dispatcher"),
		repo:    p.Repo,
		genID:   p.GenID,
		clock:   p.Clock,
		email:   sender,
		metrics: p.Metrics,
		queue:   make(chan queued, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue never blocks and never fails from the caller's point of view.
func (d *Dispatcher) Enqueue(ctx context.Context, event domain.Event) {
	if d.stopped.Load() {
		d.drop(ctx, event, "stopped")
		return
	}
	cid := correlation.FromSpan(ctx)
	if cid == "" {
		_, cid = correlation.EnsureCorrelationID(ctx)
	}
	item := queued{event: event, correlationID: cid}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		item.traceID = sc.TraceID().String()
		item.spanID = sc.SpanID().String()
	}
	select {
	case d.queue <- item:
		d.metrics.RecordNotification(ctx, string(event.Type), "enqueued")
	default:
		d.drop(ctx, event, "buffer_full")
	}
}

func (d *Dispatcher) drop(ctx context.Context, event domain.Event, reason string) {
	d.log.Warn("notification dropped",
		zap.String("event_type", string(event.Type)),
		zap.String("audience", string(event.Audience)),
		zap.String("reason", reason),
	)
	d.metrics.RecordNotification(ctx, string(event.Type), "dropped")
}

// Start launches the worker. Calling it twice is a no-op.
func (d *Dispatcher) Start(context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}
	go d.run()
	return nil
}

// Stop drains queued events and waits for the worker, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopped.Store(true)
	d.once.Do(func() { close(d.quit) })
	if !d.started.Load() {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		case <-d.quit:
			for {
				select {
				case item := <-d.queue:
					d.deliver(item)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(item queued) {
	ctx := correlation.ContextWithRemoteSpan(context.Background(), item.traceID, item.spanID)
	ctx = correlation.ContextWithCorrelationID(ctx, item.correlationID)
	event := item.event

	n := &domain.Notification{
		ID:            d.genID.Generate(),
		EventType:     event.Type,
		Audience:      event.Audience,
		BrokerID:      event.BrokerID,
		ReportID:      event.ReportID,
		Title:         event.Title,
		Message:       event.Message,
		CorrelationID: item.correlationID,
		CreatedAt:     d.clock.Now(),
	}
	if err := d.repo.Insert(ctx, n); err != nil {
		d.log.Warn("notification persist failed",
			zap.String("event_type", string(event.Type)),
			zap.String("correlation_id", item.correlationID),
			zap.Error(err),
		)
		d.metrics.RecordNotification(ctx, string(event.Type), "failed")
		return
	}

	if event.RecipientEmail != "" {
		data := map[string]interface{}{
			"subject": event.Title,
			"title":   event.Title,
			"message": event.Message,
		}
		if err := d.email.SendTemplate(ctx, []string{event.RecipientEmail}, "notification", data); err != nil {
			d.log.Warn("notification email failed",
				zap.String("event_type", string(event.Type)),
				zap.String("correlation_id", item.correlationID),
				zap.Error(err),
			)
		}
	}
	d.metrics.RecordNotification(ctx, string(event.Type), "delivered")
}

var _ domain.Sink = (*Dispatcher)(nil)
