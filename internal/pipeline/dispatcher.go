package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/lightning-detector/internal/domain"
	"github.com/couchcryptid/lightning-detector/internal/observability"
)

// Gateway publishes reports to one destination.
type Gateway interface {
	Name() string
	PublishSnapshot(ctx context.Context, s domain.RingSnapshot) error
	PublishDetection(ctx context.Context, d domain.Detection) error
}

// Dispatcher publishes reports on a single worker so each gateway sees them
// in the order they were enqueued. The queue is bounded; Enqueue never
// blocks the event loop.
type Dispatcher struct {
	gateways []Gateway
	queue    chan Report
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a Dispatcher with room for size pending reports.
// Each publish attempt is bounded by timeout.
func NewDispatcher(gateways []Gateway, size int, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		gateways: gateways,
		queue:    make(chan Report, size),
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// Enqueue schedules r for publication. It returns false if the queue is full
// or closed, in which case r is dropped.
func (d *Dispatcher) Enqueue(r Report) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- r:
		d.metrics.PublishQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		d.logger.Warn("publish queue full, dropping report", "report", r.describe())
		d.metrics.PublishDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

// Close stops accepting reports. Run returns once the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// Run publishes queued reports until Close has been called and the queue is
// empty, or the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.metrics.PublishQueueDepth.Set(float64(len(d.queue)))
			d.deliver(ctx, r)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r Report) {
	for _, gw := range d.gateways {
		err := d.publish(ctx, gw, r)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("publish failed, retrying", "gateway", gw.Name(), "report", r.describe(), "error", err)
		d.metrics.PublishErrors.WithLabelValues(gw.Name()).Inc()

		if err = d.publish(ctx, gw, r); err != nil {
			d.logger.Error("publish failed, dropping report", "gateway", gw.Name(), "report", r.describe(), "error", err)
			d.metrics.PublishErrors.WithLabelValues(gw.Name()).Inc()
			d.metrics.PublishDropped.WithLabelValues("publish_failed").Inc()
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, gw Gateway, r Report) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	switch {
	case r.Snapshot != nil:
		if err := gw.PublishSnapshot(ctx, *r.Snapshot); err != nil {
			return err
		}
		d.metrics.SnapshotsPublished.WithLabelValues(string(r.Snapshot.Kind), gw.Name()).Inc()
	case r.Detection != nil:
		if err := gw.PublishDetection(ctx, *r.Detection); err != nil {
			return err
		}
		d.metrics.DetectionsPublished.WithLabelValues(gw.Name()).Inc()
	}
	return nil
}

func (r Report) describe() string {
	switch {
	case r.Snapshot != nil:
		return string(r.Snapshot.Kind) + " snapshot"
	case r.Detection != nil:
		return "detection"
	default:
		return "empty"
	}
}
