package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second
)

// Outcome of a single notification.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Recorder observes dispatcher outcomes, typically a metrics sink.
type Recorder interface {
	RecordNotification(outcome string)
}

// DispatcherConfig sizes the pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds each delivery attempt.
	Timeout  time.Duration
	Logger   *slog.Logger
	Recorder Recorder
}

// Stats are cumulative counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// Dispatcher runs notifications on a fixed worker pool.
type Dispatcher struct {
	notifier Notifier
	queue    chan Notification
	timeout  time.Duration
	log      *slog.Logger
	recorder Recorder

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher starts the workers.
func NewDispatcher(n Notifier, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "notify")
	}
	d := &Dispatcher{
		notifier: n,
		queue:    make(chan Notification, cfg.QueueSize),
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
		recorder: cfg.Recorder,
	}
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Submit enqueues n without blocking. It reports false when the queue is
// full or the dispatcher is closed; the notification is then dropped.
func (d *Dispatcher) Submit(n Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(n, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.drop(n, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(n Notification, why string) {
	d.dropped.Add(1)
	d.record(OutcomeDropped)
	d.log.Warn("notification dropped", "reason", why, "evaluation_id", n.EvaluationID, "application", n.ApplicationName)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.record(OutcomeFailed)
			d.log.Error("notifier panicked", "evaluation_id", n.EvaluationID, "panic", r)
		}
	}()

	if err := d.notifier.Notify(ctx, n); err != nil {
		d.failed.Add(1)
		d.record(OutcomeFailed)
		d.log.Warn("notification failed", "evaluation_id", n.EvaluationID, "error", err)
		return
	}
	d.delivered.Add(1)
	d.record(OutcomeDelivered)
	d.log.Debug("notification delivered", "evaluation_id", n.EvaluationID)
}

func (d *Dispatcher) record(outcome string) {
	if d.recorder != nil {
		d.recorder.RecordNotification(outcome)
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    len(d.queue),
	}
}

// Close stops intake and waits for queued notifications to finish or for
// ctx to expire, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
