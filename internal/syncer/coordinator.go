package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribelabs/scribe-core/internal/connectivity"
	"github.com/scribelabs/scribe-core/internal/protocol"
	"github.com/scribelabs/scribe-core/internal/queue"
)

// Submitter delivers one pending recording to the request layer.
type Submitter interface {
	SubmitTranscript(ctx context.Context, sessionID, transcript string, durationSeconds int, appendTranscript bool) error
}

// Coordinator drains the offline queue when connectivity allows and reports
// aggregate sync state to subscribers. Drains are single-flight and strictly
// sequential; one failing item never blocks delivery of the rest, and an
// item leaves the queue only after its submission succeeds.
type Coordinator struct {
	store   *queue.Store
	submit  Submitter
	monitor connectivity.Monitor
	log     *slog.Logger
	clock   func() time.Time

	mu        sync.Mutex
	syncing   bool
	lastError string
	pending   int
	listeners map[int]func(protocol.SyncStatus)
	nextID    int

	drainCounter   metric.Int64Counter
	failureCounter metric.Int64Counter
}

func NewCoordinator(store *queue.Store, submit Submitter, monitor connectivity.Monitor, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		store:     store,
		submit:    submit,
		monitor:   monitor,
		log:       log.With(slog.String("component", "syncer")),
		clock:     time.Now,
		listeners: make(map[int]func(protocol.SyncStatus)),
	}
	c.initMetrics()
	return c
}

func (c *Coordinator) initMetrics() {
	meter := otel.Meter("github.com/scribelabs/scribe-core/syncer")
	if counter, err := meter.Int64Counter("scribe.sync.drains", metric.WithDescription("Completed queue drains")); err == nil {
		c.drainCounter = counter
	}
	if counter, err := meter.Int64Counter("scribe.sync.failures", metric.WithDescription("Failed pending submissions")); err == nil {
		c.failureCounter = counter
	}
	gauge, err := meter.Int64ObservableGauge("scribe.sync.pending", metric.WithDescription("Pending offline recordings"))
	if err != nil {
		return
	}
	_, _ = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		count, err := c.store.PendingCount(ctx)
		if err != nil {
			return err
		}
		obs.ObserveInt64(gauge, int64(count))
		return nil
	}, gauge)
}

// Subscribe registers a listener for sync status updates and immediately
// delivers the current snapshot.
func (c *Coordinator) Subscribe(fn func(protocol.SyncStatus)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	snapshot := c.statusLocked()
	c.mu.Unlock()

	fn(snapshot)
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Status returns the last published sync state.
func (c *Coordinator) Status() protocol.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() protocol.SyncStatus {
	return protocol.SyncStatus{
		Syncing:      c.syncing,
		PendingCount: c.pending,
		LastError:    c.lastError,
		Timestamp:    c.clock().UTC(),
	}
}

// Trigger runs one drain. It is a no-op while another drain is in progress
// or while offline; concurrent callers are deduplicated, not queued.
func (c *Coordinator) Trigger(ctx context.Context) {
	c.mu.Lock()
	if c.syncing || !c.monitor.Online() {
		c.mu.Unlock()
		return
	}
	c.syncing = true
	c.lastError = ""
	c.mu.Unlock()

	pending, err := c.store.ListPending(ctx)
	if err != nil {
		c.log.Error("failed to list pending recordings", slog.String("error", err.Error()))
		c.finish(ctx, err.Error())
		return
	}

	c.setPending(len(pending))
	c.publish()

	var lastError string
	for _, rec := range pending {
		if err := c.submit.SubmitTranscript(ctx, rec.SessionID, rec.Transcript, rec.DurationSeconds, rec.Append); err != nil {
			// Record and move on so one bad recording cannot block the rest.
			lastError = err.Error()
			if c.failureCounter != nil {
				c.failureCounter.Add(ctx, 1)
			}
			c.log.Warn("pending submission failed",
				slog.String("recording_id", rec.ID),
				slog.String("error", err.Error()))
			continue
		}
		if err := c.store.Remove(ctx, rec.ID); err != nil {
			lastError = err.Error()
			c.log.Warn("failed to remove delivered recording",
				slog.String("recording_id", rec.ID),
				slog.String("error", err.Error()))
		}
	}

	if c.drainCounter != nil {
		c.drainCounter.Add(ctx, 1)
	}
	c.finish(ctx, lastError)
}

// finish re-reads the remaining pending count, which tolerates enqueues that
// raced the drain, and publishes the final status.
func (c *Coordinator) finish(ctx context.Context, lastError string) {
	count, err := c.store.PendingCount(ctx)
	if err != nil {
		c.log.Error("failed to count pending recordings", slog.String("error", err.Error()))
		if lastError == "" {
			lastError = err.Error()
		}
	}

	c.mu.Lock()
	c.syncing = false
	c.lastError = lastError
	c.pending = count
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) setPending(count int) {
	c.mu.Lock()
	c.pending = count
	c.mu.Unlock()
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	status := c.statusLocked()
	listeners := make([]func(protocol.SyncStatus), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}
