package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribelabs/scribe-core/internal/protocol"
)

// State is the controller's intended capture state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// Callbacks receive normalized controller output. OnChunk fires for both
// interim and final results; callers distinguish by IsFinal. OnEnd fires
// exactly once after Stop.
type Callbacks struct {
	OnChunk func(protocol.CaptureChunk)
	OnError func(error)
	OnEnd   func()
}

// Controller owns one continuous speech capture session on top of a
// failure-prone engine. The engine may terminate spontaneously; while the
// intended state is still recording the controller restarts it with a fresh
// instance, invisible to chunk consumers beyond the restart latency.
type Controller struct {
	factory   Factory
	callbacks Callbacks
	log       *slog.Logger
	clock     func() time.Time

	mu        sync.Mutex
	state     State
	engine    Engine
	gen       int
	startedAt time.Time
	ended     bool

	chunkCounter   metric.Int64Counter
	restartCounter metric.Int64Counter
}

func NewController(factory Factory, callbacks Callbacks, log *slog.Logger) *Controller {
	c := &Controller{
		factory:   factory,
		callbacks: callbacks,
		log:       log.With(slog.String("component", "capture")),
		clock:     time.Now,
		state:     StateIdle,
	}
	meter := otel.Meter("github.com/scribelabs/scribe-core/capture")
	if counter, err := meter.Int64Counter("scribe.capture.chunks", metric.WithDescription("Capture chunks emitted")); err == nil {
		c.chunkCounter = counter
	}
	if counter, err := meter.Int64Counter("scribe.capture.restarts", metric.WithDescription("Engine auto-restarts")); err == nil {
		c.restartCounter = counter
	}
	return c
}

// State returns the controller's intended state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins capture. Calling Start twice, or after Stop, is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateRecording
	c.startedAt = c.clock()
	c.mu.Unlock()

	if !c.spawnEngine() {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		c.emitError(ErrUnavailable)
	}
}

// Pause stops the underlying engine without ending the session. Chunks
// delivered by the old engine after the pause takes effect are discarded.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	c.state = StatePaused
	c.gen++
	engine := c.engine
	c.engine = nil
	c.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
}

// Resume creates a fresh engine instance; a stopped engine is not reusable.
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	c.state = StateRecording
	c.mu.Unlock()

	if !c.spawnEngine() {
		c.emitError(ErrUnavailable)
	}
}

// Stop ends the session. Auto-restart is suppressed, the engine is torn
// down, no further chunks are emitted, and OnEnd fires exactly once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	c.gen++
	engine := c.engine
	c.engine = nil
	fireEnd := !c.ended
	c.ended = true
	c.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	if fireEnd && c.callbacks.OnEnd != nil {
		c.callbacks.OnEnd()
	}
}

// spawnEngine constructs and starts a fresh engine under the current
// generation. Returns false when the capability is missing.
func (c *Controller) spawnEngine() bool {
	engine, err := c.factory()
	if err != nil {
		c.log.Error("speech engine unavailable", slog.String("error", err.Error()))
		return false
	}

	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		engine.Stop()
		return true
	}
	c.gen++
	gen := c.gen
	c.engine = engine
	c.mu.Unlock()

	handlers := Handlers{
		OnResult: func(res Result) { c.handleResult(gen, res) },
		OnError:  func(err error) { c.handleEngineError(gen, err) },
		OnEnd:    func() { c.handleEngineEnd(gen) },
	}
	if err := engine.Start(handlers); err != nil {
		c.log.Error("speech engine failed to start", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (c *Controller) handleResult(gen int, res Result) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	chunk := protocol.CaptureChunk{
		Text:        res.Text,
		IsFinal:     res.Final,
		TimestampMS: c.clock().Sub(c.startedAt).Milliseconds(),
	}
	c.mu.Unlock()

	if c.chunkCounter != nil {
		c.chunkCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("final", res.Final)))
	}
	if c.callbacks.OnChunk != nil {
		c.callbacks.OnChunk(chunk)
	}
}

func (c *Controller) handleEngineError(gen int, err error) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale || transient(err) {
		return
	}
	// Non-transient engine errors are surfaced but do not stop capture;
	// the caller decides whether to stop.
	c.emitError(err)
}

// handleEngineEnd implements the auto-restart invariant: a spontaneous
// termination while the intended state is still recording gets a fresh
// engine with no end event.
func (c *Controller) handleEngineEnd(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.state != StateRecording {
		fireEnd := c.state == StateStopped && !c.ended
		c.ended = c.ended || fireEnd
		c.mu.Unlock()
		if fireEnd && c.callbacks.OnEnd != nil {
			c.callbacks.OnEnd()
		}
		return
	}
	c.engine = nil
	c.mu.Unlock()

	c.log.Warn("speech engine terminated unexpectedly, restarting")
	if c.restartCounter != nil {
		c.restartCounter.Add(context.Background(), 1)
	}
	if !c.spawnEngine() {
		c.emitError(ErrUnavailable)
	}
}

func (c *Controller) emitError(err error) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}
