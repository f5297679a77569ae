package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribelabs/scribe-core/internal/bus"
	"github.com/scribelabs/scribe-core/internal/capture"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/connectivity"
	"github.com/scribelabs/scribe-core/internal/history"
	"github.com/scribelabs/scribe-core/internal/protocol"
	"github.com/scribelabs/scribe-core/internal/queue"
)

// Phase is the observable lifecycle phase of a recording session.
type Phase string

const (
	PhaseStarting  Phase = "starting"
	PhaseRecording Phase = "recording"
	PhasePaused    Phase = "paused"
	PhaseStopping  Phase = "stopping"
	PhaseDone      Phase = "done"
)

// Disposition says where the finished transcript ended up.
type Disposition string

const (
	// DispositionSubmitted means the transcript reached the server.
	DispositionSubmitted Disposition = "submitted"
	// DispositionQueued means the transcript was persisted for later sync.
	DispositionQueued Disposition = "queued"
	// DispositionFailed means an online submission was rejected; Err carries
	// the server's message verbatim.
	DispositionFailed Disposition = "failed"
	// DispositionNoSpeech means the session produced no final text at all.
	// Nothing is submitted or queued.
	DispositionNoSpeech Disposition = "no_speech"
)

// Outcome is the result of stopping a session.
type Outcome struct {
	Disposition Disposition
	Transcript  string
	Err         error
}

// Submitter delivers a finished transcript to the server.
type Submitter interface {
	SubmitTranscript(ctx context.Context, sessionID, transcript string, durationSeconds int, appendTranscript bool) error
}

// Archiver records a finished session in the local history archive.
type Archiver interface {
	Record(ctx context.Context, entry history.Entry) error
}

// Handlers receive session output as it happens. All fields are optional.
type Handlers struct {
	OnChunk func(protocol.CaptureChunk)
	OnPhase func(Phase)
	OnError func(error)
}

// Controller drives one recording session from start to a single terminal
// outcome. It owns a capture controller, accumulates final chunks into the
// running transcript, tracks elapsed recording time net of pauses, and on
// stop routes the transcript to the server when online or to the durable
// queue when not. Teardown runs exactly once no matter how many times Stop
// is called.
type Controller struct {
	id       string
	cfg      config.Config
	capture  *capture.Controller
	submit   Submitter
	store    *queue.Store
	monitor  connectivity.Monitor
	bus      *bus.Client
	archive  Archiver
	handlers Handlers
	log      *slog.Logger
	clock    func() time.Time

	mu           sync.Mutex
	phase        Phase
	appendSubmit bool
	finalChunks  []string
	forward      func(protocol.CaptureChunk)
	startedAt    time.Time
	pausedAt     time.Time
	pausedTotal  time.Duration
	outcome      Outcome
	stopped      bool

	outcomeCounter metric.Int64Counter
}

func NewController(cfg config.Config, factory capture.Factory, submit Submitter, store *queue.Store, monitor connectivity.Monitor, busClient *bus.Client, handlers Handlers, log *slog.Logger) *Controller {
	c := &Controller{
		id:       uuid.NewString(),
		cfg:      cfg,
		submit:   submit,
		store:    store,
		monitor:  monitor,
		bus:      busClient,
		handlers: handlers,
		log:      log.With(slog.String("component", "session")),
		clock:    time.Now,
		phase:    PhaseStarting,
	}
	c.capture = capture.NewController(factory, capture.Callbacks{
		OnChunk: c.handleChunk,
		OnError: c.handleCaptureError,
	}, log)
	meter := otel.Meter("github.com/scribelabs/scribe-core/session")
	if counter, err := meter.Int64Counter("scribe.session.outcomes", metric.WithDescription("Finished sessions by disposition")); err == nil {
		c.outcomeCounter = counter
	}
	return c
}

// ID returns the locally generated session identifier.
func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetID overrides the session identifier, used when the server assigned one
// (shared rooms).
func (c *Controller) SetID(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// SetArchive attaches the local history archive. Finished sessions that
// produced speech are recorded there with their outcome.
func (c *Controller) SetArchive(a Archiver) {
	c.mu.Lock()
	c.archive = a
	c.mu.Unlock()
}

// SetAppendSubmit switches delivery to append mode. Shared rooms use this so
// each participant's transcript extends the room session instead of
// replacing it.
func (c *Controller) SetAppendSubmit(appendMode bool) {
	c.mu.Lock()
	c.appendSubmit = appendMode
	c.mu.Unlock()
}

// SetChunkForwarder attaches a secondary chunk consumer, used by the room
// controller to share chunks over the realtime stream.
func (c *Controller) SetChunkForwarder(fn func(protocol.CaptureChunk)) {
	c.mu.Lock()
	c.forward = fn
	c.mu.Unlock()
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Transcript returns the final chunks accumulated so far, joined with the
// configured separator.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcriptLocked()
}

func (c *Controller) transcriptLocked() string {
	return strings.Join(c.finalChunks, c.cfg.Capture.Separator)
}

// Elapsed returns recording time net of pauses. While paused, the value is
// frozen at the moment the pause took effect.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsedLocked()
}

func (c *Controller) elapsedLocked() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	end := c.clock()
	if c.phase == PhasePaused && !c.pausedAt.IsZero() {
		end = c.pausedAt
	}
	return end.Sub(c.startedAt) - c.pausedTotal
}

// Start begins capture. Calling Start again after the session has left the
// starting phase is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.phase != PhaseStarting {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseRecording
	c.startedAt = c.clock()
	c.mu.Unlock()

	c.setPhaseEvent(PhaseRecording, "started")
	c.capture.Start()
}

// Pause suspends capture and freezes the elapsed clock. No-op unless
// recording.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.phase != PhaseRecording {
		c.mu.Unlock()
		return
	}
	c.phase = PhasePaused
	c.pausedAt = c.clock()
	c.mu.Unlock()

	c.capture.Pause()
	c.setPhaseEvent(PhasePaused, "paused")
}

// Resume continues capture with a fresh engine. Accumulated transcript and
// elapsed time carry over. No-op unless paused.
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.phase != PhasePaused {
		c.mu.Unlock()
		return
	}
	c.pausedTotal += c.clock().Sub(c.pausedAt)
	c.pausedAt = time.Time{}
	c.phase = PhaseRecording
	c.mu.Unlock()

	c.capture.Resume()
	c.setPhaseEvent(PhaseRecording, "resumed")
}

// Stop tears the session down and routes the transcript. The first call
// decides the outcome; every later call returns the same outcome without
// repeating any teardown or delivery work.
func (c *Controller) Stop(ctx context.Context) Outcome {
	c.mu.Lock()
	if c.stopped {
		outcome := c.outcome
		c.mu.Unlock()
		return outcome
	}
	c.stopped = true
	if c.phase == PhasePaused && !c.pausedAt.IsZero() {
		c.pausedTotal += c.clock().Sub(c.pausedAt)
		c.pausedAt = time.Time{}
	}
	c.phase = PhaseStopping
	elapsed := c.elapsedLocked()
	transcript := c.transcriptLocked()
	appendSubmit := c.appendSubmit
	c.mu.Unlock()

	c.setPhaseEvent(PhaseStopping, "stopping")
	c.capture.Stop()

	outcome := c.deliver(ctx, transcript, int(elapsed.Seconds()), appendSubmit)

	c.mu.Lock()
	c.phase = PhaseDone
	c.outcome = outcome
	c.mu.Unlock()

	if c.outcomeCounter != nil {
		c.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", string(outcome.Disposition))))
	}
	c.recordHistory(ctx, outcome, int(elapsed.Seconds()))
	c.setPhaseEvent(PhaseDone, string(outcome.Disposition))
	return outcome
}

func (c *Controller) recordHistory(ctx context.Context, outcome Outcome, durationSeconds int) {
	c.mu.Lock()
	archive := c.archive
	c.mu.Unlock()
	if archive == nil || outcome.Disposition == DispositionNoSpeech {
		return
	}
	err := archive.Record(ctx, history.Entry{
		SessionID:       c.id,
		Transcript:      outcome.Transcript,
		Disposition:     string(outcome.Disposition),
		DurationSeconds: durationSeconds,
	})
	if err != nil {
		c.log.Warn("failed to archive session", slog.String("session_id", c.id), slog.String("error", err.Error()))
	}
}

// deliver routes the finished transcript: no-speech short-circuits, online
// submits, offline queues.
func (c *Controller) deliver(ctx context.Context, transcript string, durationSeconds int, appendSubmit bool) Outcome {
	if strings.TrimSpace(transcript) == "" {
		c.log.Info("session ended with no speech", slog.String("session_id", c.id))
		return Outcome{Disposition: DispositionNoSpeech}
	}

	if c.monitor.Online() {
		if err := c.submit.SubmitTranscript(ctx, c.id, transcript, durationSeconds, appendSubmit); err != nil {
			c.log.Warn("transcript submission rejected",
				slog.String("session_id", c.id),
				slog.String("error", err.Error()))
			return Outcome{Disposition: DispositionFailed, Transcript: transcript, Err: err}
		}
		c.log.Info("transcript submitted",
			slog.String("session_id", c.id),
			slog.Int("duration_seconds", durationSeconds))
		return Outcome{Disposition: DispositionSubmitted, Transcript: transcript}
	}

	rec := &queue.PendingRecording{
		SessionID:       c.id,
		Transcript:      transcript,
		DurationSeconds: durationSeconds,
		Append:          appendSubmit,
	}
	if err := c.store.Enqueue(ctx, rec); err != nil {
		c.log.Error("failed to queue transcript",
			slog.String("session_id", c.id),
			slog.String("error", err.Error()))
		return Outcome{Disposition: DispositionFailed, Transcript: transcript, Err: err}
	}
	c.log.Info("transcript queued for sync",
		slog.String("session_id", c.id),
		slog.String("recording_id", rec.ID))
	return Outcome{Disposition: DispositionQueued, Transcript: transcript}
}

func (c *Controller) handleChunk(chunk protocol.CaptureChunk) {
	c.mu.Lock()
	chunk.SessionID = c.id
	if chunk.IsFinal && chunk.Text != "" {
		c.finalChunks = append(c.finalChunks, chunk.Text)
	}
	forward := c.forward
	c.mu.Unlock()

	if chunk.IsFinal {
		if err := c.bus.PublishJSON(protocol.SubjectChunkPrefix+"."+c.id, chunk); err != nil {
			c.log.Warn("failed to publish chunk", slog.String("error", err.Error()))
		}
	}
	if forward != nil {
		forward(chunk)
	}
	if c.handlers.OnChunk != nil {
		c.handlers.OnChunk(chunk)
	}
}

func (c *Controller) handleCaptureError(err error) {
	c.log.Warn("capture error", slog.String("session_id", c.id), slog.String("error", err.Error()))
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Controller) setPhaseEvent(phase Phase, event string) {
	if c.handlers.OnPhase != nil {
		c.handlers.OnPhase(phase)
	}
	evt := protocol.SessionEvent{
		SessionID: c.id,
		Event:     event,
		Timestamp: c.clock().UTC(),
	}
	if err := c.bus.PublishJSON(protocol.SubjectSessionEvent, evt); err != nil {
		c.log.Warn("failed to publish session event", slog.String("error", err.Error()))
	}
}
