package capture

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scribelabs/scribe-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEngine struct {
	mu       sync.Mutex
	handlers Handlers
	stopped  bool
}

func (f *fakeEngine) Start(h Handlers) error {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeEngine) emit(text string, final bool) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnResult != nil {
		h.OnResult(Result{Text: text, Final: final})
	}
}

func (f *fakeEngine) end() {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnEnd != nil {
		h.OnEnd()
	}
}

func (f *fakeEngine) fail(err error) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnError != nil {
		h.OnError(err)
	}
}

type engineRig struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (r *engineRig) factory() (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	engine := &fakeEngine{}
	r.engines = append(r.engines, engine)
	return engine, nil
}

func (r *engineRig) engine(i int) *fakeEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[i]
}

func (r *engineRig) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []protocol.CaptureChunk
	errs   []error
	ends   int
}

func (rec *chunkRecorder) callbacks() Callbacks {
	return Callbacks{
		OnChunk: func(c protocol.CaptureChunk) {
			rec.mu.Lock()
			rec.chunks = append(rec.chunks, c)
			rec.mu.Unlock()
		},
		OnError: func(err error) {
			rec.mu.Lock()
			rec.errs = append(rec.errs, err)
			rec.mu.Unlock()
		},
		OnEnd: func() {
			rec.mu.Lock()
			rec.ends++
			rec.mu.Unlock()
		},
	}
}

func (rec *chunkRecorder) finalTexts() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var texts []string
	for _, c := range rec.chunks {
		if c.IsFinal {
			texts = append(texts, c.Text)
		}
	}
	return texts
}

func TestChunkOrderingAndTimestamps(t *testing.T) {
	rig := &engineRig{}
	rec := &chunkRecorder{}
	c := NewController(rig.factory, rec.callbacks(), newLogger())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }
	c.Start()

	engine := rig.engine(0)
	inputs := []Result{
		{Text: "he", Final: false},
		{Text: "hello", Final: true},
		{Text: "wor", Final: false},
		{Text: "world", Final: true},
	}
	for i, in := range inputs {
		now = now.Add(time.Duration(i*250) * time.Millisecond)
		engine.emit(in.Text, in.Final)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.chunks) != len(inputs) {
		t.Fatalf("expected %d chunks, got %d", len(inputs), len(rec.chunks))
	}
	var prev int64 = -1
	for i, chunk := range rec.chunks {
		if chunk.Text != inputs[i].Text || chunk.IsFinal != inputs[i].Final {
			t.Fatalf("chunk %d out of order: got %+v", i, chunk)
		}
		if chunk.TimestampMS < prev {
			t.Fatalf("timestamps not non-decreasing: %d after %d", chunk.TimestampMS, prev)
		}
		prev = chunk.TimestampMS
	}
}

func TestPausePreservesTranscript(t *testing.T) {
	rig := &engineRig{}
	rec := &chunkRecorder{}
	c := NewController(rig.factory, rec.callbacks(), newLogger())
	c.Start()

	first := rig.engine(0)
	first.emit("hello", true)
	first.emit("world", true)

	c.Pause()
	// A dangling interim chunk from the old engine must not leak.
	first.emit("stray", false)
	first.emit("stray", true)

	c.Resume()
	if rig.count() != 2 {
		t.Fatalf("expected fresh engine on resume, got %d engines", rig.count())
	}
	rig.engine(1).emit("there", true)

	got := strings.Join(rec.finalTexts(), " ")
	if got != "hello world there" {
		t.Fatalf("transcript corrupted across pause: %q", got)
	}
}

func TestAutoRestartOnUnexpectedTermination(t *testing.T) {
	rig := &engineRig{}
	rec := &chunkRecorder{}
	c := NewController(rig.factory, rec.callbacks(), newLogger())
	c.Start()

	rig.engine(0).emit("before", true)
	rig.engine(0).end()

	if rig.count() != 2 {
		t.Fatalf("expected auto-restart to spawn a fresh engine, got %d", rig.count())
	}
	rec.mu.Lock()
	ends := rec.ends
	rec.mu.Unlock()
	if ends != 0 {
		t.Fatalf("end fired during auto-restart")
	}

	rig.engine(1).emit("after", true)
	got := strings.Join(rec.finalTexts(), " ")
	if got != "before after" {
		t.Fatalf("chunk delivery interrupted by restart: %q", got)
	}
}

func TestStopFiresEndExactlyOnce(t *testing.T) {
	rig := &engineRig{}
	rec := &chunkRecorder{}
	c := NewController(rig.factory, rec.callbacks(), newLogger())
	c.Start()

	c.Stop()
	c.Stop()
	// A late termination event from the torn-down engine must not restart
	// capture or fire a second end.
	rig.engine(0).end()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ends != 1 {
		t.Fatalf("expected exactly one end event, got %d", rec.ends)
	}
	if rig.count() != 1 {
		t.Fatalf("engine restarted after stop")
	}
}

func TestTransientEngineErrorsAreSwallowed(t *testing.T) {
	rig := &engineRig{}
	rec := &chunkRecorder{}
	c := NewController(rig.factory, rec.callbacks(), newLogger())
	c.Start()

	engine := rig.engine(0)
	engine.fail(ErrNoSpeech)
	engine.fail(ErrAborted)

	rec.mu.Lock()
	swallowed := len(rec.errs)
	rec.mu.Unlock()
	if swallowed != 0 {
		t.Fatalf("transient errors leaked: %v", rec.errs)
	}

	boom := errors.New("audio device wedged")
	engine.fail(boom)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], boom) {
		t.Fatalf("expected engine error to propagate, got %v", rec.errs)
	}
	if c.State() != StateRecording {
		t.Fatalf("engine error must not stop capture, state=%s", c.State())
	}
}

func TestStartWithoutCapability(t *testing.T) {
	rec := &chunkRecorder{}
	factory := func() (Engine, error) { return nil, ErrUnavailable }
	c := NewController(factory, rec.callbacks(), newLogger())
	c.Start()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrUnavailable) {
		t.Fatalf("expected capability-missing error, got %v", rec.errs)
	}
	if len(rec.chunks) != 0 {
		t.Fatalf("no chunks expected without a capability")
	}
	if c.State() != StateStopped {
		t.Fatalf("capture attempt should be terminal, state=%s", c.State())
	}
}

func TestStartTwiceIsNoOp(t *testing.T) {
	rig := &engineRig{}
	rec := &chunkRecorder{}
	c := NewController(rig.factory, rec.callbacks(), newLogger())
	c.Start()
	c.Start()

	if rig.count() != 1 {
		t.Fatalf("second start spawned an engine")
	}
}
