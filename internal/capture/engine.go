package capture

import "errors"

// Result is one incremental recognition result produced by an engine.
type Result struct {
	Text  string
	Final bool
}

// Handlers receive engine events. An engine delivers results in recognition
// order and fires OnEnd exactly once when the run terminates, whether the
// termination was requested or spontaneous.
type Handlers struct {
	OnResult func(Result)
	OnError  func(error)
	OnEnd    func()
}

// Engine is a single continuous recognition run. A stopped engine cannot be
// restarted; callers construct a fresh instance through a Factory instead.
type Engine interface {
	Start(Handlers) error
	Stop()
}

// Factory constructs a new engine instance. Returning an error means the
// speech capability is unavailable on this platform.
type Factory func() (Engine, error)

var (
	// ErrUnavailable indicates no speech capability exists on this platform.
	ErrUnavailable = errors.New("speech capture unavailable")

	// ErrNoSpeech is the engine's no-speech-detected condition. Expected
	// during natural pauses and never surfaced to callers.
	ErrNoSpeech = errors.New("no speech detected")

	// ErrAborted is the engine's aborted condition, also swallowed.
	ErrAborted = errors.New("recognition aborted")
)

// transient reports whether an engine error is expected noise that the
// controller absorbs rather than surfacing.
func transient(err error) bool {
	return errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrAborted)
}
