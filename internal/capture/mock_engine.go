package capture

import (
	"fmt"
	"sync"
	"time"
)

type mockEngine struct {
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewMockFactory returns a factory for engines that emit synthetic
// recognition results on a fixed cadence. Used for local development and
// smoke testing without a real speech backend.
func NewMockFactory(interval time.Duration) Factory {
	if interval <= 0 {
		interval = time.Second
	}
	return func() (Engine, error) {
		return &mockEngine{interval: interval, stop: make(chan struct{})}, nil
	}
}

func (m *mockEngine) Start(h Handlers) error {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-m.stop:
				if h.OnEnd != nil {
					h.OnEnd()
				}
				return
			case <-ticker.C:
				n++
				if h.OnResult != nil {
					h.OnResult(Result{
						Text:  fmt.Sprintf("[synthetic utterance %d]", n),
						Final: n%3 == 0,
					})
				}
			}
		}
	}()
	return nil
}

func (m *mockEngine) Stop() {
	m.once.Do(func() { close(m.stop) })
}
