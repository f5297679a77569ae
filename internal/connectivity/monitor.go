package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/scribelabs/scribe-core/internal/config"
)

// Monitor supplies the current online/offline state and change
// notifications. The core subscribes but does not own the detection.
type Monitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (cancel func())
}

// AlwaysOnline returns a monitor that reports a permanently online link.
// Used when the deployment has no probe target.
func AlwaysOnline() Monitor {
	return alwaysOnline{}
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool                         { return true }
func (alwaysOnline) Subscribe(func(bool)) (cancel func()) { return func() {} }

// ProbeMonitor derives connectivity by polling a health endpoint on a fixed
// interval. Any HTTP response counts as online; transport errors count as
// offline.
type ProbeMonitor struct {
	cfg    config.ConnectivityConfig
	log    *slog.Logger
	client *http.Client
	cancel context.CancelFunc

	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

func NewProbeMonitor(parent context.Context, cfg config.ConnectivityConfig, log *slog.Logger) *ProbeMonitor {
	ctx, cancel := context.WithCancel(parent)
	m := &ProbeMonitor{
		cfg:    cfg,
		log:    log.With(slog.String("component", "connectivity")),
		client: &http.Client{Timeout: time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond},
		cancel: cancel,
		subs:   make(map[int]func(bool)),
	}
	m.online = m.probe(ctx)
	go m.run(ctx)
	return m
}

func (m *ProbeMonitor) Close() {
	m.cancel()
}

func (m *ProbeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ProbeMonitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *ProbeMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.cfg.IntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.update(m.probe(ctx))
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (m *ProbeMonitor) update(online bool) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if online {
		m.log.Info("connectivity restored")
	} else {
		m.log.Warn("connectivity lost")
	}
	for _, fn := range listeners {
		fn(online)
	}
}
