package syncer

import (
	"context"
	"sync"

	"github.com/scribelabs/scribe-core/internal/connectivity"
)

var (
	lifecycleMu     sync.Mutex
	lifecycleWired  bool
	lifecycleCancel func()
)

// InitAutoSync wires the process-wide drain triggers: one drain whenever
// connectivity transitions from offline to online, and one eager drain at
// start if already online. Repeated calls are no-ops. The listener persists
// for the life of the process; there is no teardown in normal operation.
func InitAutoSync(ctx context.Context, c *Coordinator, monitor connectivity.Monitor) {
	lifecycleMu.Lock()
	if lifecycleWired {
		lifecycleMu.Unlock()
		return
	}
	lifecycleWired = true
	cancel := monitor.Subscribe(func(online bool) {
		if online {
			go c.Trigger(ctx)
		}
	})
	lifecycleCancel = cancel
	lifecycleMu.Unlock()

	if monitor.Online() {
		go c.Trigger(ctx)
	}
}

// resetAutoSync unwinds the process-wide wiring. Only used by tests.
func resetAutoSync() {
	lifecycleMu.Lock()
	defer lifecycleMu.Unlock()
	if lifecycleCancel != nil {
		lifecycleCancel()
		lifecycleCancel = nil
	}
	lifecycleWired = false
}
