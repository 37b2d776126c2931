package gateway

import (
	"sync"
	"time"

	"github.com/codefionn/clawlink/internal/logger"
)

// reconnector schedules reconnect attempts with a fixed delay. Exponential
// backoff is deliberately absent: the expected deployment is a private
// gateway on a LAN, where a constant short delay recovers fastest and cannot
// hammer anyone.
//
// At most one attempt is pending at a time; scheduling while one is pending
// is a no-op.
type reconnector struct {
	delay   time.Duration
	attempt func() error

	mu      sync.Mutex
	pending bool
	stopped bool
	timer   *time.Timer
}

func newReconnector(delay time.Duration, attempt func() error) *reconnector {
	return &reconnector{delay: delay, attempt: attempt}
}

// schedule arms the reconnect timer unless one is already pending.
func (r *reconnector) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending || r.stopped {
		return
	}
	r.pending = true
	logger.Info("reconnect: attempt in %s", r.delay)
	r.timer = time.AfterFunc(r.delay, r.fire)
}

func (r *reconnector) fire() {
	r.mu.Lock()
	r.pending = false
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	if err := r.attempt(); err != nil {
		logger.Warn("reconnect: %v", err)
		r.schedule()
	}
}

// pendingAttempt reports whether an attempt is currently scheduled.
func (r *reconnector) pendingAttempt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// stop disables the reconnector permanently.
func (r *reconnector) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
