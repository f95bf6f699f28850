// Package reconnect drives automatic reconnection attempts after the store's
// connectivity signal drops or a connect call fails.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/pairdesk/pairdesk/internal/bus"
	"go.uber.org/zap"
)

// Policy is the backoff schedule: delay before attempt k+1 is
// min(Base * 2^k, Cap), and after MaxAttempts consecutive failures the
// supervisor goes dormant until the next successful manual connect.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the reference behavior: 1s base, doubling, capped
// at 30s, hard stop after 10 attempts.
var DefaultPolicy = Policy{
	Base:        time.Second,
	Cap:         30 * time.Second,
	MaxAttempts: 10,
}

// Supervisor schedules reconnect attempts. At most one timer is ever
// pending; a pending timer suppresses new schedule requests.
type Supervisor struct {
	policy  Policy
	bus     *bus.Bus
	logger  *zap.Logger
	connect func(context.Context) error

	mu        sync.Mutex
	timer     *time.Timer
	attempts  int
	exhausted bool
	inAttempt bool
}

// New creates a supervisor with the given policy. Bind must be called before
// any scheduling can happen.
func New(policy Policy, b *bus.Bus, logger *zap.Logger) *Supervisor {
	if policy.Base <= 0 {
		policy.Base = DefaultPolicy.Base
	}
	if policy.Cap <= 0 {
		policy.Cap = DefaultPolicy.Cap
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	return &Supervisor{policy: policy, bus: b, logger: logger}
}

// Bind installs the connect function the supervisor retries. Kept separate
// from construction because the channel client and the supervisor reference
// each other.
func (s *Supervisor) Bind(connect func(context.Context) error) {
	s.mu.Lock()
	s.connect = connect
	s.mu.Unlock()
}

// SignalLost schedules a reconnect attempt. Called when the connectivity
// signal reports false or a connect call fails. Loss signals raised from
// inside a supervisor-driven attempt are ignored: the attempt's own failure
// path reschedules with the updated attempt count.
func (s *Supervisor) SignalLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked()
}

// Reset clears the attempt counter and any pending timer. Called on every
// successful connect so the next outage starts from the base delay again.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.exhausted = false
	s.stopTimerLocked()
}

// Stop cancels any pending reconnect timer without touching the attempt
// counter. Called on clean disconnect.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

// Attempts returns the consecutive failure count.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Exhausted reports whether the supervisor gave up after MaxAttempts.
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

func (s *Supervisor) scheduleLocked() {
	if s.timer != nil || s.connect == nil || s.exhausted || s.inAttempt {
		return
	}
	if s.attempts >= s.policy.MaxAttempts {
		s.giveUpLocked()
		return
	}
	delay := s.delayLocked()
	s.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", s.attempts+1),
		zap.Int("max_attempts", s.policy.MaxAttempts),
	)
	if s.bus != nil {
		s.bus.Publish("channel.reconnect_scheduled", delay)
	}
	s.timer = time.AfterFunc(delay, s.runAttempt)
}

func (s *Supervisor) runAttempt() {
	s.mu.Lock()
	s.timer = nil
	s.inAttempt = true
	connect := s.connect
	s.mu.Unlock()

	err := connect(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inAttempt = false
	if err == nil {
		s.attempts = 0
		s.exhausted = false
		return
	}
	s.attempts++
	s.logger.Warn("reconnect attempt failed", zap.Error(err), zap.Int("attempt", s.attempts))
	if s.attempts >= s.policy.MaxAttempts {
		s.giveUpLocked()
		return
	}
	s.scheduleLocked()
}

func (s *Supervisor) giveUpLocked() {
	if s.exhausted {
		return
	}
	s.exhausted = true
	s.stopTimerLocked()
	s.logger.Error("reconnection exhausted, manual connect required",
		zap.Int("attempts", s.attempts))
	if s.bus != nil {
		s.bus.Publish("channel.reconnect_exhausted", s.attempts)
	}
}

// delayLocked computes min(Base * 2^attempts, Cap).
func (s *Supervisor) delayLocked() time.Duration {
	delay := s.policy.Base
	for i := 0; i < s.attempts; i++ {
		delay *= 2
		if delay >= s.policy.Cap {
			return s.policy.Cap
		}
	}
	if delay > s.policy.Cap {
		return s.policy.Cap
	}
	return delay
}

func (s *Supervisor) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
