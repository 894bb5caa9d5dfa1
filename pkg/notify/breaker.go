package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/countyops/assessorsync/pkg/errors"
)

// breakerState is the state of a channel's circuit breaker.
type breakerState int

const (
	// breakerClosed lets every delivery through.
	breakerClosed breakerState = iota
	// breakerOpen fails deliveries without calling the channel.
	breakerOpen
	// breakerHalfOpen lets one probe through to test recovery.
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

// breaker stops hammering a channel that keeps failing. After threshold
// consecutive failed attempts it opens for coolOff; the first attempt after
// that is a probe whose outcome closes or reopens it.
type breaker struct {
	channel   string
	threshold int
	coolOff   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	retryAt  time.Time
	probing  bool
}

func newBreaker(channel string, threshold int, coolOff time.Duration, l *zap.Logger) *breaker {
	return &breaker{
		channel:   channel,
		threshold: threshold,
		coolOff:   coolOff,
		logger:    l,
		now:       time.Now,
	}
}

// execute runs fn unless the breaker is open.
func (b *breaker) execute(fn func() error) error {
	if !b.allow() {
		return errors.Newf(errors.KindNotificationDeliveryFailed, "channel %s is failing, circuit open", b.channel)
	}
	if err := fn(); err != nil {
		b.record(false)
		return err
	}
	b.record(true)
	return nil
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Before(b.retryAt) {
			return false
		}
		b.transition(breakerHalfOpen)
		fallthrough
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if ok {
		b.failures = 0
		if b.state != breakerClosed {
			b.transition(breakerClosed)
		}
		return
	}
	b.failures++
	if b.state == breakerHalfOpen || (b.threshold > 0 && b.failures >= b.threshold) {
		b.retryAt = b.now().Add(b.coolOff)
		b.transition(breakerOpen)
	}
}

func (b *breaker) transition(to breakerState) {
	if b.state == to {
		return
	}
	b.logger.Info("channel breaker state change",
		zap.String("channel", b.channel),
		zap.Stringer("from", b.state),
		zap.Stringer("to", to))
	b.state = to
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
