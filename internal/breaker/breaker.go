package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrOpen is returned without invoking the protected call while the breaker is open.
	ErrOpen = errors.New("circuit breaker open")
	// ErrRejected marks a call that returned without error but reported failure.
	ErrRejected = errors.New("call reported failure")
)

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Options tune breaker behaviour.
type Options struct {
	Name             string
	FailureThreshold int
	Timeout          time.Duration
	// OnStateChange is invoked outside the breaker lock after every transition.
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// Snapshot is a point-in-time copy of the breaker's bookkeeping.
type Snapshot struct {
	Name          string
	State         State
	FailureCount  int
	Threshold     int
	LastFailureAt time.Time
	Timeout       time.Duration
}

// Breaker guards a flaky dependency. Consecutive failures open it; once the
// timeout has elapsed since the last failure a single trial call is admitted.
type Breaker struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trialActive bool
}

// New constructs a closed breaker.
func New(opts Options, logger zerolog.Logger) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		opts:   opts,
		logger: logger.With().Str("component", "breaker").Str("breaker", opts.Name).Logger(),
	}
}

// Execute runs fn unless the breaker is open. Returned errors, panics and a
// false result all count as failures.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (bool, error)) (err error) {
	if err := b.admit(); err != nil {
		return err
	}

	ok := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protected call panicked: %v", r)
			ok = false
		}
		if err == nil && !ok {
			err = ErrRejected
		}
		b.record(err == nil)
	}()

	ok, err = fn(ctx)
	return err
}

// State reports the current state, promoting OPEN to HALF_OPEN when the
// timeout has elapsed.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	from, to := b.promoteLocked()
	snap := Snapshot{
		Name:          b.opts.Name,
		State:         b.state,
		FailureCount:  b.failures,
		Threshold:     b.opts.FailureThreshold,
		LastFailureAt: b.lastFailure,
		Timeout:       b.opts.Timeout,
	}
	b.mu.Unlock()
	b.notify(from, to)
	return snap
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	from, to := b.promoteLocked()
	var err error
	switch b.state {
	case Open:
		err = ErrOpen
	case HalfOpen:
		if b.trialActive {
			err = ErrOpen
		} else {
			b.trialActive = true
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
	return err
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	from := b.state
	if success {
		b.failures = 0
		b.state = Closed
	} else {
		b.failures++
		b.lastFailure = b.opts.Now()
		if b.state == HalfOpen || b.failures >= b.opts.FailureThreshold {
			b.state = Open
		}
	}
	b.trialActive = false
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if !success {
		b.logger.Warn().Int("failure_count", failures).Str("state", to.String()).Msg("protected call failed")
	}
	b.notify(from, to)
}

func (b *Breaker) promoteLocked() (State, State) {
	from := b.state
	if b.state == Open && b.opts.Now().Sub(b.lastFailure) >= b.opts.Timeout {
		b.state = HalfOpen
		b.trialActive = false
	}
	return from, b.state
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	b.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.opts.Name, from, to)
	}
}
