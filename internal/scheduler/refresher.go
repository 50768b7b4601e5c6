package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State of one token lifecycle.
type State int

const (
	StateUnset State = iota
	StateValid
	StateRefreshing
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

// ErrTerminal is returned once a refresh grant is confirmed dead. The state
// is sticky; only external re-authentication clears it.
var ErrTerminal = errors.New("scheduler: token in terminal state, re-authentication required")

// RefreshFunc performs one refresh attempt and returns the new expiry.
type RefreshFunc func(ctx context.Context) (time.Time, error)

// TerminalFunc decides whether an error permanently kills the grant.
type TerminalFunc func(err error) bool

// RefresherOptions tune one token lifecycle.
type RefresherOptions struct {
	Margin      time.Duration // refresh this long before expiry
	RetryDelay  time.Duration // backoff after a transient failure
	MaxAttempts int           // consecutive transient failures before giving up
}

func (o *RefresherOptions) withDefaults() RefresherOptions {
	out := *o
	if out.Margin <= 0 {
		out.Margin = 2 * time.Minute
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 5 * time.Minute
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 12
	}
	return out
}

type inflight struct {
	done chan struct{}
	err  error
}

// Refresher drives one token's refresh cycle: it arms a timer for
// expiry-minus-margin, funnels every trigger (timer or error-driven) through
// a single in-flight attempt, and escalates to the sticky terminal state when
// the grant is rejected or transient failures exhaust the retry budget.
type Refresher struct {
	name       string
	opts       RefresherOptions
	sched      *Scheduler
	refresh    RefreshFunc
	isTerminal TerminalFunc
	onTerminal func()
	logger     zerolog.Logger

	mu       sync.Mutex
	state    State
	call     *inflight
	attempts int
}

func NewRefresher(name string, opts RefresherOptions, sched *Scheduler, refresh RefreshFunc, isTerminal TerminalFunc, onTerminal func(), logger zerolog.Logger) *Refresher {
	return &Refresher{
		name:       name,
		opts:       opts.withDefaults(),
		sched:      sched,
		refresh:    refresh,
		isTerminal: isTerminal,
		onTerminal: onTerminal,
		logger:     logger.With().Str("token", name).Logger(),
	}
}

func (r *Refresher) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Refresher) taskName() string {
	return "refresh:" + r.name
}

// TokenUpdated records an externally obtained token (login, restore) and
// arms the renewal timer. It also clears a terminal state: a fresh login is
// the one legitimate way out.
func (r *Refresher) TokenUpdated(expiresAt time.Time) {
	r.mu.Lock()
	r.state = StateValid
	r.attempts = 0
	r.mu.Unlock()
	r.arm(expiresAt)
}

func (r *Refresher) arm(expiresAt time.Time) {
	delay := time.Until(expiresAt) - r.opts.Margin
	if delay < 0 {
		delay = 0
	}
	r.logger.Debug().Dur("in", delay).Msg("refresh armed")
	r.sched.Once(r.taskName(), delay, func() {
		if err := r.RequestRefresh(context.Background()); err != nil {
			r.logger.Warn().Err(err).Msg("scheduled refresh failed")
		}
	})
}

// RequestRefresh triggers a refresh now. Concurrent callers collapse onto the
// same in-flight attempt and all observe its outcome; duplicate refresh
// requests can invalidate each other's session at the identity provider.
func (r *Refresher) RequestRefresh(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateTerminal {
		r.mu.Unlock()
		return ErrTerminal
	}
	if r.call != nil {
		call := r.call
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &inflight{done: make(chan struct{})}
	r.call = call
	r.state = StateRefreshing
	r.mu.Unlock()

	expiresAt, err := r.refresh(ctx)

	r.mu.Lock()
	r.call = nil
	switch {
	case err == nil:
		r.state = StateValid
		r.attempts = 0
	case r.isTerminal != nil && r.isTerminal(err):
		r.logger.Error().Err(err).Msg("refresh grant rejected, entering terminal state")
		r.becomeTerminalLocked()
	default:
		r.attempts++
		if r.attempts >= r.opts.MaxAttempts {
			r.logger.Error().Err(err).Int("attempts", r.attempts).
				Msg("refresh retry budget exhausted, entering terminal state")
			r.becomeTerminalLocked()
		} else {
			r.state = StateValid // still holding the old grant
			r.logger.Warn().Err(err).Int("attempt", r.attempts).
				Dur("retry_in", r.opts.RetryDelay).Msg("refresh failed, will retry")
			r.sched.Once(r.taskName(), r.opts.RetryDelay, func() {
				if rerr := r.RequestRefresh(context.Background()); rerr != nil {
					r.logger.Warn().Err(rerr).Msg("refresh retry failed")
				}
			})
		}
	}
	terminal := r.state == StateTerminal
	r.mu.Unlock()

	if err == nil {
		r.arm(expiresAt)
	}
	if terminal && r.onTerminal != nil {
		r.onTerminal()
	}

	call.err = err
	close(call.done)
	return err
}

func (r *Refresher) becomeTerminalLocked() {
	r.state = StateTerminal
	r.sched.Cancel(r.taskName())
}
