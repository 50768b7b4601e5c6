// Package scheduler provides named, cancellable timer tasks and the token
// refresh state machine built on top of them. All tasks registered against
// one Scheduler are torn down atomically on shutdown, which is what lets the
// bridge guarantee that no reconnect or refresh fires after unload.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type task struct {
	timer  *time.Timer
	ticker *time.Ticker
	stop   chan struct{}
}

// Scheduler owns a set of named tasks. Scheduling a task under a name that is
// already armed replaces the pending run (re-arm, never stack); this is the
// debounce primitive the sync and push paths rely on.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*task),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Once arms a single-shot task. fn runs on its own goroutine after delay
// unless the task is cancelled or replaced first.
func (s *Scheduler) Once(name string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug().Str("task", name).Msg("scheduler closed, dropping task")
		return
	}
	s.cancelLocked(name)
	t := &task{}
	t.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, name)
		s.mu.Unlock()
		fn()
	})
	s.tasks[name] = t
}

// Every arms a periodic task. The first run happens after one interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelLocked(name)
	t := &task{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}
	s.tasks[name] = t
	go func() {
		for {
			select {
			case <-t.stop:
				return
			case <-t.ticker.C:
				fn()
			}
		}
	}()
}

// Cancel stops the named task if armed.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(name)
}

func (s *Scheduler) cancelLocked(name string) {
	t, ok := s.tasks[name]
	if !ok {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.stop)
	}
	delete(s.tasks, name)
}

// Pending reports whether a task is currently armed under name.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Shutdown cancels every task and rejects all future scheduling.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for name := range s.tasks {
		s.cancelLocked(name)
	}
}
