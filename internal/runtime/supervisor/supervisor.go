// Package supervisor runs the long-lived loops of the process (receipt
// correlation, the ops server, the report digest) under one cancellable
// context, with panic recovery and optional restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"campaigner/internal/pacing"
	logx "campaigner/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value
	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	tasks map[string]*taskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first task error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		tasks:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error reported by any task.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// TaskStats is a point-in-time view of one named task.
type TaskStats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Started   int       `json:"started"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastStart time.Time `json:"last_start"`
}

type taskStats struct{ TaskStats }

// Snapshot lists tasks, active first, then by name.
func (s *Supervisor) Snapshot() []TaskStats {
	s.mu.Lock()
	out := make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.TaskStats)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Supervisor) note(name string, fn func(t *taskStats)) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &taskStats{TaskStats{Name: name}}
		s.tasks[name] = t
	}
	fn(t)
	s.mu.Unlock()
}

// run executes fn once, converting a panic into an error.
func (s *Supervisor) run(ctx context.Context, name string, restart bool, fn func(context.Context) error) (err error) {
	s.note(name, func(t *taskStats) {
		t.Active++
		t.Started++
		if restart {
			t.Restarts++
		}
		t.LastStart = time.Now()
	})
	defer func() {
		if r := recover(); r != nil {
			s.note(name, func(t *taskStats) { t.Panics++ })
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
		s.note(name, func(t *taskStats) {
			t.Active--
			if err != nil && !errors.Is(err, context.Canceled) {
				t.LastErr = err.Error()
			}
		})
	}()
	return fn(ctx)
}

// Go runs fn once. A non-nil error other than cancellation is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("task started", logx.String("task", name))
		if err := s.run(s.ctx, name, false, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("task stopped", logx.String("task", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	backoff         pacing.Backoff
	fatalOnGiveUp   bool
	stopOnCleanExit bool
}

// WithBackoff sets the restart schedule. MaxAttempts caps restarts; <= 0 restarts forever.
func WithBackoff(b pacing.Backoff) RestartOption {
	return func(c *restartCfg) { c.backoff = b }
}

// WithFatalOnGiveUp records the final error once restarts are exhausted.
func WithFatalOnGiveUp(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalOnGiveUp = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the task. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it after errors or panics until the context
// is cancelled or the backoff gives up.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		backoff:         pacing.Backoff{Base: 250 * time.Millisecond, Max: 30 * time.Second},
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		attempt := 0
		for {
			started := time.Now()
			err := s.run(s.ctx, name, attempt > 0, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}
			// A long healthy run resets the schedule.
			if time.Since(started) >= 30*time.Second {
				attempt = 0
			}
			attempt++
			wait, ok := restartDelay(cfg.backoff, attempt)
			if !ok {
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", attempt-1), logx.Err(err))
				if cfg.fatalOnGiveUp {
					s.fail(fmt.Errorf("%s: %w", name, err))
				}
				return
			}
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
}

// restartDelay maps the 1-based restart count onto the backoff schedule.
func restartDelay(b pacing.Backoff, restart int) (time.Duration, bool) {
	return b.Delay(restart - 1)
}

// Stop cancels all tasks and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}
