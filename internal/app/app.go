// Package app wires configuration, storage, the messaging session, the
// dispatch engine and the correlator together, and exposes the operator
// commands used by cmd/campaigner.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"campaigner/internal/config"
	"campaigner/internal/correlator"
	"campaigner/internal/dispatch"
	"campaigner/internal/eventbus"
	"campaigner/internal/metrics"
	"campaigner/internal/ops"
	"campaigner/internal/report"
	"campaigner/internal/runtime/supervisor"
	"campaigner/internal/session"
	"campaigner/internal/storage"
	"campaigner/internal/transport/loopback"
	"campaigner/internal/transport/telegram"
	logx "campaigner/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	mu  sync.RWMutex
	cur resolved

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	connector session.Connector
	engine    *dispatch.Engine
	corr      *correlator.Correlator
	digest    *report.Digest
	ops       *ops.Server

	sup     *supervisor.Supervisor
	started time.Time

	sessMu    sync.Mutex
	sess      session.Session
	sessState session.ConnectionState
	sessErr   error
	sessReady chan struct{}
}

type Option func(*options)

type options struct {
	connector session.Connector
	environ   map[string]string
	logger    *logx.Logger
}

// WithConnector replaces the connector chosen by transport.driver.
func WithConnector(c session.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithEnvironment replaces the process environment as the override source.
func WithEnvironment(env map[string]string) Option {
	return func(o *options) { o.environ = env }
}

// WithLogger routes all logs to l instead of the configured sinks.
func WithLogger(l logx.Logger) Option {
	return func(o *options) { o.logger = &l }
}

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	if o.environ == nil {
		if err := config.LoadDotEnv(filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
			return nil, err
		}
	}
	cfgm := config.NewConfigManager(cfgPath)
	if o.environ != nil {
		cfgm.SetEnvironment(o.environ)
	}
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		root   logx.Logger
	)
	if o.logger != nil {
		root = *o.logger
	} else {
		logSvc, root = logx.New(cur.logging())
	}
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	st, err := storage.Open(cur.storage(), root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	conn := o.connector
	if conn == nil {
		conn, err = newConnector(cur, root)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	bus := eventbus.New()
	m := metrics.New()
	a := &App{
		cfgm:      cfgm,
		cur:       cur,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     st,
		metrics:   m,
		connector: conn,
		engine:    dispatch.New(st, nil, cur.dispatch(), root.With(logx.String("comp", "dispatch")), m, bus),
		corr:      correlator.New(st, cur.correlator(), root.With(logx.String("comp", "correlator")), m, bus),
		digest:    report.NewDigest(st, bus, cur.digest(), root.With(logx.String("comp", "digest"))),
		sessState: session.StateClosed,
		sessReady: make(chan struct{}),
	}
	a.engine.SetSessionWaiter(a.WaitSession)
	a.ops = ops.New(cur.ops(), st, m, a.health, root.With(logx.String("comp", "ops")))
	log.Info("app ready",
		logx.String("transport", cfg.Transport.Driver),
		logx.String("storage", cfg.Storage.Driver),
		logx.Bool("ops", cfg.Ops.Enabled),
	)
	return a, nil
}

// validate holds the checks config cannot express without importing
// component packages.
func validate(_ context.Context, cfg *config.Config) error {
	if err := report.ValidateSchedule(cfg.Report.DigestCron); err != nil {
		return fmt.Errorf("report.digest_cron: %w", err)
	}
	return nil
}

func newConnector(cur resolved, log logx.Logger) (session.Connector, error) {
	switch cur.cfg.Transport.Driver {
	case "telegram":
		return telegram.NewConnector(cur.telegram(), log.With(logx.String("comp", "telegram")))
	default:
		log.Warn("loopback transport: messages are recorded, not delivered")
		return loopback.New(cur.cfg.Correlator.Buffer).Connector(), nil
	}
}

func (a *App) config() resolved {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the background tasks: session and correlator, config hot
// reload, the report digest and, when enabled, the ops server. It returns
// once they are scheduled; use WaitSession to block until sends can happen.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cur := a.config()

	if err := a.corr.Refresh(ctx); err != nil {
		return fmt.Errorf("correlator index: %w", err)
	}

	a.sup.Go0("session", a.runSession)
	a.sup.Go("digest", a.digest.Run)
	if cur.cfg.Ops.Enabled {
		a.sup.GoRestart("ops", a.ops.Serve, supervisor.WithBackoff(cur.backoff()))
	}

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.apply(cfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// apply re-applies the settings that can change at runtime.
func (a *App) apply(cfg *config.Config) {
	next, err := resolve(cfg)
	if err != nil {
		a.log.Warn("config not applied", logx.Err(err))
		return
	}
	a.mu.Lock()
	prev := a.cur
	a.cur = next
	a.mu.Unlock()

	if a.logs != nil {
		a.logs.Apply(next.logging())
	}
	a.engine.Apply(next.dispatch())
	a.corr.Apply(next.correlator())
	if sections := config.RestartRequired(prev.cfg, next.cfg); len(sections) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(sections, ",")))
	}
}

// Stop cancels background work, closes the session and the store. Each step
// is bounded so one stuck component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("session", 3*time.Second, func(c context.Context) error {
		s := a.takeSession()
		if s == nil {
			return nil
		}
		return s.Close(c)
	})
	if a.sup != nil {
		step("supervisor", 3*time.Second, func(c context.Context) error {
			err := a.sup.Wait(c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) health() ops.Health {
	a.sessMu.Lock()
	state := a.sessState
	a.sessMu.Unlock()
	h := ops.Health{
		OK:         a.Err() == nil && state == session.StateOpen,
		Session:    string(state),
		Dispatches: a.engine.Active(),
	}
	if a.sup != nil {
		h.Tasks = a.sup.Snapshot()
		h.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	return h
}
