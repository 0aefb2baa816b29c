// Package dispatch walks a campaign's recipient list and sends its message to
// each recipient in order, one at a time.
//
// Every attempt is written through the store before the next recipient is
// touched, together with a cursor, so a halted run resumes where it stopped.
// Individual send failures are recorded and never abort a run; only a
// persistence failure, cancellation or a session lost for good do. With a
// session waiter installed, a dropped session pauses the run until the
// session is back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"campaigner/internal/campaign"
	"campaigner/internal/eventbus"
	"campaigner/internal/metrics"
	"campaigner/internal/pacing"
	"campaigner/internal/session"
	"campaigner/internal/storage"
	logx "campaigner/pkg/logx"
)

type Config struct {
	Delay         time.Duration
	FollowUpDelay time.Duration
	Cooldown      time.Duration
	// MaxPerMinute caps sends across all runs. 0 disables the ceiling.
	MaxPerMinute int
	// Probe checks registration before each send when the session supports it.
	Probe bool
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = pacing.DefaultDelay
	}
	if c.FollowUpDelay <= 0 {
		c.FollowUpDelay = pacing.DefaultFollowUpDelay
	}
	if c.Cooldown <= 0 {
		c.Cooldown = pacing.DefaultCooldown
	}
	return c
}

type Engine struct {
	store   storage.Store
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// waitSession blocks until a session is open and fails once it is lost
	// for good. Nil means a missing session halts the run.
	waitSession func(ctx context.Context) error
	// staleGrace bounds how long a closed session may stay installed before
	// the run gives up on a replacement.
	staleGrace time.Duration

	mu      sync.Mutex
	cfg     Config
	sess    session.Session
	limiter *rate.Limiter
	running map[string]struct{}
}

func New(store storage.Store, sess session.Session, cfg Config, log logx.Logger, m *metrics.Metrics, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	e := &Engine{
		store:   store,
		sess:    sess,
		log:     log,
		metrics: m,
		bus:     bus,
		now:     time.Now,
		sleep:   sleepCtx,
		running: map[string]struct{}{},

		staleGrace: defaultStaleGrace,
	}
	e.Apply(cfg)
	return e
}

// Apply swaps pacing at runtime. Runs in progress pick it up at their next step.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.MaxPerMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxPerMinute)), 1)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

// SetSession replaces the session used for subsequent sends.
func (e *Engine) SetSession(s session.Session) {
	e.mu.Lock()
	e.sess = s
	e.mu.Unlock()
}

// SetSessionWaiter installs the hook runs use to wait out a reconnect.
func (e *Engine) SetSessionWaiter(fn func(ctx context.Context) error) {
	e.mu.Lock()
	e.waitSession = fn
	e.mu.Unlock()
}

// Running reports whether a run for id is in progress.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// Active returns the ids of runs in progress, sorted.
func (e *Engine) Active() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (e *Engine) acquire(id string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[id]; busy {
		return nil, fmt.Errorf("%w: %s", campaign.ErrAlreadyDispatching, id)
	}
	e.running[id] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
	}, nil
}

type snapshot struct {
	cfg     Config
	sess    session.Session
	limiter *rate.Limiter
	wait    func(ctx context.Context) error
}

func (e *Engine) snapshot() snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot{cfg: e.cfg, sess: e.sess, limiter: e.limiter, wait: e.waitSession}
}

const (
	defaultStaleGrace = 30 * time.Second
	stalePoll         = 25 * time.Millisecond
)

// attempt sends to addr on the current session. When the session drops and a
// waiter is installed, it waits for the next session and retries addr there;
// the closed session never recorded the message, so there is nothing to undo.
func (e *Engine) attempt(ctx context.Context, kind, addr, text string) (campaign.SendAttempt, pacing.Outcome, error) {
	var stale session.Session
	for {
		snap, err := e.sessionSnapshot(ctx, stale)
		if err != nil {
			return campaign.SendAttempt{}, pacing.Failed, err
		}
		a, outcome, err := e.sendOne(ctx, snap, kind, addr, text)
		if errors.Is(err, session.ErrClosed) && snap.wait != nil && ctx.Err() == nil {
			e.log.Warn("session closed mid-run; waiting for reconnect", logx.String("kind", kind), logx.Addr("recipient", addr))
			stale = snap.sess
			continue
		}
		return a, outcome, err
	}
}

// sessionSnapshot returns a snapshot holding a usable session. It waits while
// there is none, and polls while the installed one is stale, up to staleGrace.
func (e *Engine) sessionSnapshot(ctx context.Context, stale session.Session) (snapshot, error) {
	var staleSince time.Time
	for {
		snap := e.snapshot()
		switch {
		case snap.sess != nil && snap.sess != stale:
			return snap, nil
		case snap.wait == nil:
			return snap, session.ErrClosed
		case snap.sess == nil:
			if err := snap.wait(ctx); err != nil {
				return snap, ctxErr(ctx, err)
			}
		default:
			if staleSince.IsZero() {
				staleSince = time.Now()
			} else if time.Since(staleSince) > e.staleGrace {
				return snap, session.ErrClosed
			}
			if err := sleepCtx(ctx, stalePoll); err != nil {
				return snap, err
			}
		}
	}
}

// Start dispatches campaign id. A draft starts at the first recipient; a
// campaign left in sending by an earlier halted run resumes at its cursor.
//
// The returned summary reflects every attempt recorded so far, also when err
// is non-nil.
func (e *Engine) Start(ctx context.Context, id string) (campaign.Summary, error) {
	release, err := e.acquire(id)
	if err != nil {
		return campaign.Summary{}, err
	}
	defer release()

	log := e.log.With(logx.Campaign(id))
	c, err := e.store.Update(ctx, id, func(c *campaign.Campaign) error {
		switch c.Status {
		case campaign.StatusSent:
			return fmt.Errorf("%w: %s", campaign.ErrAlreadyCompleted, c.ID)
		case campaign.StatusSending:
			return nil
		}
		if len(c.Recipients) == 0 {
			return fmt.Errorf("%w: %s", campaign.ErrNoRecipients, c.ID)
		}
		now := e.now()
		c.Status = campaign.StatusSending
		c.StartedAt = &now
		c.Stats.Total = len(c.Recipients)
		c.Cursor = 0
		return nil
	})
	if err != nil {
		return campaign.Summary{}, err
	}

	e.metrics.RunStarted()
	defer e.metrics.RunFinished()
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchStarted, CampaignID: id, Data: c.Stats})

	started := e.now()
	resumed := c.Cursor > 0
	log.Info("dispatch started",
		logx.String("name", c.Name),
		logx.Int("total", len(c.Recipients)),
		logx.Int("cursor", c.Cursor),
		logx.Bool("resumed", resumed),
	)

	for i := c.Cursor; i < len(c.Recipients); i++ {
		a, outcome, err := e.attempt(ctx, "campaign", c.Recipients[i], c.Message)
		if err != nil {
			log.Warn("dispatch halted", logx.Int("cursor", i), logx.Err(err))
			return campaign.Summarize(c), err
		}

		next := i + 1
		// The send already happened; record it even if ctx ended meanwhile.
		c, err = e.store.Update(context.WithoutCancel(ctx), id, func(c *campaign.Campaign) error {
			c.Attempts = append(c.Attempts, a)
			if a.OK() {
				c.Stats.Sent++
			} else {
				c.Stats.Failed++
			}
			c.Cursor = next
			return nil
		})
		if err != nil {
			log.Error("dispatch halted: cannot record attempt", logx.Addr("recipient", a.Recipient), logx.Err(err))
			return e.lastSummary(id), err
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeAttemptRecorded, CampaignID: id, Data: a})

		if next == len(c.Recipients) {
			break
		}
		snap := e.snapshot()
		policy := pacing.Policy{Delay: snap.cfg.Delay, Cooldown: snap.cfg.Cooldown}
		d := policy.NextDelay(outcome, i)
		if outcome == pacing.RateLimited {
			e.metrics.Cooldown()
			log.Warn("rate limited; cooling down", logx.Addr("recipient", a.Recipient), logx.Duration("wait", d))
		}
		if err := e.sleep(ctx, d); err != nil {
			log.Info("dispatch cancelled", logx.Int("cursor", next))
			return campaign.Summarize(c), err
		}
	}

	c, err = e.store.Update(ctx, id, func(c *campaign.Campaign) error {
		now := e.now()
		c.Status = campaign.StatusSent
		c.CompletedAt = &now
		return nil
	})
	if err != nil {
		log.Error("dispatch finished but completion was not recorded", logx.Err(err))
		return campaign.Summary{CampaignID: id}, err
	}

	sum := campaign.Summarize(c)
	fields := []logx.Field{
		logx.Int("total", sum.Total),
		logx.Int("sent", sum.Succeeded),
		logx.Int("failed", sum.Failed),
		logx.Duration("dur", e.now().Sub(started)),
	}
	if sum.Failed > 0 {
		log.Warn("dispatch finished with failures", fields...)
	} else {
		log.Info("dispatch finished", fields...)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFinished, CampaignID: id, Data: sum})
	return sum, nil
}

// lastSummary best-effort reloads the record after a failed write.
func (e *Engine) lastSummary(id string) campaign.Summary {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := e.store.Load(ctx, id)
	if err != nil {
		return campaign.Summary{CampaignID: id}
	}
	return campaign.Summarize(c)
}

// sendOne makes one attempt at addr on snap.sess. A non-nil error means the
// attempt did not happen: the context ended or the session is closed.
func (e *Engine) sendOne(ctx context.Context, snap snapshot, kind, addr, text string) (campaign.SendAttempt, pacing.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return campaign.SendAttempt{}, pacing.Failed, err
	}
	if snap.sess == nil {
		return campaign.SendAttempt{}, pacing.Failed, session.ErrClosed
	}
	if snap.limiter != nil {
		if err := snap.limiter.Wait(ctx); err != nil {
			return campaign.SendAttempt{}, pacing.Failed, ctxErr(ctx, err)
		}
	}

	if snap.cfg.Probe {
		if p, ok := snap.sess.(session.Prober); ok {
			exists, err := p.ProbeExists(ctx, addr)
			switch {
			case ctx.Err() != nil:
				return campaign.SendAttempt{}, pacing.Failed, ctx.Err()
			case errors.Is(err, session.ErrClosed):
				return campaign.SendAttempt{}, pacing.Failed, err
			case err != nil:
				e.log.Debug("probe failed; sending anyway", logx.Addr("recipient", addr), logx.Err(err))
			case !exists:
				a := e.failure(addr, campaign.ReasonNotRegistered, session.ErrNotRegistered)
				e.metrics.Attempt(kind, string(a.Result), string(a.Reason), 0)
				return a, pacing.Failed, nil
			}
		}
	}

	t0 := e.now()
	id, err := snap.sess.Send(ctx, addr, text)
	took := e.now().Sub(t0)
	if err != nil {
		if ctx.Err() != nil {
			return campaign.SendAttempt{}, pacing.Failed, ctx.Err()
		}
		if errors.Is(err, session.ErrClosed) {
			return campaign.SendAttempt{}, pacing.Failed, err
		}
	}

	var (
		a       campaign.SendAttempt
		outcome pacing.Outcome
	)
	switch session.Classify(err) {
	case "":
		a = campaign.SendAttempt{Recipient: addr, Result: campaign.ResultSuccess, MessageID: string(id), At: e.now()}
		outcome = pacing.Success
	case session.KindRateLimited:
		a = e.failure(addr, campaign.ReasonRateLimited, err)
		outcome = pacing.RateLimited
	case session.KindNotRegistered:
		a = e.failure(addr, campaign.ReasonNotRegistered, err)
		outcome = pacing.Failed
	default:
		a = e.failure(addr, campaign.ReasonOther, err)
		outcome = pacing.Failed
	}
	if !a.OK() {
		e.log.Debug("send failed", logx.String("kind", kind), logx.Addr("recipient", addr), logx.String("reason", string(a.Reason)), logx.Err(err))
	}
	e.metrics.Attempt(kind, string(a.Result), string(a.Reason), took)
	return a, outcome, nil
}

func (e *Engine) failure(addr string, reason campaign.Reason, err error) campaign.SendAttempt {
	a := campaign.SendAttempt{Recipient: addr, Result: campaign.ResultFailure, Reason: reason, At: e.now()}
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
