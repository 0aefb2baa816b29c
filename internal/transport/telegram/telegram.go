// Package telegram is a Session over the Telegram Bot API.
//
// Recipients are chat ids carrying the "@telegram" suffix ("123456@telegram").
// Replies arrive through long polling and surface as message events. The Bot
// API reports no delivery or read receipts, so this transport never emits
// receipt events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"campaigner/internal/pacing"
	"campaigner/internal/runtime/supervisor"
	"campaigner/internal/session"
	logx "campaigner/pkg/logx"
)

// Suffix marks an address as a Telegram chat id.
const Suffix = "@telegram"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Reconnect paces connect retries and poll loop restarts.
	Reconnect pacing.Backoff
	// Buffer is the event channel capacity.
	Buffer int
	// URL overrides the Bot API endpoint. Empty means api.telegram.org.
	URL string
	// Offline skips the getMe handshake. Tests use it with URL.
	Offline bool
}

type Connector struct {
	cfg Config
	log logx.Logger
}

var _ session.Connector = (*Connector)(nil)

func NewConnector(cfg Config, log logx.Logger) (*Connector, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Connector{cfg: cfg, log: log}, nil
}

// Connect authenticates the bot, retrying per cfg.Reconnect, and starts polling.
// A rejected token is not retried.
func (c *Connector) Connect(ctx context.Context) (session.Session, error) {
	var bot *tele.Bot
	err := session.Reconnect(ctx, c.cfg.Reconnect, c.log, func(ctx context.Context) error {
		b, err := tele.NewBot(tele.Settings{
			Token:   c.cfg.Token,
			URL:     c.cfg.URL,
			Poller:  &tele.LongPoller{Timeout: c.cfg.PollTimeout},
			Client:  &http.Client{Timeout: c.cfg.PollTimeout + 10*time.Second},
			Offline: c.cfg.Offline,
			OnError: func(err error, _ tele.Context) {
				c.log.Warn("telegram handler error", logx.Err(err))
			},
		})
		if err != nil {
			if isUnauthorized(err) {
				return fmt.Errorf("%w: %v", session.ErrClosed, err)
			}
			return err
		}
		bot = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return start(ctx, bot, c.cfg, c.log), nil
}

type Session struct {
	bot *tele.Bot
	log logx.Logger
	sup *supervisor.Supervisor

	mu     sync.RWMutex
	closed bool
	events chan session.Event

	dropped atomic.Uint64
}

var (
	_ session.Session = (*Session)(nil)
	_ session.Prober  = (*Session)(nil)
)

func start(ctx context.Context, bot *tele.Bot, cfg Config, log logx.Logger) *Session {
	s := &Session{
		bot:    bot,
		log:    log,
		events: make(chan session.Event, cfg.Buffer),
	}
	// The session outlives the connect call; only Close or a lost poll loop
	// end it.
	s.sup = supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(log.With(logx.String("comp", "telegram"))),
		supervisor.WithCancelOnError(true),
	)
	bot.Handle(tele.OnText, func(c tele.Context) error { return s.inbound(c, false) })
	bot.Handle(tele.OnMedia, func(c tele.Context) error { return s.inbound(c, true) })

	s.emit(session.ConnectionEvent(session.StateOpen, nil))

	s.sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		bot.Stop()
	})
	s.sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		log.Info("polling started")
		bot.Start()
		if ctx.Err() != nil {
			return nil
		}
		s.emit(session.ConnectionEvent(session.StateConnecting, nil))
		return errors.New("polling stopped")
	},
		supervisor.WithBackoff(cfg.Reconnect),
		supervisor.WithStopOnCleanExit(false),
		supervisor.WithFatalOnGiveUp(true),
	)
	s.sup.Go0("updates.drop_report", func(ctx context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.reportDropped()
				return
			case <-t.C:
				s.reportDropped()
			}
		}
	})
	go s.closeWhenLost()
	return s
}

// closeWhenLost closes the session once the poll loop gives up.
func (s *Session) closeWhenLost() {
	<-s.sup.Context().Done()
	if err := s.sup.Err(); err != nil {
		s.finish(session.StateClosed, fmt.Errorf("%w: %v", session.ErrClosed, err))
	}
}

func (s *Session) reportDropped() {
	if n := s.dropped.Swap(0); n > 0 {
		s.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(s.events)))
	}
}

func (s *Session) Events() <-chan session.Event { return s.events }

// emit never blocks the poller; a full channel drops the event.
func (s *Session) emit(ev session.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *Session) inbound(c tele.Context, media bool) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	text := m.Text
	if media {
		text = m.Caption
	}
	in := session.InboundMessage{
		Address: Address(m.Sender.ID),
		Text:    text,
		Media:   media,
		At:      m.Time(),
	}
	if m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup {
		in.IsGroup = true
		in.GroupID = Address(m.Chat.ID)
	}
	s.emit(session.MessageEvent(in))
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) Send(ctx context.Context, addr, text string) (session.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.isClosed() {
		return "", session.ErrClosed
	}
	id, err := ParseAddress(addr)
	if err != nil {
		return "", &session.SendError{Kind: session.KindNotRegistered, Err: err}
	}
	msg, err := s.bot.Send(&tele.Chat{ID: id}, text)
	if err != nil {
		return "", classify(err)
	}
	return session.MessageID(strconv.Itoa(msg.ID)), nil
}

// ProbeExists reports whether the bot can reach the chat.
func (s *Session) ProbeExists(ctx context.Context, addr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.isClosed() {
		return false, session.ErrClosed
	}
	id, err := ParseAddress(addr)
	if err != nil {
		return false, nil
	}
	if _, err := s.bot.ChatByID(id); err != nil {
		if session.Classify(classify(err)) == session.KindNotRegistered {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Session) Close(ctx context.Context) error {
	s.finish(session.StateClosed, nil)
	s.sup.Cancel()
	// getUpdates may still be waiting out its long poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := s.sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

// finish publishes the final state and closes the event channel once.
func (s *Session) finish(state session.ConnectionState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- session.ConnectionEvent(state, err):
	default:
	}
	s.closed = true
	close(s.events)
}

// Address formats a chat id as a recipient address.
func Address(chatID int64) string {
	return strconv.FormatInt(chatID, 10) + Suffix
}

// ParseAddress extracts the chat id from "<id>@telegram" or a bare id.
func ParseAddress(addr string) (int64, error) {
	raw := strings.TrimSuffix(strings.TrimSpace(addr), Suffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("not a telegram chat id: %q", addr)
	}
	return id, nil
}

func isUnauthorized(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusUnauthorized {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "(401)")
}

// classify maps Bot API failures onto the send taxonomy.
func classify(err error) error {
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusTooManyRequests {
		return &session.SendError{Kind: session.KindRateLimited, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "retry after"), strings.Contains(msg, "too many requests"):
		return &session.SendError{Kind: session.KindRateLimited, Err: err}
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "blocked by the user"),
		strings.Contains(msg, "user is deactivated"),
		strings.Contains(msg, "bot can't initiate conversation"):
		return &session.SendError{Kind: session.KindNotRegistered, Err: err}
	}
	return err
}
