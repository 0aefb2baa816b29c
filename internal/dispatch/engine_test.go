package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"campaigner/internal/campaign"
	"campaigner/internal/recipients"
	"campaigner/internal/session"
	"campaigner/internal/storage"
	"campaigner/internal/transport/loopback"
	logx "campaigner/pkg/logx"
)

type harness struct {
	store storage.Store
	sess  *loopback.Session
	eng   *Engine

	mu     sync.Mutex
	delays []time.Duration
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "campaigns")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{store: st, sess: loopback.New(16)}
	h.eng = New(st, h.sess, cfg, logx.Nop(), nil, nil)
	h.eng.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) create(t *testing.T, raw ...string) *campaign.Campaign {
	t.Helper()
	addrs := recipients.Canonicalizer{}.Normalize(raw)
	c := campaign.New("promo", "hi", "list.txt", addrs, time.Now())
	if _, err := h.store.Create(context.Background(), c); err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func (h *harness) load(t *testing.T, id string) *campaign.Campaign {
	t.Helper()
	c, err := h.store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return c
}

func (h *harness) sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

func TestStartRecordsRateLimitedFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1111111111", "2222222222")
	second := c.Recipients[1]
	h.sess.FailNext(second, errors.New("429: too many requests"))

	sum, err := h.eng.Start(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := h.load(t, c.ID)
	if got.Status != campaign.StatusSent || got.CompletedAt == nil {
		t.Fatalf("status = %s, completed = %v", got.Status, got.CompletedAt)
	}
	if got.Stats.Total != 2 || got.Stats.Sent != 1 || got.Stats.Failed != 1 {
		t.Fatalf("stats = %+v", got.Stats)
	}
	if len(sum.Failures) != 1 || sum.Failures[0].Recipient != second || sum.Failures[0].Reason != campaign.ReasonRateLimited {
		t.Fatalf("failures = %+v", sum.Failures)
	}
	if !sum.Complete || sum.Succeeded != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	// One wait between the two sends, none after the last.
	if d := h.sleeps(); len(d) != 1 || d[0] != 2*time.Second {
		t.Fatalf("sleeps = %v", d)
	}
}

func TestRateLimitEscalatesNextDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Delay: time.Second, Cooldown: 30 * time.Second})
	c := h.create(t, "1", "2", "3")
	h.sess.FailNext(c.Recipients[1], session.ErrRateLimited)

	if _, err := h.eng.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d := h.sleeps()
	if len(d) != 2 {
		t.Fatalf("sleeps = %v", d)
	}
	if d[1]-d[0] < 29*time.Second {
		t.Fatalf("cooldown %v not escalated past %v", d[1], d[0])
	}
}

func TestSentPlusFailedEqualsTotal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		fails map[int]error
	}{
		{"all ok", nil},
		{"mixed", map[int]error{0: session.ErrUnavailable, 2: errors.New("boom"), 3: session.ErrNotRegistered}},
		{"all fail", map[int]error{0: errors.New("x"), 1: errors.New("x"), 2: errors.New("x"), 3: errors.New("x"), 4: errors.New("x")}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			c := h.create(t, "10", "20", "30", "40", "50")
			for i, err := range tt.fails {
				h.sess.FailNext(c.Recipients[i], err)
			}
			if _, err := h.eng.Start(context.Background(), c.ID); err != nil {
				t.Fatalf("Start: %v", err)
			}
			got := h.load(t, c.ID)
			if got.Stats.Sent+got.Stats.Failed != got.Stats.Total || got.Status != campaign.StatusSent {
				t.Fatalf("stats = %+v status = %s", got.Stats, got.Status)
			}
			if got.Stats.Failed != len(tt.fails) {
				t.Fatalf("failed = %d, want %d", got.Stats.Failed, len(tt.fails))
			}
			for i, a := range got.Attempts {
				if a.Recipient != c.Recipients[i] {
					t.Fatalf("attempt %d out of order: %s", i, a.Recipient)
				}
			}
		})
	}
}

func TestUnavailableSessionIsOtherFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1", "2")
	h.sess.FailNext(c.Recipients[0], session.ErrUnavailable)

	sum, err := h.eng.Start(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sum.Failed != 1 || sum.Failures[0].Reason != campaign.ReasonOther {
		t.Fatalf("summary = %+v", sum)
	}
	if len(h.sess.Sent()) != 1 {
		t.Fatalf("second recipient not attempted")
	}
}

func TestProbeMarksNotRegistered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Probe: true})
	c := h.create(t, "1", "2")
	h.sess.Unregister(c.Recipients[0])

	sum, err := h.eng.Start(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sum.Failed != 1 || sum.Failures[0].Reason != campaign.ReasonNotRegistered {
		t.Fatalf("summary = %+v", sum)
	}
	sent := h.sess.Sent()
	if len(sent) != 1 || sent[0].Address != c.Recipients[1] {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestSecondStartIsRefusedWhileDispatching(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1")

	var inner error
	h.sess.OnSend(func(loopback.Sent) {
		_, inner = h.eng.Start(context.Background(), c.ID)
	})
	if _, err := h.eng.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !errors.Is(inner, campaign.ErrAlreadyDispatching) {
		t.Fatalf("inner Start = %v", inner)
	}
	if _, err := h.eng.Start(context.Background(), c.ID); !errors.Is(err, campaign.ErrAlreadyCompleted) {
		t.Fatalf("restart of sent campaign = %v", err)
	}
}

func TestStartWithoutRecipients(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t)
	if _, err := h.eng.Start(context.Background(), c.ID); !errors.Is(err, campaign.ErrNoRecipients) {
		t.Fatalf("Start = %v", err)
	}
	if _, err := h.eng.Start(context.Background(), "missing"); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("Start missing = %v", err)
	}
}

func TestClosedSessionHaltsAndResumesAtCursor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1", "2", "3")
	h.sess.FailNext(c.Recipients[1], session.ErrClosed)

	if _, err := h.eng.Start(context.Background(), c.ID); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("Start = %v", err)
	}
	got := h.load(t, c.ID)
	if got.Status != campaign.StatusSending || got.Cursor != 1 || len(got.Attempts) != 1 {
		t.Fatalf("after halt: status=%s cursor=%d attempts=%d", got.Status, got.Cursor, len(got.Attempts))
	}

	sum, err := h.eng.Start(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sum.Total != 3 || sum.Succeeded != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	sent := h.sess.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d times, want 3 with no resend", len(sent))
	}
	for i, s := range sent {
		if s.Address != c.Recipients[i] {
			t.Fatalf("send %d to %s", i, s.Address)
		}
	}
}

func TestDroppedSessionWaitsForReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1", "2", "3")

	restored := make(chan struct{})
	h.eng.SetSessionWaiter(func(ctx context.Context) error {
		select {
		case <-restored:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	var once sync.Once
	h.sess.OnSend(func(loopback.Sent) {
		once.Do(func() {
			h.eng.SetSession(nil)
			go func() {
				time.Sleep(20 * time.Millisecond)
				h.eng.SetSession(h.sess)
				close(restored)
			}()
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := h.eng.Start(ctx, c.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sum.Succeeded != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := h.load(t, c.ID); got.Status != campaign.StatusSent || got.Cursor != 3 {
		t.Fatalf("status=%s cursor=%d", got.Status, got.Cursor)
	}
}

func TestClosedSessionRetriesRecipientOnReplacement(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1", "2", "3")
	next := loopback.New(16)

	h.eng.SetSessionWaiter(func(ctx context.Context) error { return ctx.Err() })
	h.sess.FailNext(c.Recipients[1], session.ErrClosed)
	var once sync.Once
	h.sess.OnSend(func(loopback.Sent) {
		once.Do(func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				h.eng.SetSession(next)
			}()
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.eng.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first := h.sess.Sent(); len(first) != 1 || first[0].Address != c.Recipients[0] {
		t.Fatalf("first session sent %v", first)
	}
	second := next.Sent()
	if len(second) != 2 || second[0].Address != c.Recipients[1] || second[1].Address != c.Recipients[2] {
		t.Fatalf("replacement sent %v", second)
	}
	got := h.load(t, c.ID)
	if got.Status != campaign.StatusSent || got.Stats.Sent != 3 || len(got.Attempts) != 3 {
		t.Fatalf("status=%s stats=%+v attempts=%d", got.Status, got.Stats, len(got.Attempts))
	}
}

func TestLostSessionHaltsWithWaiterError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1", "2", "3")

	lost := errors.Join(session.ErrClosed, errors.New("logged out"))
	h.eng.SetSessionWaiter(func(context.Context) error { return lost })
	var once sync.Once
	h.sess.OnSend(func(loopback.Sent) { once.Do(func() { h.eng.SetSession(nil) }) })

	if _, err := h.eng.Start(context.Background(), c.ID); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("Start = %v", err)
	}
	got := h.load(t, c.ID)
	if got.Status != campaign.StatusSending || got.Cursor != 1 {
		t.Fatalf("status=%s cursor=%d", got.Status, got.Cursor)
	}
}

func TestCancelKeepsRecordedAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1", "2", "3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.eng.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	if _, err := h.eng.Start(ctx, c.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start = %v", err)
	}
	got := h.load(t, c.ID)
	if got.Status != campaign.StatusSending || got.Stats.Sent != 1 || got.Cursor != 1 {
		t.Fatalf("after cancel: %+v cursor=%d", got.Stats, got.Cursor)
	}
}

// A receipt write racing each attempt write must not be lost.
func TestReceiptWritesDuringDispatchAreKept(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1", "2", "3", "4")

	var wg sync.WaitGroup
	h.sess.OnSend(func(s loopback.Sent) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.store.Update(context.Background(), c.ID, func(c *campaign.Campaign) error {
				c.Stats.Delivered++
				return nil
			})
		}()
	})
	if _, err := h.eng.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	wg.Wait()
	got := h.load(t, c.ID)
	if got.Stats.Sent != 4 || got.Stats.Delivered != 4 {
		t.Fatalf("stats = %+v", got.Stats)
	}
}

func TestFollowUpCountsSuccessesOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t, "1", "2", "3")
	if _, err := h.eng.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.sess.FailNext(c.Recipients[2], errors.New("nope"))

	f, err := h.eng.FollowUp(context.Background(), c.ID, "reminder")
	if err != nil {
		t.Fatalf("FollowUp: %v", err)
	}
	if len(f.Results) != 3 || f.Succeeded() != 2 || f.ID == "" {
		t.Fatalf("follow-up = %+v", f)
	}
	got := h.load(t, c.ID)
	if got.Stats.FollowUpsSent != 2 || got.Stats.Sent != 3 || got.Stats.Total != 3 {
		t.Fatalf("stats = %+v", got.Stats)
	}
	if got.Status != campaign.StatusSent {
		t.Fatalf("status changed to %s", got.Status)
	}
	logs, err := h.store.FollowUps(context.Background(), c.ID)
	if err != nil || len(logs) != 1 || logs[0].ID != f.ID {
		t.Fatalf("follow-up log = %+v, %v", logs, err)
	}
	// Follow-ups pace at the shorter delay.
	for _, d := range h.sleeps()[2:] {
		if d != time.Second {
			t.Fatalf("follow-up delay = %v", d)
		}
	}
}

func TestFollowUpRebuildsRecipientsFromAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := campaign.New("legacy", "hi", "", nil, time.Now())
	a := "1@s.whatsapp.net"
	b := "2@s.whatsapp.net"
	c.Status = campaign.StatusSent
	c.Attempts = []campaign.SendAttempt{
		{Recipient: a, Result: campaign.ResultSuccess},
		{Recipient: b, Result: campaign.ResultFailure, Reason: campaign.ReasonOther},
		{Recipient: a, Result: campaign.ResultSuccess},
	}
	if _, err := h.store.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	f, err := h.eng.FollowUp(context.Background(), c.ID, "again")
	if err != nil {
		t.Fatalf("FollowUp: %v", err)
	}
	if len(f.Results) != 2 {
		t.Fatalf("results = %+v", f.Results)
	}
	got := h.load(t, c.ID)
	if len(got.Recipients) != 2 || got.Recipients[0] != a || got.Recipients[1] != b {
		t.Fatalf("recipients not written back: %v", got.Recipients)
	}
}

func TestFollowUpWithoutHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.create(t)
	if _, err := h.eng.FollowUp(context.Background(), c.ID, "x"); !errors.Is(err, campaign.ErrNoRecipients) {
		t.Fatalf("FollowUp = %v", err)
	}
}
