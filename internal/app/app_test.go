package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"campaigner/internal/campaign"
	"campaigner/internal/recipients"
	"campaigner/internal/session"
	"campaigner/internal/transport/loopback"
	logx "campaigner/pkg/logx"
)

type fixture struct {
	app  *App
	sess *loopback.Session
	dir  string
}

func newFixture(t *testing.T, extra string) fixture {
	t.Helper()
	dir := t.TempDir()
	contacts := filepath.Join(dir, "contacts")
	if err := os.MkdirAll(contacts, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(contacts, "promo.txt"), []byte("1111111111\n\n+1 (222) 222-2222\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := strings.Join([]string{
		"storage:",
		"  driver: file",
		"  path: " + filepath.Join(dir, "campaigns"),
		"data:",
		"  contacts_dir: " + contacts,
		"  export_dir: " + filepath.Join(dir, "exports"),
		"dispatch:",
		"  delay: 1ms",
		"  followup_delay: 1ms",
		"  cooldown: 1ms",
		extra,
	}, "\n")
	cfgPath := filepath.Join(dir, "campaigner.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	sess := loopback.New(16)
	a, err := New(context.Background(), cfgPath,
		WithConnector(sess.Connector()),
		WithEnvironment(map[string]string{}),
		WithLogger(logx.Nop()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{app: a, sess: sess, dir: dir}
}

func (f fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		stopCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = f.app.Stop(stopCtx, StopCommand)
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCampaignLifecycle(t *testing.T) {
	f := newFixture(t, "")
	f.start(t)
	ctx := context.Background()

	lists, err := f.app.Lists()
	if err != nil || len(lists) != 1 || lists[0] != "promo.txt" {
		t.Fatalf("lists = %v, %v", lists, err)
	}

	c, err := f.app.Create(ctx, "spring", "hello", "promo.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := []string{"1111111111@s.whatsapp.net", "12222222222@s.whatsapp.net"}
	if strings.Join(c.Recipients, ",") != strings.Join(want, ",") || c.Status != campaign.StatusDraft {
		t.Fatalf("created = %+v", c)
	}

	sum, err := f.app.Dispatch(ctx, c.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Total != 2 || sum.Succeeded != 2 || sum.Failed != 0 || !sum.Complete {
		t.Fatalf("summary = %+v", sum)
	}
	if got := len(f.sess.Sent()); got != 2 {
		t.Fatalf("sent = %d", got)
	}

	f.sess.Inject(session.ReceiptEvent(want[0], session.ReceiptRead, time.Now()))
	f.sess.Inject(session.MessageEvent(session.InboundMessage{Address: "1111111111", Text: "interested", At: time.Now()}))
	eventually(t, "receipt and reply", func() bool {
		got, err := f.app.Campaign(ctx, c.ID)
		return err == nil && got.Stats.Read == 1 && got.Stats.Responses == 1
	})

	view, err := f.app.Responses(ctx, c.ID, 10)
	if err != nil || view.Total != 1 || view.Rate != 50 || view.Shown[0].Text != "interested" {
		t.Fatalf("responses = %+v, %v", view, err)
	}

	fu, err := f.app.FollowUp(ctx, c.ID, "last chance")
	if err != nil || fu.Succeeded() != 2 {
		t.Fatalf("FollowUp = %+v, %v", fu, err)
	}

	dash, err := f.app.Analytics(ctx)
	if err != nil || dash.Campaigns != 1 || dash.TotalSent != 2 || dash.TotalResponses != 1 {
		t.Fatalf("analytics = %+v, %v", dash, err)
	}

	path, err := f.app.Export(ctx, c.ID, "")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := os.Stat(path); err != nil || filepath.Ext(path) != ".xlsx" {
		t.Fatalf("export %s: %v", path, err)
	}

	if _, err := f.app.Dispatch(ctx, c.ID); !errors.Is(err, campaign.ErrAlreadyCompleted) {
		t.Fatalf("second dispatch err = %v", err)
	}

	cs, err := f.app.Campaigns(ctx)
	if err != nil || len(cs) != 1 || cs[0].Stats.FollowUpsSent != 2 {
		t.Fatalf("campaigns = %+v, %v", cs, err)
	}

	h := f.app.health()
	if !h.OK || h.Session != string(session.StateOpen) || len(h.Tasks) == 0 {
		t.Fatalf("health = %+v", h)
	}
}

func TestCreateRejectsBadLists(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	for _, list := range []string{"../campaigner.yaml", "missing.txt", ""} {
		if _, err := f.app.Create(ctx, "x", "hi", list); !errors.Is(err, recipients.ErrSourceUnavailable) {
			t.Fatalf("%q: err = %v", list, err)
		}
	}
	if _, err := f.app.Create(ctx, "", "hi", "promo.txt"); err == nil {
		t.Fatalf("empty name accepted")
	}
	_ = f.app.Stop(context.Background(), StopCommand)
}

func TestWaitSessionHonorsContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.app.WaitSession(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	_ = f.app.Stop(context.Background(), StopCommand)
}

func TestInvalidDigestCronRejected(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "c.yaml")
	body := "storage:\n  path: " + filepath.Join(dir, "campaigns") + "\nreport:\n  digest_cron: \"every tuesday\"\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := New(context.Background(), p, WithEnvironment(map[string]string{}), WithLogger(logx.Nop()))
	if err == nil || !strings.Contains(err.Error(), "digest_cron") {
		t.Fatalf("err = %v", err)
	}
}

func TestConfigReloadAppliesPacing(t *testing.T) {
	f := newFixture(t, "")
	f.start(t)
	cfg := *f.app.cfgm.Get()
	cfg.Dispatch.Delay = "7s"
	f.app.apply(&cfg)
	if got := f.app.engine.Active(); len(got) != 0 {
		t.Fatalf("active = %v", got)
	}
	if d := f.app.config().dispatch().Delay; d != 7*time.Second {
		t.Fatalf("delay = %v", d)
	}
}
