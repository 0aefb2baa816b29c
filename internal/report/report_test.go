package report

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"campaigner/internal/campaign"
	"campaigner/internal/correlator"
	"campaigner/internal/eventbus"
	"campaigner/internal/storage"
	logx "campaigner/pkg/logx"
)

func mk(name string, created time.Time, sent, responses int) *campaign.Campaign {
	c := campaign.New(name, "hi", "l.txt", []string{"1@s.whatsapp.net"}, created)
	c.Stats.Sent = sent
	c.Stats.Responses = responses
	return c
}

func TestAnalyzeTotalsAndBest(t *testing.T) {
	t.Parallel()
	now := time.Now()
	a := mk("a", now.Add(-2*time.Hour), 10, 1)
	b := mk("b", now.Add(-time.Hour), 4, 2)
	done := now
	b.CompletedAt = &done
	c := mk("c", now, 0, 0)

	rs := map[string][]campaign.Response{
		b.ID: {
			{At: b.CreatedAt.Add(10 * time.Minute)},
			{At: b.CreatedAt.Add(30 * time.Minute)},
		},
	}
	d := Analyze([]*campaign.Campaign{a, b, c}, rs)

	if d.Campaigns != 3 || d.TotalSent != 14 || d.TotalResponses != 3 {
		t.Fatalf("totals = %+v", d)
	}
	if d.AvgResponseRate != 21 {
		t.Fatalf("avg rate = %d, want 21", d.AvgResponseRate)
	}
	if d.Rows[0].Name != "c" || d.Rows[2].Name != "a" {
		t.Fatalf("rows not newest first: %s..%s", d.Rows[0].Name, d.Rows[2].Name)
	}
	if !d.Rows[1].Complete || d.Rows[1].ResponseRate != 50 {
		t.Fatalf("row b = %+v", d.Rows[1])
	}
	if d.Best == nil || d.Best.Name != "b" {
		t.Fatalf("best = %+v", d.Best)
	}
	if len(d.Timings) != 1 {
		t.Fatalf("timings = %+v", d.Timings)
	}
	tm := d.Timings[0]
	if tm.First != 10 || tm.Last != 30 || tm.Average != 20 {
		t.Fatalf("timing = %+v", tm)
	}
}

func TestAnalyzeSingleCampaignHasNoBest(t *testing.T) {
	t.Parallel()
	d := Analyze([]*campaign.Campaign{mk("only", time.Now(), 5, 5)}, nil)
	if d.Best != nil {
		t.Fatalf("best = %+v", d.Best)
	}
	if d.AvgResponseRate != 100 {
		t.Fatalf("rate = %d", d.AvgResponseRate)
	}
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "c.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestResponsesViewLimits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	c := mk("a", time.Now(), 4, 3)
	if _, err := st.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := st.AppendResponse(ctx, c.ID, campaign.Response{ID: string(rune('a' + i)), At: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	v, err := Responses(ctx, st, c.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if v.Total != 3 || len(v.Shown) != 2 || v.Rate != 75 {
		t.Fatalf("view = total %d shown %d rate %d", v.Total, len(v.Shown), v.Rate)
	}
}

func TestExportWorkbook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	c := mk("promo", time.Now(), 1, 1)
	c.Attempts = []campaign.SendAttempt{{Recipient: "1@s.whatsapp.net", Result: campaign.ResultSuccess, At: time.Now()}}
	if _, err := st.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendResponse(ctx, c.ID, campaign.Response{ID: "r", From: "1@s.whatsapp.net", Text: "yes", At: time.Now()}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Export(ctx, st, c.ID, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	xl, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer xl.Close()

	want := []string{sheetSummary, sheetAttempts, sheetResponses, sheetFollowUps}
	if got := xl.GetSheetList(); len(got) != len(want) {
		t.Fatalf("sheets = %v", got)
	}
	name, _ := xl.GetCellValue(sheetSummary, "B1")
	if name != "promo" {
		t.Fatalf("summary name = %q", name)
	}
	msg, _ := xl.GetCellValue(sheetResponses, "B2")
	if msg != "yes" {
		t.Fatalf("response cell = %q", msg)
	}
	rcpt, _ := xl.GetCellValue(sheetAttempts, "A2")
	if rcpt != "1" {
		t.Fatalf("attempt recipient = %q", rcpt)
	}
}

func TestDigestTalliesResponses(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	bus := eventbus.New()
	d := NewDigest(st, bus, DigestConfig{}, logx.Nop())

	d.observe(eventbus.Event{Type: eventbus.TypeResponse, Data: correlator.Notice{CampaignName: "a", Response: campaign.Response{From: "1@x"}}})
	d.observe(eventbus.Event{Type: eventbus.TypeResponse, Data: correlator.Notice{CampaignName: "a"}})
	got := d.Flush(context.Background())
	if got["a"] != 2 {
		t.Fatalf("pending = %v", got)
	}
	if again := d.Flush(context.Background()); len(again) != 0 {
		t.Fatalf("tally not reset: %v", again)
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for expr, ok := range map[string]bool{"": true, "0 9 * * *": true, "@daily": true, "*/5 * * * * *": true, "nope": false} {
		if err := ValidateSchedule(expr); (err == nil) != ok {
			t.Fatalf("ValidateSchedule(%q) = %v", expr, err)
		}
	}
}
