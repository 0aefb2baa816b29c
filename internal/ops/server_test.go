package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"campaigner/internal/campaign"
	"campaigner/internal/metrics"
	"campaigner/internal/storage"
	logx "campaigner/pkg/logx"
)

func newServer(t *testing.T, cfg Config) (*Server, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "c")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(cfg, st, metrics.New(), nil, logx.Nop()), st
}

func get(t *testing.T, h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCampaignEndpoints(t *testing.T) {
	t.Parallel()
	s, st := newServer(t, Config{})
	ctx := context.Background()
	old := campaign.New("old", "hi", "a.txt", []string{"1@s.whatsapp.net"}, time.Now().Add(-time.Hour))
	cur := campaign.New("new", "hi", "a.txt", []string{"1@s.whatsapp.net"}, time.Now())
	for _, c := range []*campaign.Campaign{old, cur} {
		if _, err := st.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	h := s.Handler()

	rec := get(t, h, "/campaigns")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var rows []struct{ Name string }
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Name != "new" {
		t.Fatalf("rows = %+v", rows)
	}

	if rec := get(t, h, "/campaigns/"+old.ID); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"summary"`) {
		t.Fatalf("detail = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/campaigns/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", rec.Code)
	}
	if rec := get(t, h, "/campaigns/"+old.ID+"/responses?limit=x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
	if rec := get(t, h, "/campaigns/"+old.ID+"/export.xlsx"); rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("export = %d", rec.Code)
	}
	if rec := get(t, h, "/analytics"); rec.Code != http.StatusOK {
		t.Fatalf("analytics = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics"); !strings.Contains(rec.Body.String(), "campaigner_http_requests_total") {
		t.Fatalf("metrics missing request counter")
	}
}

func TestTokenGuard(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, Config{Token: "secret"})
	h := s.Handler()

	if rec := get(t, h, "/campaigns"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := get(t, h, "/campaigns", "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer = %d", rec.Code)
	}
	if rec := get(t, h, "/campaigns?token=secret"); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}

func TestServeRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, Config{Addr: "0.0.0.0:0"})
	if err := s.Serve(context.Background()); err == nil {
		t.Fatalf("expected refusal")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
