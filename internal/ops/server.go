// Package ops is the optional operator HTTP surface: liveness, Prometheus
// metrics, read-only campaign views, workbook export and pprof.
//
// Binding to a non-loopback address requires a token unless AllowInsecure is
// set.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"campaigner/internal/campaign"
	"campaigner/internal/metrics"
	"campaigner/internal/report"
	"campaigner/internal/runtime/supervisor"
	"campaigner/internal/storage"
	logx "campaigner/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// Health is the /healthz payload.
type Health struct {
	OK         bool                   `json:"ok"`
	Session    string                 `json:"session"`
	Dispatches []string               `json:"dispatches,omitempty"`
	Tasks      []supervisor.TaskStats `json:"tasks,omitempty"`
	Uptime     string                 `json:"uptime"`
}

// HealthFunc reports current process health.
type HealthFunc func() Health

type Server struct {
	cfg     Config
	store   storage.Store
	metrics *metrics.Metrics
	health  HealthFunc
	log     logx.Logger
}

func New(cfg Config, st storage.Store, m *metrics.Metrics, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if health == nil {
		health = func() Health { return Health{OK: true} }
	}
	return &Server{cfg: cfg, store: st, metrics: m, health: health, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(s.auth)

	r.Get("/healthz", s.getHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", s.listCampaigns)
		r.Get("/{id}", s.getCampaign)
		r.Get("/{id}/responses", s.getResponses)
		r.Get("/{id}/followups", s.getFollowUps)
		r.Get("/{id}/export.xlsx", s.exportCampaign)
	})
	r.Get("/analytics", s.getAnalytics)

	r.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/", hpprof.Index)
		r.HandleFunc("/cmdline", hpprof.Cmdline)
		r.HandleFunc("/profile", hpprof.Profile)
		r.HandleFunc("/symbol", hpprof.Symbol)
		r.HandleFunc("/trace", hpprof.Trace)
		r.Handle("/{profile}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			hpprof.Handler(chi.URLParam(req, "profile")).ServeHTTP(w, req)
		}))
	})
	return r
}

// Serve listens until ctx ends. It is meant to run under a supervisor restart
// loop; a refused insecure bind is returned as an error every time.
func (s *Server) Serve(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("ops server refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.InFlight(1)
		defer s.metrics.InFlight(-1)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTP(r.Method, route, status)
	})
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	code := http.StatusOK
	if !h.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	cs, err := s.store.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	campaign.SortNewestFirst(cs)
	type row struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Status    campaign.Status `json:"status"`
		CreatedAt time.Time       `json:"createdAt"`
		Stats     campaign.Stats  `json:"stats"`
	}
	out := make([]row, 0, len(cs))
	for _, c := range cs {
		out = append(out, row{ID: c.ID, Name: c.Name, Status: c.Status, CreatedAt: c.CreatedAt, Stats: c.Stats})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*campaign.Campaign
		Summary campaign.Summary `json:"summary"`
	}{c, campaign.Summarize(c)})
}

func (s *Server) getResponses(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	v, err := report.Responses(r.Context(), s.store, chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getFollowUps(w http.ResponseWriter, r *http.Request) {
	fs, err := s.store.FollowUps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if fs == nil {
		fs = []campaign.FollowUp{}
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) exportCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Load(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "campaign-"+id+".xlsx"))
	if err := report.Export(r.Context(), s.store, id, w); err != nil {
		s.log.Error("export failed", logx.Campaign(id), logx.Err(err))
	}
}

func (s *Server) getAnalytics(w http.ResponseWriter, r *http.Request) {
	d, err := report.Build(r.Context(), s.store)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, campaign.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.log.Error("ops request failed", logx.Err(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
