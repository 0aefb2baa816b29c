package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"campaigner/internal/correlator"
	"campaigner/internal/eventbus"
	"campaigner/internal/recipients"
	"campaigner/internal/storage"
	logx "campaigner/pkg/logx"
)

type DigestConfig struct {
	// Schedule is a cron expression with optional seconds field; empty
	// disables the periodic digest but replies are still announced.
	Schedule string
	Timezone string
}

// Digest announces replies as they arrive and periodically logs a dashboard
// summary with the replies received since the previous digest.
type Digest struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	cfg   DigestConfig

	mu      sync.Mutex
	pending map[string]int // campaign name -> replies since last digest
}

var digestParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr parses as a digest schedule.
func ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := digestParser.Parse(expr)
	return err
}

func NewDigest(st storage.Store, bus eventbus.Bus, cfg DigestConfig, log logx.Logger) *Digest {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Digest{store: st, bus: bus, cfg: cfg, log: log, pending: map[string]int{}}
}

func (d *Digest) location() *time.Location {
	if tz := strings.TrimSpace(d.cfg.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
		d.log.Warn("invalid timezone; using local", logx.String("tz", tz))
	}
	return time.Local
}

// Run blocks until ctx ends.
func (d *Digest) Run(ctx context.Context) error {
	events, unsub := d.bus.Subscribe(64)
	defer unsub()

	var c *cron.Cron
	if strings.TrimSpace(d.cfg.Schedule) != "" {
		c = cron.New(cron.WithParser(digestParser), cron.WithLocation(d.location()))
		if _, err := c.AddFunc(d.cfg.Schedule, func() { d.Flush(ctx) }); err != nil {
			return fmt.Errorf("digest schedule %q: %w", d.cfg.Schedule, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		d.log.Info("digest scheduled", logx.String("schedule", d.cfg.Schedule), logx.String("tz", d.location().String()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.observe(ev)
		}
	}
}

func (d *Digest) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeResponse:
		n, ok := ev.Data.(correlator.Notice)
		if !ok {
			return
		}
		d.mu.Lock()
		d.pending[n.CampaignName]++
		d.mu.Unlock()
		d.log.Info("new response",
			logx.Campaign(n.CampaignID),
			logx.String("name", n.CampaignName),
			logx.Addr("from", recipients.LocalPart(n.Response.From)),
			logx.String("text", n.Response.Display()),
		)
	case eventbus.TypeDispatchFinished:
		d.log.Info("campaign finished", logx.Campaign(ev.CampaignID))
	}
}

// Flush logs one digest and resets the reply tally. It returns the replies
// that were pending.
func (d *Digest) Flush(ctx context.Context) map[string]int {
	d.mu.Lock()
	pending := d.pending
	d.pending = map[string]int{}
	d.mu.Unlock()

	dash, err := Build(ctx, d.store)
	if err != nil {
		d.log.Error("digest failed", logx.Err(err))
		return pending
	}
	fields := []logx.Field{
		logx.Int("campaigns", dash.Campaigns),
		logx.Int("sent", dash.TotalSent),
		logx.Int("responses", dash.TotalResponses),
		logx.Int("response_rate", dash.AvgResponseRate),
		logx.Any("new_responses", pending),
	}
	if dash.Best != nil {
		fields = append(fields, logx.String("best", dash.Best.Name), logx.Int("best_rate", dash.Best.ResponseRate))
	}
	d.log.Info("campaign digest", fields...)
	return pending
}
