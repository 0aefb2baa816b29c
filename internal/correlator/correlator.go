// Package correlator folds asynchronous session events back into campaigns.
//
// The transport does not pair receipts or replies with the send that caused
// them, so events are matched by address: an event belongs to the newest
// campaign whose recipient list contains the sender. Events that match no
// campaign are dropped without error.
package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"campaigner/internal/campaign"
	"campaigner/internal/eventbus"
	"campaigner/internal/metrics"
	"campaigner/internal/recipients"
	"campaigner/internal/session"
	"campaigner/internal/storage"
	logx "campaigner/pkg/logx"
)

type Config struct {
	// RefreshInterval bounds how often an index miss triggers a full rebuild.
	RefreshInterval time.Duration
	// CountRepeatedReceipts counts every receipt, not only the first per
	// recipient and kind.
	CountRepeatedReceipts bool
	// Suffix canonicalizes bare addresses in events. Empty means the default.
	Suffix string
}

// Notice is published on the bus for every correlated reply.
type Notice struct {
	CampaignID   string
	CampaignName string
	Response     campaign.Response
}

type entry struct {
	id      string
	name    string
	created time.Time
}

type Correlator struct {
	store   storage.Store
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus
	canon   recipients.Canonicalizer
	now     func() time.Time

	mu          sync.Mutex
	cfg         Config
	index       map[string][]entry
	tracked     map[string]struct{}
	lastRefresh time.Time
}

func New(store storage.Store, cfg Config, log logx.Logger, m *metrics.Metrics, bus eventbus.Bus) *Correlator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Second
	}
	return &Correlator{
		store:   store,
		log:     log,
		metrics: m,
		bus:     bus,
		canon:   recipients.Canonicalizer{Suffix: cfg.Suffix},
		now:     time.Now,
		cfg:     cfg,
		index:   map[string][]entry{},
		tracked: map[string]struct{}{},
	}
}

// Apply updates receipt counting and refresh pacing at runtime.
func (c *Correlator) Apply(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = c.cfg.RefreshInterval
	}
	c.cfg = cfg
	c.canon = recipients.Canonicalizer{Suffix: cfg.Suffix}
}

// Track adds a campaign's recipients to the index. Call it after a campaign
// is created or its recipient list changes.
func (c *Correlator) Track(camp *campaign.Campaign) {
	if camp == nil {
		return
	}
	c.mu.Lock()
	c.trackLocked(camp)
	c.mu.Unlock()
}

func (c *Correlator) trackLocked(camp *campaign.Campaign) {
	if _, ok := c.tracked[camp.ID]; ok {
		c.untrackLocked(camp.ID)
	}
	c.tracked[camp.ID] = struct{}{}
	e := entry{id: camp.ID, name: camp.Name, created: camp.CreatedAt}
	for _, addr := range recipients.Dedupe(camp.Recipients) {
		c.index[addr] = append(c.index[addr], e)
	}
}

func (c *Correlator) untrackLocked(id string) {
	for addr, es := range c.index {
		kept := es[:0]
		for _, e := range es {
			if e.id != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.index, addr)
		} else {
			c.index[addr] = kept
		}
	}
	delete(c.tracked, id)
}

// Refresh rebuilds the index from the store.
func (c *Correlator) Refresh(ctx context.Context) error {
	cs, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = map[string][]entry{}
	c.tracked = map[string]struct{}{}
	for _, camp := range cs {
		c.trackLocked(camp)
	}
	c.lastRefresh = c.now()
	return nil
}

// resolve returns the newest campaign containing addr. A miss rebuilds the
// index at most once per RefreshInterval, so campaigns created elsewhere are
// still found.
func (c *Correlator) resolve(ctx context.Context, addr string) (entry, bool, error) {
	if e, ok := c.lookup(addr); ok {
		return e, true, nil
	}
	c.mu.Lock()
	stale := c.now().Sub(c.lastRefresh) >= c.cfg.RefreshInterval
	c.mu.Unlock()
	if !stale {
		return entry{}, false, nil
	}
	if err := c.Refresh(ctx); err != nil {
		return entry{}, false, err
	}
	e, ok := c.lookup(addr)
	return e, ok, nil
}

func (c *Correlator) lookup(addr string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	es := c.index[addr]
	if len(es) == 0 {
		return entry{}, false
	}
	best := es[0]
	for _, e := range es[1:] {
		if e.created.After(best.created) || (e.created.Equal(best.created) && e.id > best.id) {
			best = e
		}
	}
	return best, true
}

// Run consumes events until ctx ends or the channel closes. A failing event
// is logged and dropped; it never stops the loop.
func (c *Correlator) Run(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Error("event dropped", logx.String("type", string(ev.Type)), logx.Addr("addr", ev.Address()), logx.Err(err))
			}
		}
	}
}

// Handle processes one event. Unmatched events return nil.
func (c *Correlator) Handle(ctx context.Context, ev session.Event) error {
	switch ev.Type {
	case session.EventConnection:
		if ev.Connection != nil {
			c.log.Info("session state changed", logx.String("state", string(ev.Connection.State)), logx.Err(ev.Connection.Err))
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeConnection, Data: *ev.Connection})
		}
		return nil
	case session.EventReceipt:
		if ev.Receipt == nil {
			return nil
		}
		return c.handleReceipt(ctx, *ev.Receipt)
	case session.EventMessage:
		if ev.Message == nil {
			return nil
		}
		return c.handleMessage(ctx, *ev.Message)
	default:
		return nil
	}
}

func (c *Correlator) handleReceipt(ctx context.Context, r session.DeliveryReceipt) error {
	addr := c.address(r.Address)
	e, ok, err := c.resolve(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		c.drop(session.EventReceipt, addr)
		return nil
	}
	at := r.At
	if at.IsZero() {
		at = c.now()
	}
	c.mu.Lock()
	countAll := c.cfg.CountRepeatedReceipts
	c.mu.Unlock()

	counted := false
	_, err = c.store.Update(ctx, e.id, func(camp *campaign.Campaign) error {
		counted = false
		if !camp.HasRecipient(addr) {
			return errNoMatch
		}
		if camp.MessageStatus == nil {
			camp.MessageStatus = map[string]*campaign.RecipientStatus{}
		}
		st := camp.MessageStatus[addr]
		if st == nil {
			st = &campaign.RecipientStatus{}
			camp.MessageStatus[addr] = st
		}
		switch r.Kind {
		case session.ReceiptRead:
			st.Read++
			if st.ReadAt == nil {
				st.ReadAt = &at
				counted = true
			}
			if counted || countAll {
				camp.Stats.Read++
			}
		default:
			st.Delivered++
			if st.DeliveredAt == nil {
				st.DeliveredAt = &at
				counted = true
			}
			if counted || countAll {
				camp.Stats.Delivered++
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errNoMatch), errors.Is(err, campaign.ErrNotFound):
		c.drop(session.EventReceipt, addr)
		return nil
	case err != nil:
		return err
	}
	c.metrics.Receipt(string(r.Kind))
	c.log.Debug("receipt recorded", logx.Campaign(e.id), logx.Addr("addr", addr), logx.String("kind", string(r.Kind)), logx.Bool("first", counted))
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeReceipt, CampaignID: e.id, Data: campaign.Receipt{Recipient: addr, Kind: campaign.ReceiptKind(r.Kind), At: at}})
	return nil
}

var errNoMatch = errors.New("address not in campaign")

func (c *Correlator) handleMessage(ctx context.Context, m session.InboundMessage) error {
	addr := c.address(m.Address)
	e, ok, err := c.resolve(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		c.drop(session.EventMessage, addr)
		return nil
	}
	at := m.At
	if at.IsZero() {
		at = c.now()
	}
	resp := campaign.Response{
		ID:      uuid.NewString(),
		From:    addr,
		Text:    m.Text,
		Media:   m.Media,
		At:      at,
		IsGroup: m.IsGroup,
		GroupID: m.GroupID,
	}
	if _, err := c.store.RecordResponse(ctx, e.id, resp); err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			c.drop(session.EventMessage, addr)
			return nil
		}
		return err
	}

	c.metrics.Response()
	c.log.Info("response received", logx.Campaign(e.id), logx.String("name", e.name), logx.Addr("from", addr), logx.Bool("group", m.IsGroup))
	c.bus.Publish(eventbus.Event{
		Type:       eventbus.TypeResponse,
		CampaignID: e.id,
		Data:       Notice{CampaignID: e.id, CampaignName: e.name, Response: resp},
	})
	return nil
}

func (c *Correlator) address(raw string) string {
	c.mu.Lock()
	canon := c.canon
	c.mu.Unlock()
	return canon.Canonicalize(raw)
}

func (c *Correlator) drop(t session.EventType, addr string) {
	c.metrics.Dropped(string(t))
	c.log.Trace("event matched no campaign", logx.String("type", string(t)), logx.Addr("addr", addr))
}
