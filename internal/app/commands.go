package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"campaigner/internal/campaign"
	"campaigner/internal/eventbus"
	"campaigner/internal/recipients"
	"campaigner/internal/report"
	logx "campaigner/pkg/logx"
)

// Lists returns the contact lists available in the contacts directory.
func (a *App) Lists() ([]string, error) {
	return recipients.ListSources(a.config().cfg.Data.ContactsDir)
}

// Preview loads a contact list and returns its canonical recipients, so the
// operator can confirm the count before creating a campaign.
func (a *App) Preview(list string) ([]string, error) {
	cur := a.config()
	path, err := listPath(cur.cfg.Data.ContactsDir, list)
	if err != nil {
		return nil, err
	}
	raw, err := recipients.Load(path)
	if err != nil {
		return nil, err
	}
	return cur.canonicalizer().Normalize(raw), nil
}

func listPath(dir, list string) (string, error) {
	name := strings.TrimSpace(list)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid list name %q", recipients.ErrSourceUnavailable, list)
	}
	return filepath.Join(dir, name), nil
}

// Create stores a draft campaign for the recipients of list.
func (a *App) Create(ctx context.Context, name, message, list string) (*campaign.Campaign, error) {
	name, message = strings.TrimSpace(name), strings.TrimSpace(message)
	if name == "" || message == "" {
		return nil, errors.New("campaign name and message are required")
	}
	rcpts, err := a.Preview(list)
	if err != nil {
		return nil, err
	}
	if len(rcpts) == 0 {
		return nil, fmt.Errorf("%w: list %s is empty", campaign.ErrNoRecipients, list)
	}

	c := campaign.New(name, message, list, rcpts, time.Now())
	if _, err := a.store.Create(ctx, c); err != nil {
		return nil, err
	}
	a.corr.Track(c)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignCreated, CampaignID: c.ID, Data: c.Stats})
	a.log.Info("campaign created", logx.Campaign(c.ID), logx.String("name", c.Name), logx.String("list", list), logx.Int("recipients", len(rcpts)))
	return c, nil
}

// Dispatch sends campaign id, waiting for the session first. A run halted by
// cancellation or a lost session can be resumed by calling Dispatch again.
func (a *App) Dispatch(ctx context.Context, id string) (campaign.Summary, error) {
	if err := a.WaitSession(ctx); err != nil {
		return campaign.Summary{CampaignID: id}, err
	}
	return a.engine.Start(ctx, id)
}

// FollowUp sends message to the recipients of campaign id again.
func (a *App) FollowUp(ctx context.Context, id, message string) (campaign.FollowUp, error) {
	if err := a.WaitSession(ctx); err != nil {
		return campaign.FollowUp{}, err
	}
	return a.engine.FollowUp(ctx, id, message)
}

// Campaigns lists campaigns newest first.
func (a *App) Campaigns(ctx context.Context) ([]*campaign.Campaign, error) {
	cs, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}
	campaign.SortNewestFirst(cs)
	return cs, nil
}

func (a *App) Campaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	return a.store.Load(ctx, id)
}

func (a *App) Responses(ctx context.Context, id string, limit int) (report.ResponsesView, error) {
	return report.Responses(ctx, a.store, id, limit)
}

func (a *App) Analytics(ctx context.Context) (report.Dashboard, error) {
	return report.Build(ctx, a.store)
}

// Export writes the campaign workbook. An empty path writes
// <export dir>/<id>.xlsx and returns the path used.
func (a *App) Export(ctx context.Context, id, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		dir := a.config().cfg.Data.ExportDir
		if dir == "" {
			dir = "."
		}
		path = filepath.Join(dir, id+".xlsx")
	}
	if err := report.ExportFile(ctx, a.store, id, path); err != nil {
		return "", err
	}
	a.log.Info("campaign exported", logx.Campaign(id), logx.String("path", path))
	return path, nil
}

// Digest logs the dashboard summary immediately.
func (a *App) Digest(ctx context.Context) map[string]int {
	return a.digest.Flush(ctx)
}
