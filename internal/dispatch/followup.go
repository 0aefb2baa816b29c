package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"campaigner/internal/campaign"
	"campaigner/internal/eventbus"
	"campaigner/internal/pacing"
	"campaigner/internal/recipients"
	logx "campaigner/pkg/logx"
)

// FollowUp sends message to the campaign's recipients again. When the record
// carries no recipient list it is rebuilt from prior attempts and written back.
//
// The parent campaign's sent and total counters are left alone; only
// FollowUpsSent grows by the number of successful sends. A follow-up halted
// by cancellation or a closed session is still logged with the results it has.
func (e *Engine) FollowUp(ctx context.Context, id, message string) (campaign.FollowUp, error) {
	if strings.TrimSpace(message) == "" {
		return campaign.FollowUp{}, fmt.Errorf("follow-up message is empty")
	}
	release, err := e.acquire(id)
	if err != nil {
		return campaign.FollowUp{}, err
	}
	defer release()

	log := e.log.With(logx.Campaign(id))
	c, err := e.store.Update(ctx, id, func(c *campaign.Campaign) error {
		if len(c.Recipients) > 0 {
			return nil
		}
		rebuilt := recipients.Canonicalizer{}.FromAttempts(c.Attempts)
		if len(rebuilt) == 0 {
			return fmt.Errorf("%w: %s", campaign.ErrNoRecipients, c.ID)
		}
		c.Recipients = rebuilt
		return nil
	})
	if err != nil {
		return campaign.FollowUp{}, err
	}

	f := campaign.FollowUp{
		ID:         uuid.NewString(),
		CampaignID: id,
		Message:    message,
		SentAt:     e.now(),
		Results:    make([]campaign.SendAttempt, 0, len(c.Recipients)),
	}
	log.Info("follow-up started", logx.String("followup", f.ID), logx.Int("total", len(c.Recipients)))

	var runErr error
	for i, addr := range c.Recipients {
		a, outcome, err := e.attempt(ctx, "followup", addr, message)
		if err != nil {
			runErr = err
			break
		}
		f.Results = append(f.Results, a)
		if i == len(c.Recipients)-1 {
			break
		}
		if outcome == pacing.RateLimited {
			e.metrics.Cooldown()
		}
		snap := e.snapshot()
		policy := pacing.Policy{Delay: snap.cfg.FollowUpDelay, Cooldown: snap.cfg.Cooldown}
		if err := e.sleep(ctx, policy.NextDelay(outcome, i)); err != nil {
			runErr = err
			break
		}
	}

	// Results are real sends; keep them even when ctx has ended.
	wctx := context.WithoutCancel(ctx)
	if err := e.store.AppendFollowUp(wctx, f); err != nil {
		log.Error("follow-up not recorded", logx.String("followup", f.ID), logx.Err(err))
		return f, err
	}
	ok := f.Succeeded()
	if _, err := e.store.Update(wctx, id, func(c *campaign.Campaign) error {
		c.Stats.FollowUpsSent += ok
		return nil
	}); err != nil {
		log.Error("follow-up counter not recorded", logx.String("followup", f.ID), logx.Err(err))
		return f, err
	}

	fields := []logx.Field{
		logx.String("followup", f.ID),
		logx.Int("total", len(c.Recipients)),
		logx.Int("attempted", len(f.Results)),
		logx.Int("sent", ok),
	}
	if runErr != nil {
		log.Warn("follow-up halted", append(fields, logx.Err(runErr))...)
		return f, runErr
	}
	log.Info("follow-up finished", fields...)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeFollowUpFinished, CampaignID: id, Data: f})
	return f, nil
}
