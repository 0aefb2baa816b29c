package app

import (
	"strings"

	"campaigner/internal/config"
	"campaigner/internal/correlator"
	"campaigner/internal/dispatch"
	"campaigner/internal/ops"
	"campaigner/internal/pacing"
	"campaigner/internal/recipients"
	"campaigner/internal/report"
	"campaigner/internal/storage"
	"campaigner/internal/transport/telegram"
	logx "campaigner/pkg/logx"
)

// resolved is a config with every duration parsed. Config validation has
// already run, so parse errors cannot happen here.
type resolved struct {
	cfg *config.Config
	d   config.Durations
}

func resolve(cfg *config.Config) (resolved, error) {
	d, err := cfg.ParseDurations()
	if err != nil {
		return resolved{}, err
	}
	return resolved{cfg: cfg, d: d}, nil
}

func (r resolved) logging() logx.Config {
	l := r.cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func (r resolved) storage() storage.Config {
	return storage.Config{
		Driver:      r.cfg.Storage.Driver,
		Path:        r.cfg.Storage.Path,
		BusyTimeout: r.d.BusyTimeout,
	}
}

func (r resolved) dispatch() dispatch.Config {
	return dispatch.Config{
		Delay:         r.d.Delay,
		FollowUpDelay: r.d.FollowUpDelay,
		Cooldown:      r.d.Cooldown,
		MaxPerMinute:  r.cfg.Dispatch.MaxPerMinute,
		Probe:         r.cfg.Dispatch.Probe,
	}
}

func (r resolved) correlator() correlator.Config {
	return correlator.Config{
		RefreshInterval:       r.d.IndexRefresh,
		CountRepeatedReceipts: r.cfg.Correlator.CountRepeatedReceipts,
		Suffix:                r.suffix(),
	}
}

func (r resolved) backoff() pacing.Backoff {
	b := pacing.DefaultBackoff()
	b.Base = config.OrDefault(r.d.ReconnectBase, b.Base)
	b.Max = config.OrDefault(r.d.ReconnectMax, b.Max)
	if n := r.cfg.Transport.Reconnect.MaxAttempts; n > 0 {
		b.MaxAttempts = n
	}
	return b
}

func (r resolved) telegram() telegram.Config {
	return telegram.Config{
		Token:       r.cfg.Transport.Telegram.Token,
		PollTimeout: r.d.PollTimeout,
		Reconnect:   r.backoff(),
		Buffer:      r.cfg.Correlator.Buffer,
	}
}

func (r resolved) ops() ops.Config {
	o := r.cfg.Ops
	return ops.Config{Enabled: o.Enabled, Addr: o.Addr, Token: o.Token, AllowInsecure: o.AllowInsecure}
}

func (r resolved) digest() report.DigestConfig {
	return report.DigestConfig{Schedule: r.cfg.Report.DigestCron, Timezone: r.cfg.Report.Timezone}
}

// suffix is the domain given to bare numbers in contact lists.
func (r resolved) suffix() string {
	if s := strings.TrimSpace(r.cfg.Transport.AddressSuffix); s != "" {
		return s
	}
	if r.cfg.Transport.Driver == "telegram" {
		return telegram.Suffix
	}
	return recipients.DefaultSuffix
}

func (r resolved) canonicalizer() recipients.Canonicalizer {
	return recipients.Canonicalizer{Suffix: r.suffix()}
}
