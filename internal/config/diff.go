package config

import (
	"strings"

	logx "campaigner/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// fields for logging. Tokens are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)

	o, n := oldCfg.Transport, newCfg.Transport
	if o.Driver != n.Driver || o.AddressSuffix != n.AddressSuffix ||
		o.Telegram.PollTimeout != n.Telegram.PollTimeout ||
		o.Reconnect != n.Reconnect ||
		(o.Telegram.Token != "") != (n.Telegram.Token != "") {
		changed = append(changed, "transport")
		fields = append(fields,
			logx.String("transport.driver", n.Driver),
			logx.Bool("transport.telegram.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		fields = append(fields,
			logx.String("dispatch.delay", d.Delay),
			logx.String("dispatch.followup_delay", d.FollowUpDelay),
			logx.String("dispatch.cooldown", d.Cooldown),
			logx.Int("dispatch.max_per_minute", d.MaxPerMinute),
			logx.Bool("dispatch.probe", d.Probe),
		)
	}
	if oldCfg.Correlator != newCfg.Correlator {
		changed = append(changed, "correlator")
		fields = append(fields,
			logx.String("correlator.index_refresh", newCfg.Correlator.IndexRefresh),
			logx.Bool("correlator.count_repeated_receipts", newCfg.Correlator.CountRepeatedReceipts),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Data != newCfg.Data {
		changed = append(changed, "data")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	oo, no := oldCfg.Ops, newCfg.Ops
	if oo.Enabled != no.Enabled || oo.Addr != no.Addr || oo.AllowInsecure != no.AllowInsecure || oo.Token != no.Token {
		changed = append(changed, "ops")
		fields = append(fields,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", no.Token != ""),
		)
	}
	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		fields = append(fields, logx.String("report.digest_cron", newCfg.Report.DigestCron))
	}
	return changed, fields
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Transport != newCfg.Transport {
		out = append(out, "transport")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Ops != newCfg.Ops {
		out = append(out, "ops")
	}
	if oldCfg.Correlator.Buffer != newCfg.Correlator.Buffer {
		out = append(out, "correlator.buffer")
	}
	if oldCfg.Report != newCfg.Report {
		out = append(out, "report")
	}
	return out
}
