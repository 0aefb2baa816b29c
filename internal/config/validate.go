package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	structCheck  *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report json keys in errors, matching what users write in the file.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		structCheck = v
	})
	return structCheck
}

// Durations holds every duration field parsed. Zero means "component default".
type Durations struct {
	PollTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Delay         time.Duration
	FollowUpDelay time.Duration
	Cooldown      time.Duration
	IndexRefresh  time.Duration
	BusyTimeout   time.Duration
}

// ParseDurations parses every duration string in cfg.
func (c *Config) ParseDurations() (Durations, error) {
	var (
		d    Durations
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string) {
		v, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	parse(&d.PollTimeout, "transport.telegram.poll_timeout", c.Transport.Telegram.PollTimeout)
	parse(&d.ReconnectBase, "transport.reconnect.base", c.Transport.Reconnect.Base)
	parse(&d.ReconnectMax, "transport.reconnect.max", c.Transport.Reconnect.Max)
	parse(&d.Delay, "dispatch.delay", c.Dispatch.Delay)
	parse(&d.FollowUpDelay, "dispatch.followup_delay", c.Dispatch.FollowUpDelay)
	parse(&d.Cooldown, "dispatch.cooldown", c.Dispatch.Cooldown)
	parse(&d.IndexRefresh, "correlator.index_refresh", c.Correlator.IndexRefresh)
	parse(&d.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout)
	if len(errs) > 0 {
		return Durations{}, errors.Join(errs...)
	}
	return d, nil
}

// Validate runs struct tag checks and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q check", trimRoot(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	d, err := cfg.ParseDurations()
	if err != nil {
		errs = append(errs, err)
	}
	if d.ReconnectBase > 0 && d.ReconnectMax > 0 && d.ReconnectMax < d.ReconnectBase {
		errs = append(errs, errors.New("transport.reconnect: max must be >= base"))
	}
	if cfg.Transport.Driver == "telegram" && strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
		errs = append(errs, errors.New("transport.telegram.token: required when driver is telegram"))
	}
	if tz := strings.TrimSpace(cfg.Report.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("report.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// trimRoot drops the leading "Config." from validator namespaces.
func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
