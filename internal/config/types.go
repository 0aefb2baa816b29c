package config

// Config is the on-disk configuration. JSON and YAML share the same keys.
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m"). Empty
// durations fall back to the component default.
//
// Every leaf can be overridden from the environment with the CAMPAIGNER_
// prefix, e.g. CAMPAIGNER_DISPATCH_DELAY=3s or CAMPAIGNER_TRANSPORT_TELEGRAM_TOKEN.
type Config struct {
	Transport  TransportConfig  `json:"transport" envPrefix:"TRANSPORT_"`
	Dispatch   DispatchConfig   `json:"dispatch" envPrefix:"DISPATCH_"`
	Correlator CorrelatorConfig `json:"correlator" envPrefix:"CORRELATOR_"`
	Storage    StorageConfig    `json:"storage" envPrefix:"STORAGE_"`
	Data       DataConfig       `json:"data" envPrefix:"DATA_"`
	Logging    LoggingConfig    `json:"logging" envPrefix:"LOG_"`
	Ops        OpsConfig        `json:"ops" envPrefix:"OPS_"`
	Report     ReportConfig     `json:"report" envPrefix:"REPORT_"`
}

type TransportConfig struct {
	// Driver selects the messaging session: "loopback" or "telegram".
	Driver string `json:"driver" env:"DRIVER" validate:"omitempty,oneof=loopback telegram"`
	// AddressSuffix is appended to bare phone numbers read from contact lists.
	AddressSuffix string `json:"address_suffix,omitempty" env:"ADDRESS_SUFFIX"`

	Telegram  TelegramConfig  `json:"telegram" envPrefix:"TELEGRAM_"`
	Reconnect ReconnectConfig `json:"reconnect" envPrefix:"RECONNECT_"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty" env:"TOKEN"`
	PollTimeout string `json:"poll_timeout,omitempty" env:"POLL_TIMEOUT"`
}

// ReconnectConfig bounds session reconnects. MaxAttempts 0 retries forever.
type ReconnectConfig struct {
	Base        string `json:"base,omitempty" env:"BASE"`
	Max         string `json:"max,omitempty" env:"MAX"`
	MaxAttempts int    `json:"max_attempts,omitempty" env:"MAX_ATTEMPTS" validate:"gte=0"`
}

type DispatchConfig struct {
	Delay         string `json:"delay,omitempty" env:"DELAY"`
	FollowUpDelay string `json:"followup_delay,omitempty" env:"FOLLOWUP_DELAY"`
	Cooldown      string `json:"cooldown,omitempty" env:"COOLDOWN"`
	MaxPerMinute  int    `json:"max_per_minute,omitempty" env:"MAX_PER_MINUTE" validate:"gte=0,lte=6000"`
	Probe         bool   `json:"probe,omitempty" env:"PROBE"`
}

type CorrelatorConfig struct {
	// Buffer is the capacity of the session event channel.
	Buffer                int    `json:"buffer,omitempty" env:"BUFFER" validate:"gte=0"`
	IndexRefresh          string `json:"index_refresh,omitempty" env:"INDEX_REFRESH"`
	CountRepeatedReceipts bool   `json:"count_repeated_receipts,omitempty" env:"COUNT_REPEATED_RECEIPTS"`
}

type StorageConfig struct {
	Driver      string `json:"driver" env:"DRIVER" validate:"omitempty,oneof=file sqlite sqlite3"`
	Path        string `json:"path" env:"PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty" env:"BUSY_TIMEOUT"`
}

type DataConfig struct {
	// ContactsDir holds the contact list files offered by "lists".
	ContactsDir string `json:"contacts_dir" env:"CONTACTS_DIR"`
	// ExportDir receives workbooks written by "export" when no path is given.
	ExportDir string `json:"export_dir,omitempty" env:"EXPORT_DIR"`
}

type LoggingConfig struct {
	Level   string        `json:"level" env:"LEVEL" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool          `json:"console" env:"CONSOLE"`
	File    LogFileConfig `json:"file" envPrefix:"FILE_"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled" env:"ENABLED"`
	Path       string `json:"path,omitempty" env:"PATH" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" env:"MAX_SIZE_MB" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" env:"MAX_BACKUPS" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" env:"MAX_AGE_DAYS" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty" env:"COMPRESS"`
}

// OpsConfig controls the HTTP surface (health, metrics, campaign views, pprof).
type OpsConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Addr    string `json:"addr,omitempty" env:"ADDR" validate:"omitempty,hostname_port"`
	// Token guards everything but /healthz. Never logged.
	Token         string `json:"token,omitempty" env:"TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty" env:"ALLOW_INSECURE"`
}

type ReportConfig struct {
	// DigestCron schedules the pending-replies digest. Empty disables it.
	DigestCron string `json:"digest_cron,omitempty" env:"DIGEST_CRON"`
	Timezone   string `json:"timezone,omitempty" env:"TIMEZONE"`
}

const (
	DefaultTransportDriver = "loopback"
	DefaultStorageDriver   = "file"
	DefaultStoragePath     = "campaigns"
	DefaultContactsDir     = "contacts"
	DefaultOpsAddr         = "127.0.0.1:9090"
	DefaultLogLevel        = "info"
)

// applyDefaults fills fields whose zero value is not usable.
func applyDefaults(cfg *Config) {
	if cfg.Transport.Driver == "" {
		cfg.Transport.Driver = DefaultTransportDriver
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Data.ContactsDir == "" {
		cfg.Data.ContactsDir = DefaultContactsDir
	}
	if cfg.Ops.Enabled && cfg.Ops.Addr == "" {
		cfg.Ops.Addr = DefaultOpsAddr
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if !cfg.Logging.Console && !cfg.Logging.File.Enabled {
		cfg.Logging.Console = true
	}
}
