package logx

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig controls the JSON file sink. Rotation is size based.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const (
	defaultLogPath    = "./campaigner.log"
	defaultMaxSizeMB  = 20
	defaultMaxBackups = 5
)

const consoleTime = "15:04:05.000"

var globalsOnce sync.Once

func setupGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})
}

// Service owns the sinks. Loggers obtained from it follow every Apply.
type Service struct {
	console io.Writer

	mu      sync.Mutex
	file    *lumberjack.Logger
	fileCfg FileConfig
	cur     atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg and returns it with its root logger.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, os.Stdout)
}

func newService(cfg Config, console io.Writer) (*Service, Logger) {
	setupGlobals()
	s := &Service{console: console}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// Apply swaps level and sinks. The log file stays open when its settings are
// unchanged, so a reload does not force a rotation.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil && (!cfg.File.Enabled || cfg.File != s.fileCfg) {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled && s.file == nil {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		s.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    positiveOr(cfg.File.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: positiveOr(cfg.File.MaxBackups, defaultMaxBackups),
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
	}
	s.fileCfg = cfg.File

	var sinks []io.Writer
	if cfg.Console || !cfg.File.Enabled {
		sinks = append(sinks, newConsoleWriter(s.console))
	}
	if s.file != nil {
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}
	zl := root(zerolog.MultiLevelWriter(sinks...), cfg.Level)
	s.cur.Store(&zl)
}

// Close releases the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func root(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: consoleTime,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
