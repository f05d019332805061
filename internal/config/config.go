package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"sosalert/internal/domain"
	"sosalert/internal/templatefmt"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	StoreBackendMemory = "memory"
	StoreBackendNATS   = "nats"
	StoreBackendRedis  = "redis"
	StoreBackendSQLite = "sqlite"

	PresenterLog      = "log"
	PresenterTelegram = "telegram"
)

const (
	defaultHoldMS            = 3000
	defaultTickMS            = 100
	defaultCooldownSuccessMS = 2000
	defaultCooldownFailureMS = 3000
	defaultHistoryCap        = 100
	defaultResyncSchedule    = "@every 30s"
	defaultResyncAttempts    = 10

	// DefaultLocalTemplate renders local notification text for one alert.
	DefaultLocalTemplate = `SOS from {{ .SubjectName }}{{ if .Location.Available }} at {{ .Location.Address }}{{ end }} ({{ .ID }})`
)

var envReferencePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is root runtime configuration.
// Params: service, logging, SOS timing, storage, channels and enrichment sections.
// Returns: validated settings snapshot.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Subject   domain.Subject  `toml:"subject"`
	SOS       SOSConfig       `toml:"sos"`
	Store     StoreConfig     `toml:"store"`
	Channel   ChannelsConfig  `toml:"channel"`
	Location  LocationConfig  `toml:"location"`
	Directory DirectoryConfig `toml:"directory"`
	Resync    ResyncConfig    `toml:"resync"`
}

// ServiceConfig contains process-level settings.
// Params: name, listen address and health/ready/metrics paths.
// Returns: HTTP surface defaults.
type ServiceConfig struct {
	Name        string `toml:"name"`
	Listen      string `toml:"listen"`
	HealthPath  string `toml:"health_path"`
	ReadyPath   string `toml:"ready_path"`
	MetricsPath string `toml:"metrics_path"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, path and rotation limits.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// SOSConfig defines countdown timing.
type SOSConfig struct {
	HoldMS            int `toml:"hold_ms"`
	TickMS            int `toml:"tick_ms"`
	CooldownSuccessMS int `toml:"cooldown_success_ms"`
	CooldownFailureMS int `toml:"cooldown_failure_ms"`
}

// StoreConfig selects persistent key-value backend.
// Params: backend name, history cap and backend-specific tables.
// Returns: storage wiring options.
type StoreConfig struct {
	Backend    string            `toml:"backend"`
	HistoryCap int               `toml:"history_cap"`
	NATS       NATSStoreConfig   `toml:"nats"`
	Redis      RedisStoreConfig  `toml:"redis"`
	SQLite     SQLiteStoreConfig `toml:"sqlite"`
}

// NATSStoreConfig configures JetStream KV backend.
type NATSStoreConfig struct {
	URL               []string `toml:"url"`
	Bucket            string   `toml:"bucket"`
	AllowCreateBucket bool     `toml:"allow_create_bucket"`
}

// RedisStoreConfig configures Redis backend.
type RedisStoreConfig struct {
	URL    string `toml:"url"`
	Prefix string `toml:"prefix"`
}

// SQLiteStoreConfig configures on-disk SQLite backend.
type SQLiteStoreConfig struct {
	Path string `toml:"path"`
}

// ChannelsConfig groups dispatch channel sections.
type ChannelsConfig struct {
	Backend BackendChannelConfig `toml:"backend"`
	Queue   QueueChannelConfig   `toml:"queue"`
	Local   LocalChannelConfig   `toml:"local"`
}

// ChannelGate is the common enable/timeout contract of one channel.
// Params: enable flag and per-attempt timeout.
// Returns: guard settings for channel wrapper.
type ChannelGate struct {
	Enabled   bool
	TimeoutMS int
}

// BackendChannelConfig configures backend API channel.
// Params: endpoint URL, bearer token and timeout.
// Returns: HTTP sender settings.
type BackendChannelConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	Token     string `toml:"token"`
	TimeoutMS int    `toml:"timeout_ms"`
}

// Gate returns common channel gate.
func (c BackendChannelConfig) Gate() ChannelGate {
	return ChannelGate{Enabled: c.Enabled, TimeoutMS: c.TimeoutMS}
}

// QueueChannelConfig configures reliable queue channel.
// Params: NATS endpoint, optional token, subject/stream names and timeout.
// Returns: JetStream publisher settings.
type QueueChannelConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	Token     string `toml:"token"`
	TimeoutMS int    `toml:"timeout_ms"`
	Subject   string `toml:"subject"`
	Stream    string `toml:"stream"`
}

// Gate returns common channel gate.
func (c QueueChannelConfig) Gate() ChannelGate {
	return ChannelGate{Enabled: c.Enabled, TimeoutMS: c.TimeoutMS}
}

// LocalChannelConfig configures local notification channel.
// Params: presenter kind, Telegram endpoint/token/chat and message template.
// Returns: presenter settings.
type LocalChannelConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	Token     string `toml:"token"`
	TimeoutMS int    `toml:"timeout_ms"`
	Presenter string `toml:"presenter"`
	ChatID    string `toml:"chat_id"`
	Template  string `toml:"template"`
}

// Gate returns common channel gate.
func (c LocalChannelConfig) Gate() ChannelGate {
	return ChannelGate{Enabled: c.Enabled, TimeoutMS: c.TimeoutMS}
}

// LocationConfig configures location provider.
// Params: static fix, lookup timeout and optional reverse geocoding.
// Returns: provider settings.
type LocationConfig struct {
	Enabled   bool          `toml:"enabled"`
	Latitude  float64       `toml:"latitude"`
	Longitude float64       `toml:"longitude"`
	Accuracy  float64       `toml:"accuracy"`
	Address   string        `toml:"address"`
	TimeoutMS int           `toml:"timeout_ms"`
	Geocode   GeocodeConfig `toml:"geocode"`
}

// GeocodeTimeout bounds one reverse geocode call inside the location bound.
// Returns: half of timeout_ms, so the coordinate fix survives a slow geocoder.
func (c LocationConfig) GeocodeTimeout() time.Duration {
	return innerBound(c.TimeoutMS)
}

// GeocodeConfig configures Google Maps reverse geocoding.
type GeocodeConfig struct {
	Enabled  bool   `toml:"enabled"`
	APIKey   string `toml:"api_key"`
	Language string `toml:"language"`
}

// DirectoryConfig configures contact/staff lookup.
// Params: optional HTTP endpoint, timeout, cache ttl and static entries.
// Returns: directory settings.
type DirectoryConfig struct {
	Endpoint    string               `toml:"endpoint"`
	Token       string               `toml:"token"`
	TimeoutMS   int                  `toml:"timeout_ms"`
	CacheTTLSec int                  `toml:"cache_ttl_sec"`
	Contact     []domain.Contact     `toml:"contact"`
	Staff       []domain.StaffMember `toml:"staff"`
}

// FetchTimeout bounds one directory source call inside the directory bound.
// Returns: half of timeout_ms, leaving room for the cached fallback.
func (c DirectoryConfig) FetchTimeout() time.Duration {
	return innerBound(c.TimeoutMS)
}

// innerBound halves an outer millisecond bound; zero or negative yields zero.
func innerBound(outerMS int) time.Duration {
	if outerMS <= 0 {
		return 0
	}
	return time.Duration(outerMS) * time.Millisecond / 2
}

// ResyncConfig configures pending queue resend worker.
type ResyncConfig struct {
	Enabled     bool   `toml:"enabled"`
	Schedule    string `toml:"schedule"`
	MaxAttempts int    `toml:"max_attempts"`
}

// ConfigSource describes where configuration is loaded from.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		err = decodeFileInto(src.File, &cfg)
	} else {
		err = loadDir(src.Dir, &cfg)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates one in-memory TOML body.
// Params: raw TOML bytes.
// Returns: validated config or error.
func Parse(body []byte) (Config, error) {
	var cfg Config
	if err := decodeInto(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expandEnv substitutes ${NAME} references from process environment.
// Params: raw TOML body.
// Returns: body with references replaced (unset variables become empty).
func expandEnv(body []byte) []byte {
	return envReferencePattern.ReplaceAllFunc(body, func(match []byte) []byte {
		name := envReferencePattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// decodeInto overlays one TOML body onto dst.
// Array tables are appended to entries already collected from earlier fragments.
// Params: raw TOML bytes and destination config.
// Returns: decode error.
func decodeInto(body []byte, dst *Config) error {
	contacts := dst.Directory.Contact
	staff := dst.Directory.Staff
	dst.Directory.Contact = nil
	dst.Directory.Staff = nil
	if err := toml.Unmarshal(expandEnv(body), dst); err != nil {
		dst.Directory.Contact = contacts
		dst.Directory.Staff = staff
		return err
	}
	dst.Directory.Contact = append(contacts, dst.Directory.Contact...)
	dst.Directory.Staff = append(staff, dst.Directory.Staff...)
	return nil
}

// decodeFileInto reads one TOML file and overlays it onto dst.
// Params: file path and destination config.
// Returns: read/decode error.
func decodeFileInto(path string, dst *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := decodeInto(body, dst); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// loadDir reads and merges TOML files from one directory in lexical order.
// Params: directory containing config fragments and destination config.
// Returns: load/decode error.
func loadDir(dir string, dst *Config) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	for _, file := range files {
		if err := decodeFileInto(file, dst); err != nil {
			return err
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "sosalert"
	}
	if strings.TrimSpace(cfg.Service.Listen) == "" {
		cfg.Service.Listen = ":8080"
	}
	if cfg.Service.HealthPath == "" {
		cfg.Service.HealthPath = "/healthz"
	}
	if cfg.Service.ReadyPath == "" {
		cfg.Service.ReadyPath = "/readyz"
	}
	if cfg.Service.MetricsPath == "" {
		cfg.Service.MetricsPath = "/metrics"
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if cfg.Log.File.MaxSizeMB <= 0 {
		cfg.Log.File.MaxSizeMB = 50
	}
	if cfg.Log.File.MaxBackups <= 0 {
		cfg.Log.File.MaxBackups = 5
	}
	if cfg.Log.File.MaxAgeDays <= 0 {
		cfg.Log.File.MaxAgeDays = 14
	}

	if cfg.SOS.HoldMS <= 0 {
		cfg.SOS.HoldMS = defaultHoldMS
	}
	if cfg.SOS.TickMS <= 0 {
		cfg.SOS.TickMS = defaultTickMS
	}
	if cfg.SOS.CooldownSuccessMS <= 0 {
		cfg.SOS.CooldownSuccessMS = defaultCooldownSuccessMS
	}
	if cfg.SOS.CooldownFailureMS <= 0 {
		cfg.SOS.CooldownFailureMS = defaultCooldownFailureMS
	}

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreBackendMemory
	}
	if cfg.Store.HistoryCap <= 0 {
		cfg.Store.HistoryCap = defaultHistoryCap
	}
	cfg.Store.NATS.URL = normalizeNATSURLs(cfg.Store.NATS.URL)
	if cfg.Store.NATS.Bucket == "" {
		cfg.Store.NATS.Bucket = "sos_alerts"
	}
	if cfg.Store.Redis.Prefix == "" {
		cfg.Store.Redis.Prefix = "sosalert:"
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = "sosalert.db"
	}

	if cfg.Channel.Backend.TimeoutMS <= 0 {
		cfg.Channel.Backend.TimeoutMS = 5000
	}
	if cfg.Channel.Queue.TimeoutMS <= 0 {
		cfg.Channel.Queue.TimeoutMS = 5000
	}
	if cfg.Channel.Queue.Subject == "" {
		cfg.Channel.Queue.Subject = "sos.alerts"
	}
	if cfg.Channel.Queue.Stream == "" {
		cfg.Channel.Queue.Stream = "SOS_ALERTS"
	}
	if cfg.Channel.Local.TimeoutMS <= 0 {
		cfg.Channel.Local.TimeoutMS = 2000
	}
	cfg.Channel.Local.Presenter = strings.ToLower(strings.TrimSpace(cfg.Channel.Local.Presenter))
	if cfg.Channel.Local.Presenter == "" {
		cfg.Channel.Local.Presenter = PresenterLog
	}
	if strings.TrimSpace(cfg.Channel.Local.Template) == "" {
		cfg.Channel.Local.Template = DefaultLocalTemplate
	}

	if cfg.Location.TimeoutMS <= 0 {
		cfg.Location.TimeoutMS = 1500
	}
	if cfg.Directory.TimeoutMS <= 0 {
		cfg.Directory.TimeoutMS = 2000
	}
	if cfg.Directory.CacheTTLSec <= 0 {
		cfg.Directory.CacheTTLSec = 300
	}

	if strings.TrimSpace(cfg.Resync.Schedule) == "" {
		cfg.Resync.Schedule = defaultResyncSchedule
	}
	if cfg.Resync.MaxAttempts <= 0 {
		cfg.Resync.MaxAttempts = defaultResyncAttempts
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Service.Listen) == "" {
		return errors.New("service.listen is required")
	}
	for name, path := range map[string]string{
		"service.health_path":  cfg.Service.HealthPath,
		"service.ready_path":   cfg.Service.ReadyPath,
		"service.metrics_path": cfg.Service.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		return errors.New("at least one log sink must be enabled")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if cfg.SOS.TickMS > cfg.SOS.HoldMS {
		return errors.New("sos.tick_ms must be <= sos.hold_ms")
	}

	switch cfg.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendNATS:
		if len(cfg.Store.NATS.URL) == 0 {
			return errors.New("store.nats.url is required when store.backend=nats")
		}
		if strings.TrimSpace(cfg.Store.NATS.Bucket) == "" {
			return errors.New("store.nats.bucket is required")
		}
	case StoreBackendRedis:
		if strings.TrimSpace(cfg.Store.Redis.URL) == "" {
			return errors.New("store.redis.url is required when store.backend=redis")
		}
	case StoreBackendSQLite:
		if strings.TrimSpace(cfg.Store.SQLite.Path) == "" {
			return errors.New("store.sqlite.path is required when store.backend=sqlite")
		}
	default:
		return fmt.Errorf("store.backend has unsupported value %q", cfg.Store.Backend)
	}

	if err := validateOptionalURL("channel.backend.endpoint", cfg.Channel.Backend.Endpoint); err != nil {
		return err
	}
	switch cfg.Channel.Local.Presenter {
	case PresenterLog, PresenterTelegram:
	default:
		return fmt.Errorf("channel.local.presenter has unsupported value %q", cfg.Channel.Local.Presenter)
	}
	if err := validateMessageTemplate("channel.local.template", cfg.Channel.Local.Template); err != nil {
		return err
	}

	if cfg.Location.Accuracy < 0 {
		return errors.New("location.accuracy must be >=0")
	}
	if cfg.Location.Enabled && (cfg.Location.Latitude < -90 || cfg.Location.Latitude > 90) {
		return errors.New("location.latitude must be within [-90,90]")
	}
	if cfg.Location.Enabled && (cfg.Location.Longitude < -180 || cfg.Location.Longitude > 180) {
		return errors.New("location.longitude must be within [-180,180]")
	}
	if cfg.Location.Geocode.Enabled && strings.TrimSpace(cfg.Location.Geocode.APIKey) == "" {
		return errors.New("location.geocode.api_key is required when geocode is enabled")
	}

	if err := validateOptionalURL("directory.endpoint", cfg.Directory.Endpoint); err != nil {
		return err
	}
	for idx, contact := range cfg.Directory.Contact {
		if strings.TrimSpace(contact.ID) == "" {
			return fmt.Errorf("directory.contact[%d].id is required", idx)
		}
	}
	for idx, member := range cfg.Directory.Staff {
		if strings.TrimSpace(member.ID) == "" {
			return fmt.Errorf("directory.staff[%d].id is required", idx)
		}
	}

	if cfg.Resync.Enabled {
		if _, err := cron.ParseStandard(cfg.Resync.Schedule); err != nil {
			return fmt.Errorf("resync.schedule is invalid: %w", err)
		}
	}
	return nil
}

// validateOptionalURL checks absolute http(s) URL when value is set.
// Params: field path and raw value.
// Returns: validation error.
func validateOptionalURL(path, raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", path)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include host", path)
	}
	return nil
}

// normalizeNATSURLs trims and drops empty NATS URLs.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// validateMessageTemplate validates one message template body.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
