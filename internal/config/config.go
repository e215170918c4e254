package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"clinicbook/internal/clock"
	"clinicbook/internal/slots"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Booking    BookingConfig    `yaml:"booking"`
	Notify     NotifyConfig     `yaml:"notify"`
	Google     GoogleConfig     `yaml:"google"`
	Outbox     OutboxConfig     `yaml:"outbox"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	Reflection     bool          `yaml:"reflection"`
	HealthInterval time.Duration `yaml:"health_interval"`
	TLS            APITLSConfig  `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
	ClientCAFile      string `yaml:"client_ca_file"`
}

// APIAuthConfig guards the staff endpoints. Customer endpoints are authorized
// by booking tokens instead.
type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type BookingConfig struct {
	Timezone             string        `yaml:"timezone"`
	SlotMinutes          int           `yaml:"slot_minutes"`
	GranularityMinutes   int           `yaml:"granularity_minutes"`
	DayStart             string        `yaml:"day_start"`
	DayEnd               string        `yaml:"day_end"`
	SameDayCutoff        string        `yaml:"same_day_cutoff"`
	HoldTTL              time.Duration `yaml:"hold_ttl"`
	SessionTokenTTL      time.Duration `yaml:"session_token_ttl"`
	ManageTokenGrace     time.Duration `yaml:"manage_token_grace"`
	MaxAdvanceDays       int           `yaml:"max_advance_days"`
	ClosedWeekdays       []string      `yaml:"closed_weekdays"`
	HoldQuota            QuotaConfig   `yaml:"hold_quota"`
	AvailabilityCacheTTL time.Duration `yaml:"availability_cache_ttl"`
}

type QuotaConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
	Debug    bool   `yaml:"debug"`
}

type GoogleConfig struct {
	CredentialsFile    string `yaml:"credentials_file"`
	AuditSpreadsheetID string `yaml:"audit_spreadsheet_id"`
	AuditSheet         string `yaml:"audit_sheet"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; values already in the environment win.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth.enabled requires at least one api key")
	}
	if _, err := c.Booking.Policy(); err != nil {
		return fmt.Errorf("booking: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "clinicbook"
	}
	if c.Database.BusyTimeoutMS == 0 {
		c.Database.BusyTimeoutMS = 5000
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.GRPC.HealthInterval == 0 {
		c.API.GRPC.HealthInterval = 10 * time.Second
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Google.AuditSheet == "" {
		c.Google.AuditSheet = "Events"
	}
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = 2 * time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 20
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 5
	}
	c.Booking.applyDefaults()
}

func (b *BookingConfig) applyDefaults() {
	if b.Timezone == "" {
		b.Timezone = "Europe/Berlin"
	}
	if b.SlotMinutes == 0 {
		b.SlotMinutes = 30
	}
	if b.GranularityMinutes == 0 {
		b.GranularityMinutes = b.SlotMinutes
	}
	if b.DayStart == "" {
		b.DayStart = "09:00"
	}
	if b.DayEnd == "" {
		b.DayEnd = "21:00"
	}
	if b.SameDayCutoff == "" {
		b.SameDayCutoff = "19:30"
	}
	if b.HoldTTL == 0 {
		b.HoldTTL = 10 * time.Minute
	}
	if b.SessionTokenTTL == 0 {
		b.SessionTokenTTL = 30 * time.Minute
	}
	if b.ManageTokenGrace == 0 {
		b.ManageTokenGrace = 24 * time.Hour
	}
	if b.MaxAdvanceDays == 0 {
		b.MaxAdvanceDays = 90
	}
	if b.HoldQuota.Limit == 0 {
		b.HoldQuota.Limit = 10
	}
	if b.HoldQuota.Window == 0 {
		b.HoldQuota.Window = 10 * time.Minute
	}
	if b.AvailabilityCacheTTL == 0 {
		b.AvailabilityCacheTTL = time.Minute
	}
}

// Policy resolves the raw booking section into the immutable value handed to
// the booking engine.
func (b BookingConfig) Policy() (slots.Policy, error) {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return slots.Policy{}, fmt.Errorf("timezone %q: %w", b.Timezone, err)
	}
	if b.SlotMinutes <= 0 || b.GranularityMinutes <= 0 {
		return slots.Policy{}, errors.New("slot_minutes and granularity_minutes must be positive")
	}
	if b.SlotMinutes%b.GranularityMinutes != 0 {
		return slots.Policy{}, fmt.Errorf("slot_minutes %d is not a multiple of granularity_minutes %d",
			b.SlotMinutes, b.GranularityMinutes)
	}
	dayStart, err := clock.ParseClock(b.DayStart)
	if err != nil {
		return slots.Policy{}, fmt.Errorf("day_start: %w", err)
	}
	dayEnd, err := clock.ParseClock(b.DayEnd)
	if err != nil {
		return slots.Policy{}, fmt.Errorf("day_end: %w", err)
	}
	if dayEnd.MinuteOfDay()-dayStart.MinuteOfDay() < b.SlotMinutes {
		return slots.Policy{}, errors.New("serving window must fit at least one slot")
	}
	cutoff, err := clock.ParseClock(b.SameDayCutoff)
	if err != nil {
		return slots.Policy{}, fmt.Errorf("same_day_cutoff: %w", err)
	}
	if b.HoldTTL <= 0 {
		return slots.Policy{}, errors.New("hold_ttl must be positive")
	}
	sessionTTL := b.SessionTokenTTL
	if sessionTTL < b.HoldTTL {
		sessionTTL = b.HoldTTL
	}

	closed := make(map[time.Weekday]bool, len(b.ClosedWeekdays))
	for _, name := range b.ClosedWeekdays {
		wd, ok := parseWeekday(name)
		if !ok {
			return slots.Policy{}, fmt.Errorf("closed_weekdays: unknown weekday %q", name)
		}
		closed[wd] = true
	}

	return slots.Policy{
		Location:         loc,
		ZoneName:         b.Timezone,
		SlotDuration:     time.Duration(b.SlotMinutes) * time.Minute,
		Granularity:      time.Duration(b.GranularityMinutes) * time.Minute,
		DayStart:         dayStart,
		DayEnd:           dayEnd,
		Cutoff:           cutoff,
		HoldTTL:          b.HoldTTL,
		SessionTokenTTL:  sessionTTL,
		ManageTokenGrace: b.ManageTokenGrace,
		MaxAdvanceDays:   b.MaxAdvanceDays,
		ClosedWeekdays:   closed,
	}, nil
}

// Warnings reports settings that are valid but almost certainly unintended.
func (b BookingConfig) Warnings() []string {
	var out []string
	cutoff, err1 := clock.ParseClock(b.SameDayCutoff)
	dayEnd, err2 := clock.ParseClock(b.DayEnd)
	if err1 == nil && err2 == nil && cutoff.MinuteOfDay() >= dayEnd.MinuteOfDay()-b.SlotMinutes {
		out = append(out, fmt.Sprintf(
			"same_day_cutoff %s is not before the last slot start (day_end %s minus %d minutes); it never rejects a hold",
			b.SameDayCutoff, b.DayEnd, b.SlotMinutes))
	}
	return out
}

func parseWeekday(name string) (time.Weekday, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, true
		}
	}
	return 0, false
}

// DefaultBooking returns the booking section with every default applied.
func DefaultBooking() BookingConfig {
	var b BookingConfig
	b.applyDefaults()
	return b
}
