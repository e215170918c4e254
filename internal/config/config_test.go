package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("CLINICBOOK_TEST_DB", "clinic.db")

	yamlContent := `
database:
  path: "${CLINICBOOK_TEST_DB}"
booking:
  timezone: "Europe/Berlin"
  slot_minutes: 30
  granularity_minutes: 15
  day_start: "08:00"
  day_end: "17:00"
  same_day_cutoff: "19:30"
  hold_ttl: 5m
  closed_weekdays: ["sun", "Saturday"]
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "clinic.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Minute, cfg.Booking.HoldTTL)
	assert.Equal(t, 30*time.Minute, cfg.Booking.SessionTokenTTL)

	p, err := cfg.Booking.Policy()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", p.Location.String())
	assert.Equal(t, 30*time.Minute, p.SlotDuration)
	assert.Equal(t, 15*time.Minute, p.Granularity)
	assert.Equal(t, 8*60, p.DayStart.MinuteOfDay())
	assert.Equal(t, 19, p.Cutoff.Hour)
	assert.True(t, p.ClosedWeekdays[time.Sunday])
	assert.True(t, p.ClosedWeekdays[time.Saturday])
	assert.False(t, p.ClosedWeekdays[time.Monday])
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		c := Config{Database: DatabaseConfig{Path: "path"}}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "unknown timezone", mutate: func(c *Config) { c.Booking.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "slot not multiple of granularity", mutate: func(c *Config) {
			c.Booking.SlotMinutes = 30
			c.Booking.GranularityMinutes = 20
		}, wantErr: true},
		{name: "window too small", mutate: func(c *Config) {
			c.Booking.DayStart = "09:00"
			c.Booking.DayEnd = "09:15"
		}, wantErr: true},
		{name: "bad cutoff", mutate: func(c *Config) { c.Booking.SameDayCutoff = "7pm" }, wantErr: true},
		{name: "bad weekday", mutate: func(c *Config) { c.Booking.ClosedWeekdays = []string{"funday"} }, wantErr: true},
		{name: "auth without keys", mutate: func(c *Config) { c.API.Auth.Enabled = true }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, 8081, cfg.API.GRPC.Port)
	assert.Equal(t, 8080, cfg.API.HTTP.Port)
	assert.Equal(t, "x-api-key", cfg.API.Auth.HeaderAPIKey)
	assert.Equal(t, "Europe/Berlin", cfg.Booking.Timezone)
	assert.Equal(t, 30, cfg.Booking.SlotMinutes)
	assert.Equal(t, 30, cfg.Booking.GranularityMinutes)
	assert.Equal(t, "21:00", cfg.Booking.DayEnd)
	assert.Equal(t, 10*time.Minute, cfg.Booking.HoldTTL)
	assert.Equal(t, 24*time.Hour, cfg.Booking.ManageTokenGrace)
	assert.Equal(t, 5, cfg.Outbox.MaxRetries)
}

func TestPolicySessionTTLAtLeastHold(t *testing.T) {
	b := DefaultBooking()
	b.HoldTTL = time.Hour
	b.SessionTokenTTL = time.Minute

	p, err := b.Policy()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, p.SessionTokenTTL)
}

func TestBookingWarnings(t *testing.T) {
	b := DefaultBooking()
	assert.Empty(t, b.Warnings())

	b.DayEnd = "18:00"
	b.SameDayCutoff = "19:30"
	require.Len(t, b.Warnings(), 1)
	assert.Contains(t, b.Warnings()[0], "same_day_cutoff 19:30")

	b.SameDayCutoff = "17:30"
	assert.Len(t, b.Warnings(), 1)

	b.SameDayCutoff = "17:29"
	assert.Empty(t, b.Warnings())
}
