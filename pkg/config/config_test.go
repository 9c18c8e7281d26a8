package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Activity.Buckets)
	assert.Equal(t, 14*24*time.Hour, cfg.Activity.ActivityTTL.Std())
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
activity:
  buckets: 8
  collectionPollingFrequency: 10s
  lockTTL: 10s
email:
  gracePeriod: 60s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Activity.Buckets)
	assert.Equal(t, 10*time.Second, cfg.Activity.CollectionPollingFrequency.Std())
	assert.Equal(t, time.Minute, cfg.Email.GracePeriod.Std())
	// Untouched values keep their defaults.
	assert.Equal(t, 1000, cfg.Activity.CollectionBatchSize)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		yaml string
	}{
		{name: "zero buckets", yaml: "activity:\n  buckets: 0\n"},
		{name: "bad duration", yaml: "email:\n  gracePeriod: soon\n"},
		{name: "polling below lock ttl", yaml: "activity:\n  collectionPollingFrequency: 1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestStandaloneSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenants:
  - alias: cam
    host: cam.example.com
    emailDomain: example.com
    signingKey: cam-signing-key
    timezone: Europe/London
    emailHour: 8
    emailDay: thursday
users:
  - id: u:cam:alice
    tenant: cam
    email: alice@example.com
    emailPreference: weekly
registry:
  entityTypes: [user, group]
  activityTypes:
    - name: content-share
      groupBy:
        - object: true
      streams:
        activity:
          actor: [self]
          object: [members]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Tenants, 1)
	day, err := cfg.Tenants[0].Weekday()
	require.NoError(t, err)
	assert.Equal(t, time.Thursday, day)

	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "weekly", cfg.Users[0].EmailPreference)

	assert.Equal(t, []string{"user", "group"}, cfg.Registry.EntityTypes)
	require.Len(t, cfg.Registry.ActivityTypes, 1)
	at := cfg.Registry.ActivityTypes[0]
	assert.True(t, at.GroupBy[0].Object)
	assert.Equal(t, []string{"members"}, at.Streams["activity"].Object)
}

func TestWeekdayDefaultsWhenUnset(t *testing.T) {
	day, err := TenantConfig{}.Weekday()
	require.NoError(t, err)
	assert.Equal(t, time.Tuesday, day)
}

func TestValidateRejectsBadStandaloneSections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "tenant without signing key", mutate: func(c *Config) {
			c.Tenants = []TenantConfig{{Alias: "cam"}}
		}},
		{name: "bad weekday", mutate: func(c *Config) {
			c.Tenants = []TenantConfig{{Alias: "cam", SigningKey: "k", EmailDay: "someday"}}
		}},
		{name: "bad timezone", mutate: func(c *Config) {
			c.Tenants = []TenantConfig{{Alias: "cam", SigningKey: "k", Timezone: "Mars/Olympus"}}
		}},
		{name: "bad email preference", mutate: func(c *Config) {
			c.Users = []UserConfig{{ID: "u:cam:alice", EmailPreference: "hourly"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
