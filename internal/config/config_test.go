package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgazza/dorm-energy-sync/internal/dorms"
)

func validConfig() Config {
	return Config{
		ClientID:        "id",
		ClientSecret:    "secret",
		Organization:    "campus",
		CacheTTL:        30 * time.Minute,
		RefreshInterval: 30 * time.Minute,
		RotateInterval:  10 * time.Second,
		HTTPTimeout:     30 * time.Second,
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WILLOW_CLIENT_ID", " id ")
	t.Setenv("CACHE_TTL", "not-a-duration")
	t.Setenv("KAFKA_BROKERS", "a:9092, ,b:9092")
	t.Setenv("INTEGRATE_HISTORY", "yes")
	t.Setenv("RALLY_END", "2025-10-29")

	cfg := Load()
	require.Equal(t, "id", cfg.ClientID)
	require.Equal(t, 30*time.Minute, cfg.CacheTTL)
	require.Equal(t, 10*time.Second, cfg.RotateInterval)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	require.True(t, cfg.IntegrateHistory)
	require.Equal(t, CacheDisabled, cfg.CacheDirectory)
	require.Equal(t, 5460, cfg.EnergyPoints)
	require.Equal(t, time.Date(2025, time.October, 29, 0, 0, 0, 0, time.Local), cfg.RallyEnd)

	t.Setenv("RALLY_END", "29/10/2025")
	require.True(t, Load().RallyEnd.IsZero())
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
		expect string
	}{
		{name: "missing secret", modify: func(c *Config) { c.ClientSecret = "" }, expect: "client secret"},
		{name: "bad organization", modify: func(c *Config) { c.Organization = "not valid!" }, expect: "organization"},
		{name: "zero ttl", modify: func(c *Config) { c.CacheTTL = 0 }, expect: "CACHE_TTL"},
		{name: "once without output", modify: func(c *Config) { c.Once = true; c.OutputCSV = "" }, expect: "--out"},
		{name: "influx without org", modify: func(c *Config) { c.InfluxURL = "http://influx" }, expect: "INFLUX_ORG"},
		{name: "negative points", modify: func(c *Config) { c.EnergyPoints = -5 }, expect: "ENERGY_POINTS"},
		{name: "kafka without topic", modify: func(c *Config) { c.KafkaBrokers = []string{"k:9092"} }, expect: "KAFKA_TOPIC"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := validConfig()
			test.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), test.expect)
		})
	}
}

func TestLoadEntities(t *testing.T) {
	entities, err := LoadEntities("")
	require.NoError(t, err)
	require.Equal(t, dorms.DefaultEntities(), entities)

	dir := t.TempDir()
	path := filepath.Join(dir, "entities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entities:
  - name: tinsley
    twinId: PNT9CnuLmTV4tkZwAigypXrnY
  - name: " Reilly "
    twinId: PNTexample
`), 0o600))

	entities, err = LoadEntities(path)
	require.NoError(t, err)
	require.Equal(t, []dorms.Entity{
		{Name: "TINSLEY", TwinID: "PNT9CnuLmTV4tkZwAigypXrnY"},
		{Name: "REILLY", TwinID: "PNTexample"},
	}, entities)
}

func TestLoadEntitiesRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err := LoadEntities(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	_, err = LoadEntities(write("empty.yaml", "entities: []\n"))
	require.ErrorContains(t, err, "no entities")

	_, err = LoadEntities(write("noid.yaml", "entities:\n  - name: A\n"))
	require.ErrorContains(t, err, "twinId")

	_, err = LoadEntities(write("dup.yaml", "entities:\n  - {name: a, twinId: x}\n  - {name: A, twinId: y}\n"))
	require.ErrorContains(t, err, "duplicate")
}
