package main

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/mgazza/dorm-energy-sync/internal/config"
	"github.com/mgazza/dorm-energy-sync/internal/dorms"
)

func baseConfig() config.Config {
	return config.Config{
		Environment:     "development",
		ClientID:        "env-id",
		ClientSecret:    "env-secret",
		Organization:    "campus",
		CacheTTL:        30 * time.Minute,
		RefreshInterval: 30 * time.Minute,
		RotateInterval:  10 * time.Second,
		HTTPTimeout:     30 * time.Second,
		HTTPAddr:        ":0",
		CacheDirectory:  config.CacheDisabled,
		OutputCSV:       "output.csv",
		DefaultUsername: "Guest",
		DefaultDorm:     "TINSLEY",
	}
}

func TestParseFlagsOverridesEnvironment(t *testing.T) {
	cfg, err := parseFlags([]string{
		"--client-id=flag-id",
		"--refresh-interval=5m",
		"--once",
		"--out=ranking.csv",
	}, baseConfig())
	require.NoError(t, err)
	require.Equal(t, "flag-id", cfg.ClientID)
	require.Equal(t, "env-secret", cfg.ClientSecret)
	require.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	require.True(t, cfg.Once)
	require.Equal(t, "ranking.csv", cfg.OutputCSV)
}

func TestParseFlagsValidates(t *testing.T) {
	_, err := parseFlags([]string{"--organization=not valid"}, baseConfig())
	require.Error(t, err)

	_, err = parseFlags([]string{"--client-secret="}, baseConfig())
	require.ErrorContains(t, err, "client secret")

	_, err = parseFlags([]string{"--no-such-flag"}, baseConfig())
	require.Error(t, err)

	_, err = parseFlags([]string{"--help"}, baseConfig())
	require.ErrorIs(t, err, pflag.ErrHelp)
}

func TestAppGraphValidates(t *testing.T) {
	cfg := baseConfig()
	require.NoError(t, fx.ValidateApp(
		core(cfg),
		fx.Provide(newPublisher, newHTTPHandler),
		fx.Invoke(startKafka, startHTTPServer),
	))
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	err := writeCSV(path, []dorms.Snapshot{
		{Name: "TINSLEY", TwinID: "PNT9", CurrentLoad: 180, YesterdayTotal: 3456, Score: 300, Rank: 1, IsRealData: true, ReadingAt: at, UpdatedAt: at},
		{Name: "GABALDON", TwinID: "PNT6", CurrentLoad: 312.34, YesterdayTotal: 5995.7, Score: 200, Rank: 2, UpdatedAt: at},
	})
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "Rank", records[0][0])
	require.Equal(t, []string{"1", "TINSLEY", "PNT9", "180.0", "3456.0", "false", "300", "true", "false", "2025-03-01T12:00:00Z", "2025-03-01T12:00:00Z"}, records[1])
	require.Equal(t, "312.3", records[2][3])
	require.Equal(t, "", records[2][9])

	require.Error(t, writeCSV(path, nil))
}
