package config

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/costco-market/internal/economy"
)

func TestDefault_MatchesEngineDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, economy.DefaultParams(), cfg.Params())
	assert.Equal(t, 5.0, cfg.Market.StartingMass)
	assert.Equal(t, 500.0, cfg.Market.DefaultWallet)
	assert.Equal(t, time.Minute, cfg.TickInterval())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestParse_OverridesAndFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
market:
  max_pct_change: 0.1
  default_wallet: 1000
  seconds_between_price_motion: 5
database:
  driver: postgres
  dsn: postgres://localhost/costco
entropy:
  seed: 7
log_level: debug
metrics_addr: ":9100"
api_addr: ":8080"
api_admin_key: hunter2
api_trusted_proxies: ["10.0.0.0/8", "127.0.0.1", "::1"]
autosave_every_ticks: 12
`))
	require.NoError(t, err)

	assert.Equal(t, 0.1, cfg.Params().MaxPctChange)
	assert.Equal(t, economy.DefaultParams().PriceSpread, cfg.Params().PriceSpread)
	assert.Equal(t, 1000.0, cfg.Market.DefaultWallet)
	assert.Equal(t, 5*time.Second, cfg.TickInterval())
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, int64(7), cfg.Entropy.Seed)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, "hunter2", cfg.APIAdminKey)

	proxies, err := cfg.TrustedProxies()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("127.0.0.1/32"),
		netip.MustParsePrefix("::1/128"),
	}, proxies)
	assert.Equal(t, 12, cfg.AutosaveEveryTicks)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "database: {driver: postgres}",
		"unknown driver":       "database: {driver: mysql}",
		"bad log level":        "log_level: loud",
		"spread too wide":      "market: {price_spread: 3}",
		"starting mass":        "market: {starting_mass: -1}",
		"negative autosave":    "autosave_every_ticks: -1",
		"malformed":            "market: [",
		"bad proxy":            "api_trusted_proxies: [gateway]",
		"bad proxy cidr":       "api_trusted_proxies: [10.0.0.0/33]",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "costco.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catalog_path: catalog.yaml\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "catalog.yaml", cfg.CatalogPath)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
