// Package config loads the market server configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/costco-market/internal/economy"
)

// Config holds all market configuration.
type Config struct {
	Market      MarketConfig   `yaml:"market"`
	Database    DatabaseConfig `yaml:"database"`
	Entropy     EntropyConfig  `yaml:"entropy"`
	CatalogPath string         `yaml:"catalog_path"`
	LogLevel    string         `yaml:"log_level"`   // debug, info, warn, error
	MetricsAddr string         `yaml:"metrics_addr"` // empty disables /metrics
	APIAddr     string         `yaml:"api_addr"`     // empty disables the HTTP API

	// Bearer token for the API's trading endpoints. Empty disables them, and
	// CLI trades against a running market then fail instead of routing.
	APIAdminKey string `yaml:"api_admin_key"`

	// Proxies (IPs or CIDRs) whose X-Forwarded-For header is believed.
	APITrustedProxies []string `yaml:"api_trusted_proxies"`

	AutosaveEveryTicks int `yaml:"autosave_every_ticks"`
}

// MarketConfig holds the pricing constants and trading defaults.
type MarketConfig struct {
	MassPerTransaction        float64 `yaml:"mass_per_transaction"`
	MaximumMass               float64 `yaml:"maximum_mass"`
	MaxPctChange              float64 `yaml:"max_pct_change"`
	VarMultiplier             float64 `yaml:"var_multiplier"`
	MassVarMin                float64 `yaml:"mass_var_min"`
	MassVarMax                float64 `yaml:"mass_var_max"`
	PriceSpread               float64 `yaml:"price_spread"`
	SurchargeCurveEpsilon     float64 `yaml:"surcharge_curve_epsilon"`
	CorrectionClampMultiplier float64 `yaml:"clamp_multiplier"`

	StartingMass              float64 `yaml:"starting_mass"`
	SecondsBetweenPriceMotion int     `yaml:"seconds_between_price_motion"`
	DefaultWallet             float64 `yaml:"default_wallet"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`   // sqlite file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// EntropyConfig selects the drift sampler. A random.org key takes precedence
// over a fixed seed; with neither, crypto/rand is used.
type EntropyConfig struct {
	RandomOrgKey string `yaml:"random_org_key"`
	Seed         int64  `yaml:"seed"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads configuration from a YAML file. Zero values take defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := economy.DefaultParams()
	m := &c.Market
	if m.MassPerTransaction == 0 {
		m.MassPerTransaction = d.MassIncrement
	}
	if m.MaximumMass == 0 {
		m.MaximumMass = d.MaxMass
	}
	if m.MaxPctChange == 0 {
		m.MaxPctChange = d.MaxPctChange
	}
	if m.VarMultiplier == 0 {
		m.VarMultiplier = d.NoiseScale
	}
	if m.MassVarMin == 0 {
		m.MassVarMin = d.MassVarMin
	}
	if m.MassVarMax == 0 {
		m.MassVarMax = d.MassVarMax
	}
	if m.PriceSpread == 0 {
		m.PriceSpread = d.PriceSpread
	}
	if m.SurchargeCurveEpsilon == 0 {
		m.SurchargeCurveEpsilon = d.SurchargeEpsilon
	}
	if m.CorrectionClampMultiplier == 0 {
		m.CorrectionClampMultiplier = d.CorrectionClampMultiplier
	}
	if m.StartingMass == 0 {
		m.StartingMass = 5
	}
	if m.SecondsBetweenPriceMotion == 0 {
		m.SecondsBetweenPriceMotion = 60
	}
	if m.DefaultWallet == 0 {
		m.DefaultWallet = 500
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/costco.db"
	}
	if c.AutosaveEveryTicks == 0 {
		c.AutosaveEveryTicks = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if err := c.Params().Validate(); err != nil {
		return err
	}
	m := c.Market
	if m.StartingMass <= 0 || m.StartingMass > m.MaximumMass {
		return fmt.Errorf("starting_mass %g outside (0, %g]", m.StartingMass, m.MaximumMass)
	}
	if m.SecondsBetweenPriceMotion < 0 {
		return fmt.Errorf("seconds_between_price_motion %d is negative", m.SecondsBetweenPriceMotion)
	}
	if m.DefaultWallet < 0 {
		return fmt.Errorf("default_wallet %g is negative", m.DefaultWallet)
	}
	if c.AutosaveEveryTicks < 0 {
		return fmt.Errorf("autosave_every_ticks %d is negative", c.AutosaveEveryTicks)
	}
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.TrustedProxies(); err != nil {
		return err
	}
	return nil
}

// TrustedProxies parses api_trusted_proxies. A bare address is a single-host
// prefix.
func (c *Config) TrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.APITrustedProxies))
	for _, raw := range c.APITrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("api_trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("api_trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Params converts the market section to engine constants.
func (c *Config) Params() economy.Params {
	m := c.Market
	return economy.Params{
		MassIncrement:             m.MassPerTransaction,
		MaxMass:                   m.MaximumMass,
		MaxPctChange:              m.MaxPctChange,
		NoiseScale:                m.VarMultiplier,
		MassVarMin:                m.MassVarMin,
		MassVarMax:                m.MassVarMax,
		PriceSpread:               m.PriceSpread,
		SurchargeEpsilon:          m.SurchargeCurveEpsilon,
		CorrectionClampMultiplier: m.CorrectionClampMultiplier,
	}
}

// TickInterval is the wall-clock time between idle price movements.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Market.SecondsBetweenPriceMotion) * time.Second
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
}
