package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/talgya/costco-market/internal/api"
	"github.com/talgya/costco-market/internal/catalog"
	"github.com/talgya/costco-market/internal/config"
	"github.com/talgya/costco-market/internal/economy"
	"github.com/talgya/costco-market/internal/entropy"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/observability"
	"github.com/talgya/costco-market/internal/persistence"
	"github.com/talgya/costco-market/internal/persistence/postgres"
	"github.com/talgya/costco-market/internal/trade"
	"github.com/talgya/costco-market/internal/wallet"
)

// marketApp is a restored market ready to trade.
type marketApp struct {
	cfg      *config.Config
	backend  persistence.Backend
	registry *market.Registry
	ledger   *wallet.Ledger
	rng      economy.Sampler
	desk     *trade.Desk

	lease  persistence.Lease // empty for read-only use; saves then fail
	tickFn func() uint64     // live engine tick, set while running

	saveMu sync.Mutex
	tick   uint64
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openStore loads configuration and opens the configured backend.
func openStore(c *cli.Context) (*config.Config, persistence.Backend, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	setupLogging(cfg.SlogLevel())

	backend, err := openBackend(c.Context, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, backend, nil
}

// newMarketApp loads the catalog and restores the last saved state from
// backend. The caller keeps ownership of backend.
func newMarketApp(ctx context.Context, cfg *config.Config, backend persistence.Backend, metrics *observability.Metrics) (*marketApp, error) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	registry, err := market.NewRegistry(cfg.Params(), cat, cfg.Market.StartingMass)
	if err != nil {
		return nil, err
	}
	ledger := wallet.NewLedger(cfg.Market.DefaultWallet)

	tick, err := persistence.LoadMarketState(ctx, backend, registry, ledger)
	if err != nil {
		return nil, err
	}

	rng := newSampler(cfg)
	return &marketApp{
		cfg:      cfg,
		backend:  backend,
		registry: registry,
		ledger:   ledger,
		rng:      rng,
		desk:     trade.NewDesk(registry, ledger, rng, metrics),
		tick:     tick,
	}, nil
}

// openMarket restores the saved market for reading. Nothing it does is
// saved.
func openMarket(c *cli.Context) (*marketApp, error) {
	cfg, backend, err := openStore(c)
	if err != nil {
		return nil, err
	}
	app, err := newMarketApp(c.Context, cfg, backend, nil)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return app, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (persistence.Backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		slog.Info("database opened", "driver", "postgres")
		return store, nil
	default:
		if dir := filepath.Dir(cfg.Database.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := persistence.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("database opened", "driver", "sqlite", "path", cfg.Database.Path)
		return db, nil
	}
}

// newSampler picks the drift source: random.org when keyed, a seeded PRNG
// when a seed is set, crypto/rand otherwise.
func newSampler(cfg *config.Config) economy.Sampler {
	if client := entropy.NewClient(cfg.Entropy.RandomOrgKey); client != nil {
		slog.Info("entropy source", "source", "random.org")
		return client
	}
	if cfg.Entropy.Seed != 0 {
		slog.Info("entropy source", "source", "seeded", "seed", cfg.Entropy.Seed)
		return entropy.NewSeeded(cfg.Entropy.Seed)
	}
	slog.Info("entropy source", "source", "crypto/rand")
	return (*entropy.Client)(nil)
}

// save writes a snapshot under the held lease. Saves are serialized so a
// slow save never lands after a newer one.
func (a *marketApp) save(ctx context.Context) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	if a.tickFn != nil {
		if t := a.tickFn(); t > a.tick {
			a.tick = t
		}
	}
	return persistence.SaveMarketState(ctx, a.backend, a.lease.Token, a.registry, a.ledger, a.tick)
}

func (a *marketApp) Close() error {
	return a.backend.Close()
}

// mutator changes market state, either in this process or in the running
// market that holds the lease.
type mutator interface {
	Buy(ctx context.Context, player uuid.UUID, id market.Identity, amount int, buyMax bool) (trade.Receipt, error)
	Sell(ctx context.Context, player uuid.UUID, id market.Identity, amount int) (trade.Receipt, error)
	Pay(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal) (wallet.Transfer, error)
	SetBalance(ctx context.Context, player uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
}

func (a *marketApp) Buy(_ context.Context, player uuid.UUID, id market.Identity, amount int, buyMax bool) (trade.Receipt, error) {
	return a.desk.Buy(player, id, amount, buyMax)
}

func (a *marketApp) Sell(_ context.Context, player uuid.UUID, id market.Identity, amount int) (trade.Receipt, error) {
	return a.desk.Sell(player, id, amount)
}

func (a *marketApp) Pay(_ context.Context, from, to uuid.UUID, amount decimal.Decimal) (wallet.Transfer, error) {
	return a.desk.Pay(from, to, amount)
}

func (a *marketApp) SetBalance(_ context.Context, player uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	return a.desk.SetBalance(player, amount)
}

// How long a one-shot command waits for another one-shot command's lease.
var leaseWait = 3 * time.Second

// withMutator runs fn against whoever may write the market. A running
// market that accepts trades gets them over its API. Otherwise this process
// takes the lease, restores the market, runs fn and saves.
func withMutator(c *cli.Context, fn func(mutator) error) error {
	ctx := c.Context
	cfg, backend, err := openStore(c)
	if err != nil {
		return err
	}
	defer backend.Close()

	lease := persistence.NewLease("")
	deadline := time.Now().Add(leaseWait)
	for {
		err := persistence.Claim(ctx, backend, lease, false)
		if err == nil {
			break
		}
		var owned *persistence.OwnedError
		if !errors.As(err, &owned) {
			return err
		}
		if url := owned.Holder.TradeURL; url != "" {
			if cfg.APIAdminKey == "" {
				return fmt.Errorf("%w; set api_admin_key to trade through it", err)
			}
			slog.Debug("routing to running market", "url", url, "pid", owned.Holder.PID)
			return fn(api.NewClient(url, cfg.APIAdminKey))
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w; if that process is gone, run costco unlock", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := persistence.Release(releaseCtx, backend, lease); err != nil {
			slog.Error("lease release failed", "error", err)
		}
	}()

	app, err := newMarketApp(ctx, cfg, backend, nil)
	if err != nil {
		return err
	}
	app.lease = lease
	if err := fn(app); err != nil {
		return err
	}
	return app.save(ctx)
}

// identityFlags are shared by every command that names a commodity.
func identityFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "material",
			Aliases:  []string{"m"},
			Required: true,
			Usage:    "item material, e.g. DIAMOND_SWORD",
		},
		&cli.StringSliceFlag{
			Name:    "enchant",
			Aliases: []string{"e"},
			Usage:   "enchantment as name:level, repeatable",
		},
	}
}

func identityFromFlags(c *cli.Context) (market.Identity, error) {
	key := c.String("material")
	if enchants := c.StringSlice("enchant"); len(enchants) > 0 {
		key += "["
		for i, e := range enchants {
			if i > 0 {
				key += ","
			}
			key += e
		}
		key += "]"
	}
	return market.ParseKey(key)
}
