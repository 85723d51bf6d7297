package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/talgya/costco-market/internal/api"
	"github.com/talgya/costco-market/internal/engine"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/observability"
	"github.com/talgya/costco-market/internal/persistence"
	"github.com/talgya/costco-market/internal/trade"
	"github.com/talgya/costco-market/internal/wallet"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run the market: idle price drift, autosave, the HTTP API and /metrics",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "takeover",
			Usage: "replace the market lease of a process that died without releasing it",
		},
	},
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		c.Context = ctx

		cfg, backend, err := openStore(c)
		if err != nil {
			return err
		}
		defer backend.Close()

		// Bind the API first so the lease can name where trades go.
		var srv *api.Server
		tradeURL := ""
		if cfg.APIAddr != "" {
			proxies, err := cfg.TrustedProxies()
			if err != nil {
				return err
			}
			srv = &api.Server{Addr: cfg.APIAddr, AdminKey: cfg.APIAdminKey, TrustedProxies: proxies}
			if err := srv.Listen(); err != nil {
				return err
			}
			if cfg.APIAdminKey != "" {
				tradeURL = srv.URL()
			}
		}
		stopAPI := func() {
			if srv == nil {
				return
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("API shutdown", "error", err)
			}
			srv = nil
		}
		defer stopAPI()

		lease := persistence.NewLease(tradeURL)
		if err := persistence.Claim(ctx, backend, lease, c.Bool("takeover")); err != nil {
			return fmt.Errorf("%w; stop that market first, or pass --takeover if it is gone", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := persistence.Release(releaseCtx, backend, lease); err != nil {
				slog.Error("lease release failed", "error", err)
			}
		}()

		metrics := observability.NewMetrics("", nil)
		app, err := newMarketApp(ctx, cfg, backend, metrics)
		if err != nil {
			return err
		}
		app.lease = lease

		slog.Info("market ready",
			"commodities", app.registry.Len(),
			"tick", app.tick,
			"interval", cfg.TickInterval(),
			"trade_url", tradeURL,
		)

		if addr := cfg.MetricsAddr; addr != "" {
			msrv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				slog.Info("metrics server starting", "addr", addr)
				if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				msrv.Shutdown(shutdownCtx)
			}()
		}

		eng := engine.NewEngine(cfg.TickInterval())
		eng.Tick = app.tick
		eng.SaveEvery = uint64(cfg.AutosaveEveryTicks)
		eng.OnTick = engine.HoldTick(app.registry, app.rng, metrics)
		eng.OnSave = func(uint64) error {
			err := app.save(ctx)
			metrics.RecordSave(err)
			return err
		}
		app.tickFn = eng.CurrentTick

		if srv != nil {
			srv.Registry = app.registry
			srv.Ledger = app.ledger
			srv.Desk = app.desk
			srv.Eng = eng
			srv.AfterWrite = func(ctx context.Context) error {
				err := app.save(ctx)
				metrics.RecordSave(err)
				return err
			}
			srv.Serve()
		}

		eng.Run(ctx)

		// No trades may land after the final save.
		stopAPI()

		// The signal context is already cancelled.
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = app.save(saveCtx)
		metrics.RecordSave(err)
		if err != nil {
			return fmt.Errorf("final save: %w", err)
		}
		slog.Info("market shut down")
		return nil
	},
}

var unlockCmd = &cli.Command{
	Name:  "unlock",
	Usage: "Clear the market lease left by a process that died (never while the market runs)",
	Action: func(c *cli.Context) error {
		_, backend, err := openStore(c)
		if err != nil {
			return err
		}
		defer backend.Close()

		holder, held, err := persistence.CurrentLease(c.Context, backend)
		if err != nil {
			return err
		}
		if !held {
			fmt.Println("Market is not locked.")
			return nil
		}
		if err := persistence.ForceRelease(c.Context, backend); err != nil {
			return err
		}
		fmt.Printf("Released lease of pid %d (held since %s).\n", holder.PID, holder.Since.Format(time.RFC3339))
		return nil
	},
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	return mux
}

var quoteCmd = &cli.Command{
	Name:  "quote",
	Usage: "Print buy and sell prices without trading",
	Flags: append(identityFlags(),
		&cli.IntFlag{
			Name:    "amount",
			Aliases: []string{"n"},
			Value:   1,
			Usage:   "number of items",
		},
	),
	Action: func(c *cli.Context) error {
		id, err := identityFromFlags(c)
		if err != nil {
			return err
		}
		app, err := openMarket(c)
		if err != nil {
			return err
		}
		defer app.Close()

		q, err := app.desk.Quote(id, c.Int("amount"))
		if err != nil {
			return err
		}
		fixed := ""
		if q.Fixed {
			fixed = " (fixed price)"
		}
		fmt.Printf("%d x %s%s\n  buy:  %s\n  sell: %s\n",
			q.Amount, q.ID, fixed, wallet.Format(q.Buy), wallet.Format(q.Sell))
		return nil
	},
}

var affordCmd = &cli.Command{
	Name:  "afford",
	Usage: "Find how many items a budget buys",
	Flags: append(identityFlags(),
		&cli.IntFlag{
			Name:     "requested",
			Aliases:  []string{"r"},
			Required: true,
			Usage:    "upper bound on the quantity",
		},
		&cli.Float64Flag{
			Name:     "funds",
			Aliases:  []string{"f"},
			Required: true,
			Usage:    "budget to spend",
		},
	),
	Action: func(c *cli.Context) error {
		id, err := identityFromFlags(c)
		if err != nil {
			return err
		}
		app, err := openMarket(c)
		if err != nil {
			return err
		}
		defer app.Close()

		e, err := app.registry.GetOrCreate(id)
		if err != nil {
			return err
		}
		res, err := e.MaxAffordable(c.Int("requested"), c.Float64("funds"))
		if err != nil {
			return err
		}
		if !res.CanAfford() {
			unit, _ := e.ItemBuyPrice(1)
			fmt.Printf("cannot afford %s: one costs %s\n", id, wallet.Format(wallet.Round(unit)))
			return nil
		}
		fmt.Printf("%d x %s for %s (%d iterations)\n",
			res.Quantity, id, wallet.Format(wallet.Round(res.Cost)), res.Iterations)
		return nil
	},
}

func playerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "player",
		Aliases:  []string{"p"},
		Required: true,
		Usage:    "player UUID",
	}
}

var buyCmd = &cli.Command{
	Name:  "buy",
	Usage: "Buy items for a player",
	Flags: append(identityFlags(),
		playerFlag(),
		&cli.IntFlag{Name: "amount", Aliases: []string{"n"}, Value: 1, Usage: "number of items"},
		&cli.BoolFlag{Name: "max", Usage: "buy as many as the wallet allows when it cannot cover the amount"},
	),
	Action: func(c *cli.Context) error {
		return settle(c, func(m mutator, player uuid.UUID, id market.Identity) (trade.Receipt, error) {
			return m.Buy(c.Context, player, id, c.Int("amount"), c.Bool("max"))
		})
	},
}

var sellCmd = &cli.Command{
	Name:  "sell",
	Usage: "Sell items for a player",
	Flags: append(identityFlags(),
		playerFlag(),
		&cli.IntFlag{Name: "amount", Aliases: []string{"n"}, Value: 1, Usage: "number of items"},
	),
	Action: func(c *cli.Context) error {
		return settle(c, func(m mutator, player uuid.UUID, id market.Identity) (trade.Receipt, error) {
			return m.Sell(c.Context, player, id, c.Int("amount"))
		})
	},
}

// settle runs one trade and reports it.
func settle(c *cli.Context, fn func(mutator, uuid.UUID, market.Identity) (trade.Receipt, error)) error {
	player, err := uuid.Parse(c.String("player"))
	if err != nil {
		return fmt.Errorf("invalid player: %w", err)
	}
	id, err := identityFromFlags(c)
	if err != nil {
		return err
	}

	return withMutator(c, func(m mutator) error {
		r, err := fn(m, player, id)
		if err != nil {
			var cae *trade.CannotAffordError
			if errors.As(err, &cae) {
				fmt.Printf("Cannot afford any %s. One costs %s.\n", cae.ID, wallet.Format(cae.UnitPrice))
				return nil
			}
			return err
		}

		verb := "Bought"
		if r.Side == trade.SideSell {
			verb = "Sold"
		}
		fmt.Printf("%s %d x %s for %s. Balance: %s\n",
			verb, r.Amount, r.ID, wallet.Format(r.Total), wallet.Format(r.Balance))
		if r.Amount < r.Requested {
			fmt.Printf("Could only afford %d of %d.\n", r.Amount, r.Requested)
		}
		return nil
	})
}

var payCmd = &cli.Command{
	Name:  "pay",
	Usage: "Move money from one player's wallet to another's",
	Flags: []cli.Flag{
		playerFlag(),
		&cli.StringFlag{Name: "to", Required: true, Usage: "recipient UUID"},
		&cli.StringFlag{Name: "amount", Required: true, Usage: "amount, e.g. 120.50"},
	},
	Action: func(c *cli.Context) error {
		from, err := uuid.Parse(c.String("player"))
		if err != nil {
			return fmt.Errorf("invalid player: %w", err)
		}
		to, err := uuid.Parse(c.String("to"))
		if err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
		amount, err := wallet.ParseAmount(c.String("amount"))
		if err != nil {
			return err
		}

		return withMutator(c, func(m mutator) error {
			t, err := m.Pay(c.Context, from, to, amount)
			if err != nil {
				return err
			}
			fmt.Printf("Paid %s to %s. Balance: %s\n", wallet.Format(t.Amount), t.To, wallet.Format(t.FromBalance))
			return nil
		})
	},
}

// Wallets shown per page of top.
const topPageSize = 5

var topCmd = &cli.Command{
	Name:  "top",
	Usage: "List the richest wallets",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "page", Value: 1, Usage: "page number, five wallets per page"},
	},
	Action: func(c *cli.Context) error {
		page := c.Int("page")
		if page < 1 {
			return fmt.Errorf("page %d must be at least 1", page)
		}
		app, err := openMarket(c)
		if err != nil {
			return err
		}
		defer app.Close()

		top := app.ledger.Top(page * topPageSize)
		first := (page - 1) * topPageSize
		if first >= len(top) {
			fmt.Println("No wallets on this page.")
			return nil
		}
		fmt.Printf("Top balances, page %d:\n", page)
		for i, e := range top[first:] {
			fmt.Printf("%3d. %s %s\n", first+i+1, e.Player, wallet.Format(e.Balance))
		}
		return nil
	},
}

var walletCmd = &cli.Command{
	Name:  "wallet",
	Usage: "Show a player's balance, or set it with --set",
	Flags: []cli.Flag{
		playerFlag(),
		&cli.StringFlag{Name: "set", Usage: "overwrite the balance with this amount"},
	},
	Action: func(c *cli.Context) error {
		player, err := uuid.Parse(c.String("player"))
		if err != nil {
			return fmt.Errorf("invalid player: %w", err)
		}

		if !c.IsSet("set") {
			app, err := openMarket(c)
			if err != nil {
				return err
			}
			defer app.Close()
			fmt.Printf("%s: %s\n", player, wallet.Format(app.ledger.Balance(player)))
			return nil
		}

		amount, err := wallet.ParseAmount(c.String("set"))
		if err != nil {
			return err
		}
		return withMutator(c, func(m mutator) error {
			bal, err := m.SetBalance(c.Context, player, amount)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", player, wallet.Format(bal))
			return nil
		})
	},
}
