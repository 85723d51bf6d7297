package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/costco-market/internal/api"
	"github.com/talgya/costco-market/internal/catalog"
	"github.com/talgya/costco-market/internal/config"
	"github.com/talgya/costco-market/internal/economy"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/persistence"
	"github.com/talgya/costco-market/internal/trade"
	"github.com/talgya/costco-market/internal/wallet"
)

const adminKey = "test-admin-key"

func writeConfig(t *testing.T, extra ...string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "data", "costco.db")
	cfgPath = filepath.Join(dir, "costco.yaml")
	body := "log_level: error\ndatabase:\n  path: " + dbPath + "\n" + strings.Join(extra, "")
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath, dbPath
}

func runCLI(t *testing.T, cfgPath string, args ...string) error {
	t.Helper()
	return newApp().Run(append([]string{"costco", "-c", cfgPath}, args...))
}

func newMarket(t *testing.T) (*market.Registry, *wallet.Ledger) {
	t.Helper()
	reg, err := market.NewRegistry(economy.DefaultParams(), catalog.Default(), 5)
	require.NoError(t, err)
	return reg, wallet.NewLedger(500)
}

func openDB(t *testing.T, dbPath string) *persistence.DB {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(dbPath), 0o755))
	db, err := persistence.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func reload(t *testing.T, db *persistence.DB) (*market.Registry, *wallet.Ledger) {
	t.Helper()
	reg, ledger := newMarket(t)
	_, err := persistence.LoadMarketState(context.Background(), db, reg, ledger)
	require.NoError(t, err)
	return reg, ledger
}

func TestCLI_BuySellPersists(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	player := uuid.New().String()

	run := func(args ...string) {
		t.Helper()
		require.NoError(t, newApp().Run(append([]string{"costco", "-c", cfgPath}, args...)))
	}

	run("quote", "-m", "STONE", "-n", "3")
	run("buy", "-m", "STONE", "-p", player, "-n", "3")
	run("sell", "-m", "STONE", "-p", player, "-n", "1")
	run("afford", "-m", "DIAMOND_SWORD", "-e", "sharpness:5", "-r", "64", "-f", "100")

	reg, ledger := reload(t, openDB(t, dbPath))

	_, ok := reg.Lookup(market.Item("STONE"))
	assert.True(t, ok)
	// 500 - 31.38 + sell of one after the buy
	bal := ledger.Balance(uuid.MustParse(player))
	assert.True(t, bal.LessThan(wallet.Round(500)))
	assert.True(t, bal.GreaterThan(wallet.Round(468.62)))
}

func TestCLI_BuyMaxDeclineIsNotAnError(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	err := newApp().Run([]string{"costco", "-c", cfgPath,
		"buy", "-m", "DIAMOND_SWORD", "-e", "sharpness:5", "-p", uuid.New().String(), "--max"})
	assert.NoError(t, err)
}

func TestCLI_RejectsBadInput(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	err := newApp().Run([]string{"costco", "-c", cfgPath, "buy", "-m", "STONE", "-p", "not-a-uuid"})
	assert.Error(t, err)

	err = newApp().Run([]string{"costco", "-c", cfgPath, "quote", "-m", "STONE", "-e", "sharpness"})
	assert.Error(t, err)

	err = newApp().Run([]string{"costco", "-c", cfgPath, "quote", "-m", "STONE", "-n", "0"})
	assert.Error(t, err)
}

func TestNewSampler(t *testing.T) {
	cfg := config.Default()
	assert.NotNil(t, newSampler(cfg))

	cfg.Entropy.Seed = 9
	a, b := newSampler(cfg), newSampler(cfg)
	assert.Equal(t, a.NormFloat64(), b.NormFloat64())
}

func TestCLI_PayTopWallet(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	alice, bob := uuid.New(), uuid.New()

	require.NoError(t, runCLI(t, cfgPath, "wallet", "-p", alice.String(), "--set", "₿1,250.00"))
	require.NoError(t, runCLI(t, cfgPath, "pay", "-p", alice.String(), "--to", bob.String(), "--amount", "50"))
	require.NoError(t, runCLI(t, cfgPath, "top"))
	require.NoError(t, runCLI(t, cfgPath, "top", "--page", "3"))
	require.NoError(t, runCLI(t, cfgPath, "wallet", "-p", alice.String()))

	err := runCLI(t, cfgPath, "pay", "-p", bob.String(), "--to", alice.String(), "--amount", "10000")
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)
	err = runCLI(t, cfgPath, "pay", "-p", bob.String(), "--to", bob.String(), "--amount", "1")
	assert.ErrorIs(t, err, wallet.ErrSelfTransfer)
	assert.Error(t, runCLI(t, cfgPath, "top", "--page", "0"))

	db := openDB(t, dbPath)
	_, ledger := reload(t, db)
	assert.Equal(t, "1200.00", ledger.Balance(alice).StringFixed(2))
	assert.Equal(t, "550.00", ledger.Balance(bob).StringFixed(2))

	top := ledger.Top(1)
	require.Len(t, top, 1)
	assert.Equal(t, alice, top[0].Player)

	_, held, err := persistence.CurrentLease(context.Background(), db)
	require.NoError(t, err)
	assert.False(t, held, "one-shot commands release the lease")
}

// startMarket stands in for a running market: it holds the lease and serves
// trades from memory, saving after each one.
func startMarket(t *testing.T, db *persistence.DB, key string) (*market.Registry, *wallet.Ledger, persistence.Lease, func(context.Context) error) {
	t.Helper()
	ctx := context.Background()
	reg, ledger := newMarket(t)

	srv := &api.Server{Addr: "127.0.0.1:0", AdminKey: key}
	require.NoError(t, srv.Listen())
	lease := persistence.NewLease(srv.URL())
	require.NoError(t, persistence.Claim(ctx, db, lease, false))

	var mu sync.Mutex
	save := func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return persistence.SaveMarketState(ctx, db, lease.Token, reg, ledger, 0)
	}
	srv.Registry = reg
	srv.Ledger = ledger
	srv.Desk = trade.NewDesk(reg, ledger, economy.ZeroSampler{}, nil)
	srv.AfterWrite = save
	srv.Serve()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return reg, ledger, lease, save
}

func TestCLI_TradesRouteToRunningMarket(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "api_admin_key: "+adminKey+"\n")
	db := openDB(t, dbPath)
	reg, ledger, lease, save := startMarket(t, db, adminKey)
	player, friend := uuid.New(), uuid.New()

	require.NoError(t, runCLI(t, cfgPath, "buy", "-m", "STONE", "-p", player.String(), "-n", "3"))
	assert.Equal(t, "468.62", ledger.Balance(player).StringFixed(2), "trade must land in the running market")
	_, ok := reg.Lookup(market.Item("STONE"))
	assert.True(t, ok)

	require.NoError(t, runCLI(t, cfgPath, "pay", "-p", player.String(), "--to", friend.String(), "--amount", "68.62"))
	require.NoError(t, runCLI(t, cfgPath, "wallet", "-p", friend.String(), "--set", "1,000"))
	assert.Equal(t, "400.00", ledger.Balance(player).StringFixed(2))
	assert.Equal(t, "1000.00", ledger.Balance(friend).StringFixed(2))

	// The running market's next save keeps every routed trade.
	require.NoError(t, save(context.Background()))
	reloadReg, reloadLedger := reload(t, db)
	_, ok = reloadReg.Lookup(market.Item("STONE"))
	assert.True(t, ok)
	assert.Equal(t, "400.00", reloadLedger.Balance(player).StringFixed(2))
	assert.Equal(t, "1000.00", reloadLedger.Balance(friend).StringFixed(2))

	holder, held, err := persistence.CurrentLease(context.Background(), db)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, lease.Token, holder.Token)
}

func TestCLI_RunningMarketWithoutAdminKeyRefusesTrades(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	db := openDB(t, dbPath)
	_, ledger, _, _ := startMarket(t, db, adminKey)
	player := uuid.New()

	err := runCLI(t, cfgPath, "buy", "-m", "STONE", "-p", player.String())
	require.ErrorIs(t, err, persistence.ErrNotOwner)
	assert.Contains(t, err.Error(), "api_admin_key")
	assert.Equal(t, "500.00", ledger.Balance(player).StringFixed(2))
}

func TestCLI_StaleLeaseNeedsUnlock(t *testing.T) {
	old := leaseWait
	leaseWait = 200 * time.Millisecond
	t.Cleanup(func() { leaseWait = old })

	cfgPath, dbPath := writeConfig(t)
	db := openDB(t, dbPath)
	// A process that died holding the lease and accepted no trades.
	require.NoError(t, persistence.Claim(context.Background(), db, persistence.NewLease(""), false))
	player := uuid.New().String()

	err := runCLI(t, cfgPath, "buy", "-m", "STONE", "-p", player)
	require.ErrorIs(t, err, persistence.ErrNotOwner)
	assert.Contains(t, err.Error(), "costco unlock")

	require.NoError(t, runCLI(t, cfgPath, "unlock"))
	require.NoError(t, runCLI(t, cfgPath, "buy", "-m", "STONE", "-p", player))
	require.NoError(t, runCLI(t, cfgPath, "unlock"))
}
