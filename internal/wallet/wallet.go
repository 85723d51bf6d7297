// Package wallet keeps player balances.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSelfTransfer      = errors.New("cannot pay yourself")
)

// Symbol prefixes every formatted balance.
const Symbol = "₿"

// Ledger holds every player's balance. A player seen for the first time is
// opened at the default balance.
type Ledger struct {
	opening decimal.Decimal

	mu       sync.RWMutex
	balances map[uuid.UUID]decimal.Decimal
}

// NewLedger creates a ledger that opens new wallets with defaultBalance.
func NewLedger(defaultBalance float64) *Ledger {
	return &Ledger{
		opening:  Round(defaultBalance),
		balances: make(map[uuid.UUID]decimal.Decimal),
	}
}

// Balance returns the player's balance, opening the wallet if needed.
func (l *Ledger) Balance(player uuid.UUID) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(player)
}

func (l *Ledger) balanceLocked(player uuid.UUID) decimal.Decimal {
	bal, ok := l.balances[player]
	if !ok {
		bal = l.opening
		l.balances[player] = bal
		slog.Debug("wallet opened", "player", player, "balance", bal.StringFixed(2))
	}
	return bal
}

// Lookup returns the balance of an existing wallet without opening one.
func (l *Ledger) Lookup(player uuid.UUID) (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bal, ok := l.balances[player]
	return bal, ok
}

// Add credits amount and returns the new balance.
func (l *Ledger) Add(player uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(player).Add(amount)
	l.balances[player] = bal
	return bal, nil
}

// Subtract debits amount and returns the new balance. Overdrafts are
// rejected and leave the balance untouched.
func (l *Ledger) Subtract(player uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(player)
	if bal.LessThan(amount) {
		return bal, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, Format(bal), Format(amount))
	}
	bal = bal.Sub(amount)
	l.balances[player] = bal
	return bal, nil
}

// Set overwrites the player's balance, rounded to cents.
func (l *Ledger) Set(player uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	bal := amount.Round(2)
	l.mu.Lock()
	l.balances[player] = bal
	l.mu.Unlock()
	slog.Info("wallet set", "player", player, "balance", bal.StringFixed(2))
	return bal, nil
}

// Transfer is the outcome of a payment between two wallets.
type Transfer struct {
	From, To               uuid.UUID
	Amount                 decimal.Decimal
	FromBalance, ToBalance decimal.Decimal
}

// Transfer moves amount, rounded to cents, from one wallet to another. Both
// balances change under one lock; an overdraft leaves both untouched.
func (l *Ledger) Transfer(from, to uuid.UUID, amount decimal.Decimal) (Transfer, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return Transfer{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if from == to {
		return Transfer{}, ErrSelfTransfer
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.balanceLocked(from)
	if src.LessThan(amount) {
		return Transfer{}, fmt.Errorf("%w: have %s, tried to send %s",
			ErrInsufficientFunds, Format(src), Format(amount))
	}
	dst := l.balanceLocked(to)

	t := Transfer{
		From:        from,
		To:          to,
		Amount:      amount,
		FromBalance: src.Sub(amount),
		ToBalance:   dst.Add(amount),
	}
	l.balances[from] = t.FromBalance
	l.balances[to] = t.ToBalance
	return t, nil
}

// Top returns the n richest wallets, highest balance first. Ties are broken
// by player id. n <= 0 returns every wallet.
func (l *Ledger) Top(n int) []Entry {
	out := l.Entries()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Balance.GreaterThan(out[j].Balance)
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Entry is the persisted form of one wallet.
type Entry struct {
	Player  uuid.UUID
	Balance decimal.Decimal
}

// Entries returns every wallet ordered by player id.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.balances))
	for p, b := range l.balances {
		out = append(out, Entry{Player: p, Balance: b})
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Player.String() < out[j].Player.String()
	})
	return out
}

// Restore replaces every balance.
func (l *Ledger) Restore(entries []Entry) error {
	balances := make(map[uuid.UUID]decimal.Decimal, len(entries))
	for _, e := range entries {
		if e.Balance.IsNegative() {
			return fmt.Errorf("%w: player %s has negative balance %s", ErrInvalidAmount, e.Player, e.Balance)
		}
		balances[e.Player] = e.Balance
	}
	l.mu.Lock()
	l.balances = balances
	l.mu.Unlock()
	return nil
}

// Loader reads persisted wallets.
type Loader interface {
	LoadWallets(ctx context.Context) ([]Entry, error)
}

// Load restores the ledger from store.
func (l *Ledger) Load(ctx context.Context, store Loader) error {
	entries, err := store.LoadWallets(ctx)
	if err != nil {
		return fmt.Errorf("load wallets: %w", err)
	}
	if err := l.Restore(entries); err != nil {
		return fmt.Errorf("restore wallets: %w", err)
	}
	slog.Info("wallets restored", "count", len(entries))
	return nil
}


// Round converts a price to currency, rounding half away from zero to cents.
func Round(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// Format renders an amount as "₿1,234.56".
func Format(d decimal.Decimal) string {
	sign := ""
	if d.Round(2).IsNegative() {
		sign = "-"
	}
	abs := d.Abs().Round(2)
	_, frac, _ := strings.Cut(abs.StringFixed(2), ".")
	return sign + Symbol + humanize.BigComma(abs.BigInt()) + "." + frac
}

// ParseAmount reads a currency amount, accepting an optional ₿ prefix and
// thousands separators.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), Symbol)
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}
