package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/wallet"
)

// Metadata keys.
const (
	MetaLastTick = "last_tick" // engine tick of the last save
	MetaOwner    = "owner"     // JSON Lease of the process allowed to write
)

// ErrNotOwner is returned when market state is written, or a lease claimed,
// while another process holds the lease.
var ErrNotOwner = errors.New("market is owned by another process")

// Snapshot is the complete market state written by one save.
type Snapshot struct {
	Owner       string // lease token of the writer
	Commodities []market.Record
	Wallets     []wallet.Entry
	Tick        uint64
}

// Lease marks the single process allowed to write market state. A running
// market holds one for its lifetime; one-shot commands hold one for the
// length of a single trade.
type Lease struct {
	Token    string    `json:"token"`
	PID      int       `json:"pid"`
	TradeURL string    `json:"trade_url,omitempty"` // where the holder accepts trades
	Since    time.Time `json:"since"`
}

// NewLease creates a lease for this process. tradeURL may be empty.
func NewLease(tradeURL string) Lease {
	return Lease{
		Token:    uuid.NewString(),
		PID:      os.Getpid(),
		TradeURL: tradeURL,
		Since:    time.Now().UTC().Truncate(time.Second),
	}
}

func (l Lease) encode() string {
	raw, _ := json.Marshal(l)
	return string(raw)
}

func decodeLease(raw string) (Lease, bool) {
	if raw == "" {
		return Lease{}, false
	}
	var l Lease
	if err := json.Unmarshal([]byte(raw), &l); err != nil || l.Token == "" {
		// Unreadable leases are still held; they name nobody to route to.
		return Lease{Token: raw}, true
	}
	return l, true
}

// OwnedError reports the lease holder when a claim or save is refused.
type OwnedError struct {
	Holder Lease
}

func (e *OwnedError) Error() string {
	if e.Holder.PID == 0 {
		return ErrNotOwner.Error()
	}
	return fmt.Sprintf("%s (pid %d since %s)",
		ErrNotOwner, e.Holder.PID, e.Holder.Since.Format(time.RFC3339))
}

func (e *OwnedError) Unwrap() error { return ErrNotOwner }

// CheckOwner compares the stored lease value with the writer's token. Backends
// call it inside their save transaction.
func CheckOwner(stored, token string) error {
	holder, held := decodeLease(stored)
	if !held {
		return fmt.Errorf("%w: no lease held", ErrNotOwner)
	}
	if token == "" || holder.Token != token {
		return &OwnedError{Holder: holder}
	}
	return nil
}

// Claim takes the market lease. With takeover set, any existing holder is
// replaced; use it only when that holder is known to be gone.
func Claim(ctx context.Context, b Backend, l Lease, takeover bool) error {
	if takeover {
		if err := b.SaveMeta(ctx, MetaOwner, l.encode()); err != nil {
			return fmt.Errorf("take over lease: %w", err)
		}
		slog.Warn("market lease taken over", "pid", l.PID)
		return nil
	}

	ok, err := b.ClaimMeta(ctx, MetaOwner, l.encode())
	if err != nil {
		return fmt.Errorf("claim lease: %w", err)
	}
	if !ok {
		holder, _, err := CurrentLease(ctx, b)
		if err != nil {
			return err
		}
		return &OwnedError{Holder: holder}
	}
	slog.Debug("market lease claimed", "pid", l.PID, "trade_url", l.TradeURL)
	return nil
}

// Release gives the lease up if l still holds it.
func Release(ctx context.Context, b Backend, l Lease) error {
	ok, err := b.SwapMeta(ctx, MetaOwner, l.encode(), "")
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if !ok {
		slog.Warn("market lease was no longer held at release", "pid", l.PID)
	}
	return nil
}

// ForceRelease clears the lease whoever holds it.
func ForceRelease(ctx context.Context, b Backend) error {
	return b.SaveMeta(ctx, MetaOwner, "")
}

// CurrentLease returns the lease holder, if any.
func CurrentLease(ctx context.Context, b Backend) (Lease, bool, error) {
	raw, err := b.GetMeta(ctx, MetaOwner)
	if errors.Is(err, ErrNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("read lease: %w", err)
	}
	l, held := decodeLease(raw)
	return l, held, nil
}

// SaveMarketState writes commodities, wallets and the engine tick as one
// snapshot. owner must be the token of the held lease.
func SaveMarketState(ctx context.Context, b Backend, owner string, r *market.Registry, l *wallet.Ledger, tick uint64) error {
	snap := Snapshot{
		Owner:       owner,
		Commodities: r.Records(),
		Wallets:     l.Entries(),
		Tick:        tick,
	}
	if err := b.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save market state: %w", err)
	}
	slog.Info("market state saved",
		"commodities", len(snap.Commodities),
		"wallets", len(snap.Wallets),
		"tick", tick,
	)
	return nil
}

// LoadMarketState restores commodities and wallets and returns the tick of
// the last save. A database that was never saved to yields tick 0.
func LoadMarketState(ctx context.Context, b Backend, r *market.Registry, l *wallet.Ledger) (uint64, error) {
	raw, err := b.GetMeta(ctx, MetaLastTick)
	if errors.Is(err, ErrNotFound) {
		slog.Info("no saved market state found")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read meta: %w", err)
	}
	tick, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", MetaLastTick, raw, err)
	}

	if err := r.Load(ctx, b); err != nil {
		return 0, err
	}
	if err := l.Load(ctx, b); err != nil {
		return 0, err
	}
	return tick, nil
}
