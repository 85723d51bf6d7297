// Package trade settles purchases and sales between player wallets and the
// market.
package trade

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/costco-market/internal/economy"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/observability"
	"github.com/talgya/costco-market/internal/wallet"
)

var (
	// ErrInsufficientFunds is returned when a purchase exceeds the wallet and
	// buy-max was not requested.
	ErrInsufficientFunds = wallet.ErrInsufficientFunds

	// ErrCannotAfford is returned when buy-max finds no affordable quantity.
	ErrCannotAfford = errors.New("cannot afford a single item")
)

// CannotAffordError carries the single-item price shown to the player when
// a buy-max purchase is declined.
type CannotAffordError struct {
	ID        market.Identity
	UnitPrice decimal.Decimal
	Funds     decimal.Decimal
}

func (e *CannotAffordError) Error() string {
	return fmt.Sprintf("cannot afford %s: one costs %s, wallet holds %s",
		e.ID, wallet.Format(e.UnitPrice), wallet.Format(e.Funds))
}

func (e *CannotAffordError) Unwrap() error { return ErrCannotAfford }

// Side is the direction of a trade from the player's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Receipt describes a settled trade.
type Receipt struct {
	Player     uuid.UUID
	ID         market.Identity
	Side       Side
	Requested  int
	Amount     int
	Total      decimal.Decimal
	Balance    decimal.Decimal
	ShownPrice float64 // after the trade
}

// Quote is a just-looking price check.
type Quote struct {
	ID         market.Identity
	Amount     int
	Buy        decimal.Decimal
	Sell       decimal.Decimal
	ShownPrice float64
	Fixed      bool
}

// Desk executes trades against a registry and a ledger.
type Desk struct {
	registry *market.Registry
	ledger   *wallet.Ledger
	rng      economy.Sampler
	metrics  *observability.Metrics
}

// NewDesk creates a trade desk. metrics may be nil.
func NewDesk(r *market.Registry, l *wallet.Ledger, rng economy.Sampler, m *observability.Metrics) *Desk {
	return &Desk{registry: r, ledger: l, rng: rng, metrics: m}
}

// Quote prices amount units without trading.
func (d *Desk) Quote(id market.Identity, amount int) (Quote, error) {
	if amount <= 0 {
		return Quote{}, economy.ErrInvalidAmount
	}
	e, err := d.registry.GetOrCreate(id)
	if err != nil {
		return Quote{}, err
	}
	s := e.Snapshot()
	buy, err := s.BuyPrice(d.registry.Params(), amount)
	if err != nil {
		return Quote{}, err
	}
	sell, err := s.SellPrice(d.registry.Params(), amount)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		ID:         id,
		Amount:     amount,
		Buy:        wallet.Round(buy),
		Sell:       wallet.Round(sell),
		ShownPrice: s.ShownPrice,
		Fixed:      s.FixedPrice,
	}, nil
}

// Buy purchases amount units for player. When the wallet cannot cover the
// full amount and buyMax is set, the largest affordable quantity found by the
// affordability solver is bought instead.
func (d *Desk) Buy(player uuid.UUID, id market.Identity, amount int, buyMax bool) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, economy.ErrInvalidAmount
	}
	e, err := d.registry.GetOrCreate(id)
	if err != nil {
		return Receipt{}, err
	}

	funds := d.ledger.Balance(player)
	raw, err := e.ItemBuyPrice(amount)
	if err != nil {
		return Receipt{}, err
	}

	qty := amount
	if wallet.Round(raw).GreaterThan(funds) {
		if !buyMax {
			d.metrics.RecordDecline("insufficient_funds")
			return Receipt{}, fmt.Errorf("%w: %d %s costs %s, wallet holds %s",
				ErrInsufficientFunds, amount, id, wallet.Format(wallet.Round(raw)), wallet.Format(funds))
		}

		aff, err := e.MaxAffordable(amount, funds.InexactFloat64())
		if err != nil {
			return Receipt{}, err
		}
		d.metrics.RecordSolve(aff.Iterations)
		if !aff.CanAfford() {
			unit, _ := e.ItemBuyPrice(1)
			d.metrics.RecordDecline("cannot_afford")
			return Receipt{}, &CannotAffordError{ID: id, UnitPrice: wallet.Round(unit), Funds: funds}
		}
		qty = aff.Quantity
	}

	var balance, total decimal.Decimal
	_, err = e.Purchase(qty, d.rng, func(cost float64) error {
		total = wallet.Round(cost)
		bal, err := d.ledger.Subtract(player, total)
		balance = bal
		return err
	})
	if err != nil {
		d.metrics.RecordDecline("insufficient_funds")
		return Receipt{}, err
	}

	rcpt := d.receipt(player, e, SideBuy, amount, qty, total, balance)
	d.metrics.RecordBuy(id.Key(), qty)

	slog.Debug("buy settled",
		"player", player,
		"commodity", id.Key(),
		"requested", amount,
		"amount", qty,
		"total", total.StringFixed(2),
		"balance", balance.StringFixed(2),
	)
	return rcpt, nil
}

// Sell credits player for amount units.
func (d *Desk) Sell(player uuid.UUID, id market.Identity, amount int) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, economy.ErrInvalidAmount
	}
	e, err := d.registry.GetOrCreate(id)
	if err != nil {
		return Receipt{}, err
	}

	var balance, total decimal.Decimal
	_, err = e.Liquidate(amount, d.rng, func(payout float64) error {
		total = wallet.Round(payout)
		bal, err := d.ledger.Add(player, total)
		balance = bal
		return err
	})
	if err != nil {
		return Receipt{}, err
	}

	rcpt := d.receipt(player, e, SideSell, amount, amount, total, balance)
	d.metrics.RecordSell(id.Key(), amount)

	slog.Debug("sell settled",
		"player", player,
		"commodity", id.Key(),
		"amount", amount,
		"total", total.StringFixed(2),
		"balance", balance.StringFixed(2),
	)
	return rcpt, nil
}

// Pay moves amount between two players' wallets.
func (d *Desk) Pay(from, to uuid.UUID, amount decimal.Decimal) (wallet.Transfer, error) {
	t, err := d.ledger.Transfer(from, to, amount)
	d.metrics.RecordPayment(err)
	if err != nil {
		return wallet.Transfer{}, err
	}
	slog.Debug("payment settled",
		"from", from,
		"to", to,
		"amount", t.Amount.StringFixed(2),
	)
	return t, nil
}

// SetBalance overwrites a player's balance.
func (d *Desk) SetBalance(player uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	return d.ledger.Set(player, amount)
}

func (d *Desk) receipt(player uuid.UUID, e *market.Entry, side Side, requested, amount int, total, balance decimal.Decimal) Receipt {
	s := e.Snapshot()
	d.metrics.UpdatePrice(e.ID.Key(), s.ShownPrice, s.HiddenPrice)
	return Receipt{
		Player:     player,
		ID:         e.ID,
		Side:       side,
		Requested:  requested,
		Amount:     amount,
		Total:      total,
		Balance:    balance,
		ShownPrice: s.ShownPrice,
	}
}
