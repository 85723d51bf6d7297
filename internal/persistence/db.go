// Package persistence provides SQLite-based market state storage.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/talgya/costco-market/internal/economy"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/wallet"
)

// ErrNotFound is returned when a metadata key does not exist.
var ErrNotFound = errors.New("not found")

// Backend is everything the market server needs from a database.
type Backend interface {
	market.Loader
	wallet.Loader

	// SaveSnapshot replaces the stored market with snap in one transaction.
	// It fails with ErrNotOwner unless snap.Owner holds the market lease.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	SaveMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)
	// ClaimMeta sets key to value only if key is absent or empty.
	ClaimMeta(ctx context.Context, key, value string) (bool, error)
	// SwapMeta sets key to value only if it currently holds old.
	SwapMeta(ctx context.Context, key, old, value string) (bool, error)

	Close() error
}

// DB wraps a SQLite connection for market state persistence.
type DB struct {
	conn *sqlx.DB
}

var _ Backend = (*DB)(nil)

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	// The running market and one-shot commands may share the file.
	conn, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commodities (
		key TEXT PRIMARY KEY,
		material TEXT NOT NULL,
		enchantments_json TEXT NOT NULL,
		mass REAL NOT NULL,
		hidden_price REAL NOT NULL,
		shown_price REAL NOT NULL,
		max_stack INTEGER NOT NULL,
		fixed_price INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		player TEXT PRIMARY KEY,
		balance TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS market_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

type commodityRow struct {
	Key              string  `db:"key"`
	Material         string  `db:"material"`
	EnchantmentsJSON string  `db:"enchantments_json"`
	Mass             float64 `db:"mass"`
	HiddenPrice      float64 `db:"hidden_price"`
	ShownPrice       float64 `db:"shown_price"`
	MaxStack         int     `db:"max_stack"`
	FixedPrice       bool    `db:"fixed_price"`
}

// SaveSnapshot writes commodities, wallets and the tick in one transaction
// (full replace). The lease is checked inside the same transaction.
func (db *DB) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var holder string
	err = tx.GetContext(ctx, &holder, "SELECT value FROM market_meta WHERE key = ?", MetaOwner)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read lease: %w", err)
	}
	if err := CheckOwner(holder, snap.Owner); err != nil {
		return err
	}

	if err := saveCommoditiesTx(ctx, tx, snap.Commodities); err != nil {
		return err
	}
	if err := saveWalletsTx(ctx, tx, snap.Wallets); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO market_meta (key, value) VALUES (?, ?)",
		MetaLastTick, strconv.FormatUint(snap.Tick, 10),
	)
	if err != nil {
		return fmt.Errorf("save tick: %w", err)
	}

	return tx.Commit()
}

func saveCommoditiesTx(ctx context.Context, tx *sqlx.Tx, records []market.Record) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM commodities"); err != nil {
		return err
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO commodities
		(key, material, enchantments_json, mass, hidden_price, shown_price, max_stack, fixed_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		enchJSON, err := json.Marshal(rec.ID.Enchantments)
		if err != nil {
			return fmt.Errorf("encode enchantments %s: %w", rec.ID, err)
		}
		s := rec.State
		_, err = stmt.ExecContext(ctx,
			rec.ID.Key(), rec.ID.Material, string(enchJSON),
			s.Mass, s.HiddenPrice, s.ShownPrice, s.MaxStackSize, s.FixedPrice,
		)
		if err != nil {
			return fmt.Errorf("insert commodity %s: %w", rec.ID, err)
		}
	}
	return nil
}

// LoadCommodities reads every commodity in key order.
func (db *DB) LoadCommodities(ctx context.Context) ([]market.Record, error) {
	var rows []commodityRow
	if err := db.conn.SelectContext(ctx, &rows, "SELECT * FROM commodities ORDER BY key"); err != nil {
		return nil, err
	}

	out := make([]market.Record, 0, len(rows))
	for _, r := range rows {
		var ench map[string]int
		if err := json.Unmarshal([]byte(r.EnchantmentsJSON), &ench); err != nil {
			return nil, fmt.Errorf("decode enchantments %s: %w", r.Key, err)
		}
		out = append(out, market.Record{
			ID: market.Identity{Material: r.Material, Enchantments: ench},
			State: economy.State{
				Mass:         r.Mass,
				HiddenPrice:  r.HiddenPrice,
				ShownPrice:   r.ShownPrice,
				MaxStackSize: r.MaxStack,
				FixedPrice:   r.FixedPrice,
			},
		})
	}
	return out, nil
}

type walletRow struct {
	Player  uuid.UUID       `db:"player"`
	Balance decimal.Decimal `db:"balance"`
}

func saveWalletsTx(ctx context.Context, tx *sqlx.Tx, entries []wallet.Entry) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM wallets"); err != nil {
		return err
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO wallets (player, balance) VALUES (?, ?)",
			e.Player.String(), e.Balance.String(),
		)
		if err != nil {
			return fmt.Errorf("insert wallet %s: %w", e.Player, err)
		}
	}
	return nil
}

// LoadWallets reads every wallet.
func (db *DB) LoadWallets(ctx context.Context) ([]wallet.Entry, error) {
	var rows []walletRow
	if err := db.conn.SelectContext(ctx, &rows, "SELECT player, balance FROM wallets ORDER BY player"); err != nil {
		return nil, err
	}
	out := make([]wallet.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, wallet.Entry{Player: r.Player, Balance: r.Balance})
	}
	return out, nil
}

// SaveMeta stores a key-value pair in market metadata.
func (db *DB) SaveMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO market_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.GetContext(ctx, &value, "SELECT value FROM market_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// ClaimMeta sets key to value only if the key is absent or empty.
func (db *DB) ClaimMeta(ctx context.Context, key, value string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO market_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
		WHERE market_meta.value = ''`,
		key, value,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SwapMeta sets key to value only if it currently holds old.
func (db *DB) SwapMeta(ctx context.Context, key, old, value string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE market_meta SET value = ? WHERE key = ? AND value = ?",
		value, key, old,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
