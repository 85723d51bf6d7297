package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/talgya/costco-market/internal/economy"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/persistence"
	"github.com/talgya/costco-market/internal/wallet"
)

// Store is a PostgreSQL implementation of persistence.Backend. A snapshot
// save upserts every row and drops rows missing from the saved set, all in
// one transaction.
type Store struct {
	pool *Pool
}

var _ persistence.Backend = (*Store)(nil)

// NewStore creates a store over pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn, applies the schema and returns a store that owns the
// pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(pool), nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SaveSnapshot replaces the stored market with snap in one transaction. The
// lease row is locked first so a concurrent claim cannot slip in between
// the check and the writes.
func (s *Store) SaveSnapshot(ctx context.Context, snap persistence.Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var holder string
		err := tx.QueryRow(ctx,
			`SELECT value FROM market_meta WHERE key = $1 FOR UPDATE`, persistence.MetaOwner,
		).Scan(&holder)
		if err != nil && !isNotFoundError(err) {
			return fmt.Errorf("read lease: %w", err)
		}
		if err := persistence.CheckOwner(holder, snap.Owner); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		queueCommodities(batch, snap.Commodities)
		queueWallets(batch, snap.Wallets)
		batch.Queue(`
			INSERT INTO market_meta (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		`, persistence.MetaLastTick, strconv.FormatUint(snap.Tick, 10))

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		return nil
	})
}

func queueCommodities(batch *pgx.Batch, records []market.Record) {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		ench := rec.ID.Enchantments
		if ench == nil {
			ench = map[string]int{}
		}
		st := rec.State
		key := rec.ID.Key()
		keys = append(keys, key)
		batch.Queue(`
			INSERT INTO commodities
				(key, material, enchantments, mass, hidden_price, shown_price, max_stack, fixed_price, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (key) DO UPDATE
			SET material = EXCLUDED.material,
			    enchantments = EXCLUDED.enchantments,
			    mass = EXCLUDED.mass,
			    hidden_price = EXCLUDED.hidden_price,
			    shown_price = EXCLUDED.shown_price,
			    max_stack = EXCLUDED.max_stack,
			    fixed_price = EXCLUDED.fixed_price,
			    updated_at = NOW()
		`, key, rec.ID.Material, ench, st.Mass, st.HiddenPrice, st.ShownPrice, st.MaxStackSize, st.FixedPrice)
	}
	batch.Queue(`DELETE FROM commodities WHERE NOT (key = ANY($1))`, keys)
}

// LoadCommodities reads every commodity in key order.
func (s *Store) LoadCommodities(ctx context.Context) ([]market.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT material, enchantments, mass, hidden_price, shown_price, max_stack, fixed_price
		FROM commodities
		ORDER BY key
	`)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (market.Record, error) {
		var rec market.Record
		var ench map[string]int
		var st economy.State
		err := row.Scan(&rec.ID.Material, &ench, &st.Mass, &st.HiddenPrice, &st.ShownPrice, &st.MaxStackSize, &st.FixedPrice)
		if len(ench) > 0 {
			rec.ID.Enchantments = ench
		}
		rec.State = st
		return rec, err
	})
}

func queueWallets(batch *pgx.Batch, entries []wallet.Entry) {
	players := make([]string, 0, len(entries))
	for _, e := range entries {
		players = append(players, e.Player.String())
		batch.Queue(`
			INSERT INTO wallets (player, balance, updated_at)
			VALUES ($1::uuid, $2::numeric, NOW())
			ON CONFLICT (player) DO UPDATE
			SET balance = EXCLUDED.balance,
			    updated_at = NOW()
		`, e.Player.String(), e.Balance.StringFixed(2))
	}
	batch.Queue(`DELETE FROM wallets WHERE NOT (player::text = ANY($1))`, players)
}

// LoadWallets reads every wallet.
func (s *Store) LoadWallets(ctx context.Context) ([]wallet.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT player::text, balance::text FROM wallets ORDER BY player`)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (wallet.Entry, error) {
		var player, balance string
		if err := row.Scan(&player, &balance); err != nil {
			return wallet.Entry{}, err
		}
		id, err := uuid.Parse(player)
		if err != nil {
			return wallet.Entry{}, fmt.Errorf("parse player %q: %w", player, err)
		}
		bal, err := decimal.NewFromString(balance)
		if err != nil {
			return wallet.Entry{}, fmt.Errorf("parse balance %q: %w", balance, err)
		}
		return wallet.Entry{Player: id, Balance: bal}, nil
	})
}

// SaveMeta stores a key-value pair in market metadata.
func (s *Store) SaveMeta(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO market_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

// GetMeta retrieves a metadata value.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM market_meta WHERE key = $1`, key).Scan(&value)
	if isNotFoundError(err) {
		return "", persistence.ErrNotFound
	}
	return value, err
}

// ClaimMeta sets key to value only if the key is absent or empty.
func (s *Store) ClaimMeta(ctx context.Context, key, value string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO market_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		WHERE market_meta.value = ''
	`, key, value)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SwapMeta sets key to value only if it currently holds old.
func (s *Store) SwapMeta(ctx context.Context, key, old, value string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE market_meta SET value = $1 WHERE key = $2 AND value = $3`,
		value, key, old,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
