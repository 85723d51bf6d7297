package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/talgya/costco-market/internal/economy"
)

var (
	// ErrInvalidIdentity is returned for identities without a material.
	ErrInvalidIdentity = errors.New("invalid commodity identity")

	// ErrInvalidSeed is returned when a seeder yields an unusable price or stack size.
	ErrInvalidSeed = errors.New("invalid commodity seed")
)

// Seeder supplies the starting values for a commodity seen for the first time.
type Seeder interface {
	StartingPrice(id Identity) float64
	IsFixedPrice(id Identity) bool
	FixedPrice(id Identity) float64
	MaxStackSize(id Identity) int
}

// Entry is a registered commodity. The embedded handle serializes its
// transitions.
type Entry struct {
	ID Identity
	*economy.Commodity
}

// Registry owns every known commodity. Creation is serialized by the
// registry lock; transitions on one commodity are serialized by its handle.
type Registry struct {
	params       economy.Params
	seeder       Seeder
	startingMass float64

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(p economy.Params, seeder Seeder, startingMass float64) (*Registry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if seeder == nil {
		return nil, errors.New("registry: nil seeder")
	}
	if startingMass <= 0 || startingMass > p.MaxMass {
		return nil, fmt.Errorf("registry: starting mass %g outside (0, %g]", startingMass, p.MaxMass)
	}
	return &Registry{
		params:       p,
		seeder:       seeder,
		startingMass: startingMass,
		entries:      make(map[string]*Entry),
	}, nil
}

// Params returns the market constants the registry was built with.
func (r *Registry) Params() economy.Params { return r.params }

// GetOrCreate returns the commodity for id, seeding it on first reference.
func (r *Registry) GetOrCreate(id Identity) (*Entry, error) {
	if id.Material == "" {
		return nil, ErrInvalidIdentity
	}
	key := id.Key()

	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e, nil
	}

	state, err := r.seed(id)
	if err != nil {
		return nil, err
	}
	e = &Entry{ID: id, Commodity: economy.NewCommodity(r.params, state)}
	r.entries[key] = e

	slog.Debug("commodity created",
		"key", key,
		"price", state.ShownPrice,
		"fixed", state.FixedPrice,
	)
	return e, nil
}

func (r *Registry) seed(id Identity) (economy.State, error) {
	stack := r.seeder.MaxStackSize(id)
	if stack < 1 {
		return economy.State{}, fmt.Errorf("%w: %s stack size %d", ErrInvalidSeed, id, stack)
	}

	fixed := r.seeder.IsFixedPrice(id)
	price := r.seeder.StartingPrice(id)
	if fixed {
		price = r.seeder.FixedPrice(id)
	}
	if price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return economy.State{}, fmt.Errorf("%w: %s price %g", ErrInvalidSeed, id, price)
	}
	return economy.NewState(r.startingMass, price, stack, fixed), nil
}

// Lookup returns an existing commodity without creating it.
func (r *Registry) Lookup(id Identity) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id.Key()]
	return e, ok
}

// Len returns the number of known commodities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Each calls fn for every commodity in key order. fn runs outside the
// registry lock and may call GetOrCreate.
func (r *Registry) Each(fn func(*Entry)) {
	for _, e := range r.sorted() {
		fn(e)
	}
}

func (r *Registry) sorted() []*Entry {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	out := make([]*Entry, 0, len(keys))
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, r.entries[k])
	}
	r.mu.RUnlock()
	return out
}

// HoldAll runs one idle tick on every commodity and returns how many drifted.
// Fixed-price commodities are skipped.
func (r *Registry) HoldAll(rng economy.Sampler) int {
	held := 0
	r.Each(func(e *Entry) {
		if e.Snapshot().FixedPrice {
			return
		}
		e.Hold(rng)
		held++
	})
	return held
}

// Record is the persisted form of one commodity.
type Record struct {
	ID    Identity
	State economy.State
}

// Records returns a consistent snapshot of every commodity in key order.
func (r *Registry) Records() []Record {
	entries := r.sorted()
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, Record{ID: e.ID, State: e.Snapshot()})
	}
	return out
}

// Restore replaces the registry contents with records. Mass is clamped into
// [0, MaxMass] and prices are reflected to be non-negative.
func (r *Registry) Restore(records []Record) error {
	entries := make(map[string]*Entry, len(records))
	for _, rec := range records {
		if rec.ID.Material == "" {
			return ErrInvalidIdentity
		}
		s := rec.State
		if s.MaxStackSize < 1 {
			return fmt.Errorf("%w: %s stack size %d", ErrInvalidSeed, rec.ID, s.MaxStackSize)
		}
		if math.IsNaN(s.Mass) || math.IsNaN(s.HiddenPrice) || math.IsNaN(s.ShownPrice) {
			return fmt.Errorf("%w: %s has NaN state", ErrInvalidSeed, rec.ID)
		}
		s.Mass = math.Min(math.Max(s.Mass, 0), r.params.MaxMass)
		s.HiddenPrice = math.Abs(s.HiddenPrice)
		s.ShownPrice = math.Abs(s.ShownPrice)
		entries[rec.ID.Key()] = &Entry{ID: rec.ID, Commodity: economy.NewCommodity(r.params, s)}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Load restores the registry from store.
func (r *Registry) Load(ctx context.Context, store Loader) error {
	records, err := store.LoadCommodities(ctx)
	if err != nil {
		return fmt.Errorf("load commodities: %w", err)
	}
	if err := r.Restore(records); err != nil {
		return fmt.Errorf("restore commodities: %w", err)
	}
	slog.Info("commodities restored", "count", len(records))
	return nil
}

// Save writes every commodity to store.
func (r *Registry) Save(ctx context.Context, store Store) error {
	records := r.Records()
	if err := store.SaveCommodities(ctx, records); err != nil {
		return fmt.Errorf("save commodities: %w", err)
	}
	slog.Debug("commodities saved", "count", len(records))
	return nil
}
