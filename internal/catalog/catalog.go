// Package catalog holds the static price tables used to seed commodities the
// market has never seen.
package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/talgya/costco-market/internal/market"
)

var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is the price table loaded from catalog.yaml.
type Catalog struct {
	DefaultPrice            float64 `yaml:"default_price"`
	DefaultEnchantmentPrice float64 `yaml:"default_enchantment_price"`
	DefaultStackSize        int     `yaml:"default_stack_size"`

	Prices            map[string]float64 `yaml:"prices"`             // material -> starting price
	FixedPrices       map[string]float64 `yaml:"fixed_prices"`       // material -> price that never moves
	EnchantmentPrices map[string]float64 `yaml:"enchantment_prices"` // enchantment -> price per level
	StackSizes        map[string]int     `yaml:"stack_sizes"`        // material -> max stack size
}

var _ market.Seeder = (*Catalog)(nil)

// Default returns an empty catalog: every material starts at 10, every
// enchantment level adds 100, and stacks hold 64.
func Default() *Catalog {
	c := &Catalog{}
	c.fillDefaults()
	return c
}

// Load reads a catalog from a YAML file. An empty path yields Default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML catalog.
func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("catalog.yaml: %w", err)
	}
	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) fillDefaults() {
	if c.DefaultPrice == 0 {
		c.DefaultPrice = 10
	}
	if c.DefaultEnchantmentPrice == 0 {
		c.DefaultEnchantmentPrice = 100
	}
	if c.DefaultStackSize == 0 {
		c.DefaultStackSize = 64
	}
}

// Validate rejects negative prices and stack sizes below one.
func (c *Catalog) Validate() error {
	if c.DefaultPrice < 0 || c.DefaultEnchantmentPrice < 0 {
		return fmt.Errorf("%w: default prices must be non-negative", ErrInvalidCatalog)
	}
	if c.DefaultStackSize < 1 {
		return fmt.Errorf("%w: default stack size %d", ErrInvalidCatalog, c.DefaultStackSize)
	}
	for _, table := range []map[string]float64{c.Prices, c.FixedPrices, c.EnchantmentPrices} {
		for name, price := range table {
			if price < 0 {
				return fmt.Errorf("%w: %s has negative price %g", ErrInvalidCatalog, name, price)
			}
		}
	}
	for name, size := range c.StackSizes {
		if size < 1 {
			return fmt.Errorf("%w: %s has stack size %d", ErrInvalidCatalog, name, size)
		}
	}
	return nil
}

// StartingPrice is the base material price plus every enchantment's
// per-level price times its level.
func (c *Catalog) StartingPrice(id market.Identity) float64 {
	price, ok := c.Prices[id.Material]
	if !ok {
		price = c.DefaultPrice
	}
	for name, level := range id.Enchantments {
		if level <= 0 {
			continue
		}
		each, ok := c.EnchantmentPrices[name]
		if !ok {
			each = c.DefaultEnchantmentPrice
		}
		price += each * float64(level)
	}
	return price
}

// IsFixedPrice reports whether the plain material is pinned. Enchanted
// variants always float.
func (c *Catalog) IsFixedPrice(id market.Identity) bool {
	if id.Enchanted() {
		return false
	}
	_, ok := c.FixedPrices[id.Material]
	return ok
}

func (c *Catalog) FixedPrice(id market.Identity) float64 {
	return c.FixedPrices[id.Material]
}

func (c *Catalog) MaxStackSize(id market.Identity) int {
	if size, ok := c.StackSizes[id.Material]; ok {
		return size
	}
	return c.DefaultStackSize
}
