// Package market maps tradeable item identities to their pricing state.
package market

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Identity names one tradeable commodity: an item type plus its enchantment
// signature. Two identities with the same material and enchantment levels are
// the same commodity.
type Identity struct {
	Material     string         `json:"material" yaml:"material"`
	Enchantments map[string]int `json:"enchantments,omitempty" yaml:"enchantments,omitempty"`
}

// Item returns the identity of a plain, unenchanted item.
func Item(material string) Identity {
	return Identity{Material: material}
}

// Key is the canonical string form, e.g. "DIAMOND_SWORD[sharpness:5,unbreaking:3]".
// Enchantments with a level of zero or less are ignored.
func (id Identity) Key() string {
	names := id.enchantNames()
	if len(names) == 0 {
		return id.Material
	}

	var b strings.Builder
	b.WriteString(id.Material)
	b.WriteByte('[')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(id.Enchantments[name]))
	}
	b.WriteByte(']')
	return b.String()
}

func (id Identity) String() string { return id.Key() }

// Enchanted reports whether the identity carries any enchantment.
func (id Identity) Enchanted() bool { return len(id.enchantNames()) > 0 }

func (id Identity) enchantNames() []string {
	names := make([]string, 0, len(id.Enchantments))
	for name, level := range id.Enchantments {
		if level > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ParseKey is the inverse of Identity.Key.
func ParseKey(key string) (Identity, error) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		if key == "" {
			return Identity{}, fmt.Errorf("%w: empty key", ErrInvalidIdentity)
		}
		return Item(key), nil
	}
	if open == 0 || !strings.HasSuffix(key, "]") {
		return Identity{}, fmt.Errorf("%w: malformed key %q", ErrInvalidIdentity, key)
	}

	id := Identity{Material: key[:open], Enchantments: make(map[string]int)}
	for _, pair := range strings.Split(key[open+1:len(key)-1], ",") {
		name, levelStr, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			return Identity{}, fmt.Errorf("%w: malformed enchantment %q", ErrInvalidIdentity, pair)
		}
		level, err := strconv.Atoi(levelStr)
		if err != nil || level <= 0 {
			return Identity{}, fmt.Errorf("%w: bad level in %q", ErrInvalidIdentity, pair)
		}
		id.Enchantments[name] = level
	}
	return id, nil
}
