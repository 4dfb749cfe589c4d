// Package catalog provides Catalog collaborators for the order draft: an
// in-memory menu loaded from YAML and a Postgres-backed menu.
package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-order/pkg/order"
)

// Menu is the YAML document shape.
type Menu struct {
	Items     []order.MenuItem `yaml:"items"`
	Modifiers []order.Modifier `yaml:"modifiers"`
}

// Static is an immutable in-memory catalog. Safe for concurrent use.
type Static struct {
	items map[string]order.MenuItem
	mods  map[string]order.Modifier
}

// NewStatic indexes menu. Item modifier references must name a declared
// modifier.
func NewStatic(menu Menu) (*Static, error) {
	s := &Static{
		items: make(map[string]order.MenuItem, len(menu.Items)),
		mods:  make(map[string]order.Modifier, len(menu.Modifiers)),
	}
	for i, m := range menu.Modifiers {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: modifiers[%d].id is required", i)
		}
		if m.Price < 0 {
			return nil, fmt.Errorf("catalog: modifier %q has negative price", id)
		}
		if _, dup := s.mods[id]; dup {
			return nil, fmt.Errorf("catalog: duplicate modifier %q", id)
		}
		m.ID = id
		s.mods[id] = m
	}
	for i, it := range menu.Items {
		id := strings.TrimSpace(it.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: items[%d].id is required", i)
		}
		if it.Price < 0 {
			return nil, fmt.Errorf("catalog: item %q has negative price", id)
		}
		if _, dup := s.items[id]; dup {
			return nil, fmt.Errorf("catalog: duplicate item %q", id)
		}
		for _, mid := range it.Modifiers {
			if _, ok := s.mods[mid]; !ok {
				return nil, fmt.Errorf("catalog: item %q references unknown modifier %q", id, mid)
			}
		}
		it.ID = id
		it.Modifiers = append([]string(nil), it.Modifiers...)
		s.items[id] = it
	}
	return s, nil
}

// LoadYAML decodes a Menu document from r.
func LoadYAML(r io.Reader) (*Static, error) {
	var menu Menu
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&menu); err != nil {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}
	return NewStatic(menu)
}

// LoadYAMLFile opens path and decodes it with LoadYAML.
func LoadYAMLFile(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// ResolveMenuItem implements order.Catalog.
func (s *Static) ResolveMenuItem(_ context.Context, id string) (order.MenuItem, error) {
	it, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return order.MenuItem{}, order.ErrNotFound
	}
	it.Modifiers = append([]string(nil), it.Modifiers...)
	return it, nil
}

// ResolveModifier implements order.Catalog.
func (s *Static) ResolveModifier(_ context.Context, itemID, modifierID string) (order.Modifier, error) {
	it, ok := s.items[strings.TrimSpace(itemID)]
	if !ok {
		return order.Modifier{}, order.ErrNotFound
	}
	modifierID = strings.TrimSpace(modifierID)
	for _, mid := range it.Modifiers {
		if mid == modifierID {
			return s.mods[mid], nil
		}
	}
	return order.Modifier{}, order.ErrNotFound
}

// Items returns every available item, used for prompt context.
func (s *Static) Items() []order.MenuItem {
	out := make([]order.MenuItem, 0, len(s.items))
	for _, it := range s.items {
		if it.Available {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
