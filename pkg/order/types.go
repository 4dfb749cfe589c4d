// Package order holds the Order Draft: the in-progress cart built during one
// voice session. Prices and tax are never computed here; every total comes
// from the shared Pricing collaborator.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Money is an amount in minor currency units (cents).
type Money int64

// String formats m as a decimal amount with two fractional digits.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Modifier is a priced option applied to a line (e.g. "large", "no onions").
type Modifier struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Price Money  `json:"price" yaml:"price"`
}

// MenuItem is the catalog's view of an orderable item.
type MenuItem struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Price     Money    `json:"price" yaml:"price"`
	Available bool     `json:"available" yaml:"available"`
	Modifiers []string `json:"modifiers,omitempty" yaml:"modifiers,omitempty"`
}

// DraftItem is one line of the draft.
type DraftItem struct {
	LineRef    string     `json:"line_ref"`
	MenuItemID string     `json:"menu_item_id"`
	Name       string     `json:"name"`
	Quantity   int        `json:"quantity"`
	UnitPrice  Money      `json:"unit_price"`
	Modifiers  []Modifier `json:"modifiers"`
	SeatIndex  *int       `json:"seat_index,omitempty"`
}

// Totals is the priced view of a set of lines.
type Totals struct {
	Subtotal Money `json:"subtotal"`
	Tax      Money `json:"tax"`
	Total    Money `json:"total"`
}

// Snapshot is a recoverable copy of a draft.
type Snapshot struct {
	SessionID  string      `json:"session_id"`
	Items      []DraftItem `json:"items"`
	Notes      string      `json:"notes,omitempty"`
	TargetSeat *int        `json:"target_seat,omitempty"`
	Totals     Totals      `json:"totals"`
	Frozen     bool        `json:"frozen"`
	OrderID    string      `json:"order_id,omitempty"`
	NextLine   int         `json:"next_line"`
	TakenAt    time.Time   `json:"taken_at"`
}

// ErrNotFound is returned by Catalog implementations when an item or a
// modifier does not resolve.
var ErrNotFound = errors.New("catalog: not found")

// Catalog resolves menu items and the modifiers applicable to them.
type Catalog interface {
	ResolveMenuItem(ctx context.Context, id string) (MenuItem, error)
	ResolveModifier(ctx context.Context, itemID, modifierID string) (Modifier, error)
}

// Pricing is the single source of truth for line and order totals.
type Pricing interface {
	ComputeLineTotal(item DraftItem) (Money, error)
	ComputeOrderTotal(items []DraftItem) (Totals, error)
}

func cloneItem(it DraftItem) DraftItem {
	out := it
	if it.Modifiers != nil {
		out.Modifiers = append([]Modifier(nil), it.Modifiers...)
	}
	if it.SeatIndex != nil {
		seat := *it.SeatIndex
		out.SeatIndex = &seat
	}
	return out
}

func cloneItems(items []DraftItem) []DraftItem {
	out := make([]DraftItem, len(items))
	for i := range items {
		out[i] = cloneItem(items[i])
	}
	return out
}

func cloneSeat(seat *int) *int {
	if seat == nil {
		return nil
	}
	v := *seat
	return &v
}
