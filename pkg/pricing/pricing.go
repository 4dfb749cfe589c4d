// Package pricing is the shared Pricing collaborator: the one place where line
// totals, tax and rounding are defined.
package pricing

import (
	"fmt"
	"math"

	"github.com/vango-go/vai-order/pkg/order"
)

// Engine prices drafts with a single flat tax rate.
type Engine struct {
	// TaxRateBasisPoints is the tax rate in 1/100 of a percent (825 = 8.25%).
	TaxRateBasisPoints int64
}

// New returns an Engine for the given rate.
func New(taxRateBasisPoints int64) (Engine, error) {
	if taxRateBasisPoints < 0 || taxRateBasisPoints > 10000 {
		return Engine{}, fmt.Errorf("pricing: tax rate must be within [0, 10000] basis points, got %d", taxRateBasisPoints)
	}
	return Engine{TaxRateBasisPoints: taxRateBasisPoints}, nil
}

// ComputeLineTotal returns (unit price + sum of modifier prices) * quantity.
func (e Engine) ComputeLineTotal(item order.DraftItem) (order.Money, error) {
	if item.Quantity < 0 {
		return 0, fmt.Errorf("pricing: %s: negative quantity %d", item.LineRef, item.Quantity)
	}
	if item.UnitPrice < 0 {
		return 0, fmt.Errorf("pricing: %s: negative unit price", item.LineRef)
	}
	unit := int64(item.UnitPrice)
	for _, m := range item.Modifiers {
		if m.Price < 0 {
			return 0, fmt.Errorf("pricing: %s: modifier %s has negative price", item.LineRef, m.ID)
		}
		if unit > math.MaxInt64-int64(m.Price) {
			return 0, fmt.Errorf("pricing: %s: unit price overflow", item.LineRef)
		}
		unit += int64(m.Price)
	}
	qty := int64(item.Quantity)
	if qty != 0 && unit > math.MaxInt64/qty {
		return 0, fmt.Errorf("pricing: %s: line total overflow", item.LineRef)
	}
	return order.Money(unit * qty), nil
}

// ComputeOrderTotal sums the line totals and applies tax rounded half up to
// the nearest minor unit.
func (e Engine) ComputeOrderTotal(items []order.DraftItem) (order.Totals, error) {
	var subtotal int64
	for _, it := range items {
		line, err := e.ComputeLineTotal(it)
		if err != nil {
			return order.Totals{}, err
		}
		if subtotal > math.MaxInt64-int64(line) {
			return order.Totals{}, fmt.Errorf("pricing: subtotal overflow")
		}
		subtotal += int64(line)
	}
	tax, err := e.tax(subtotal)
	if err != nil {
		return order.Totals{}, err
	}
	return order.Totals{
		Subtotal: order.Money(subtotal),
		Tax:      order.Money(tax),
		Total:    order.Money(subtotal + tax),
	}, nil
}

func (e Engine) tax(subtotal int64) (int64, error) {
	if e.TaxRateBasisPoints == 0 || subtotal == 0 {
		return 0, nil
	}
	if subtotal > (math.MaxInt64-5000)/e.TaxRateBasisPoints {
		return 0, fmt.Errorf("pricing: tax overflow")
	}
	return (subtotal*e.TaxRateBasisPoints + 5000) / 10000, nil
}
