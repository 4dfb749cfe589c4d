package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
)

// Draft is the mutable cart owned by exactly one session. It is not safe for
// concurrent use; the session event loop is its only caller.
type Draft struct {
	sessionID string
	catalog   Catalog
	pricing   Pricing

	items      []DraftItem
	notes      string
	targetSeat *int
	totals     Totals
	frozen     bool
	orderID    string
	nextLine   int
}

// NewDraft returns an empty draft priced through pricing.
func NewDraft(sessionID string, catalog Catalog, pricing Pricing) (*Draft, error) {
	if catalog == nil {
		return nil, fmt.Errorf("order: catalog is required")
	}
	if pricing == nil {
		return nil, fmt.Errorf("order: pricing is required")
	}
	totals, err := pricing.ComputeOrderTotal(nil)
	if err != nil {
		return nil, fmt.Errorf("order: price empty draft: %w", err)
	}
	return &Draft{
		sessionID: sessionID,
		catalog:   catalog,
		pricing:   pricing,
		totals:    totals,
	}, nil
}

func (d *Draft) SessionID() string { return d.sessionID }

// Items returns a copy of the current lines in insertion order.
func (d *Draft) Items() []DraftItem { return cloneItems(d.items) }

func (d *Draft) Len() int { return len(d.items) }

// Totals returns the totals last computed by the Pricing collaborator. They
// always reflect the current items.
func (d *Draft) Totals() Totals { return d.totals }

func (d *Draft) Notes() string { return d.notes }

func (d *Draft) TargetSeat() *int { return cloneSeat(d.targetSeat) }

func (d *Draft) Frozen() bool { return d.frozen }

// Freeze rejects any further mutation until Unfreeze.
func (d *Draft) Freeze() { d.frozen = true }

// Unfreeze re-opens the draft, used when an order submission fails. A
// submitted draft stays frozen.
func (d *Draft) Unfreeze() {
	if d.orderID == "" {
		d.frozen = false
	}
}

// MarkSubmitted records the downstream order id and freezes the draft for
// good.
func (d *Draft) MarkSubmitted(orderID string) {
	d.orderID = orderID
	d.frozen = true
}

// OrderID is the id of the submitted order, or "" before submission.
func (d *Draft) OrderID() string { return d.orderID }

// Line returns a copy of the line with the given reference.
func (d *Draft) Line(lineRef string) (DraftItem, bool) {
	idx := d.indexOf(lineRef)
	if idx < 0 {
		return DraftItem{}, false
	}
	return cloneItem(d.items[idx]), true
}

// LineTotal prices a single line through the Pricing collaborator.
func (d *Draft) LineTotal(item DraftItem) (Money, error) {
	return d.pricing.ComputeLineTotal(item)
}

// Add appends a new line for menuItemID. Modifier IDs are deduplicated and
// each must resolve against the item.
func (d *Draft) Add(ctx context.Context, menuItemID string, quantity int, modifierIDs []string, seat *int) (DraftItem, error) {
	if d.frozen {
		return DraftItem{}, errFrozen()
	}
	menuItemID = strings.TrimSpace(menuItemID)
	if quantity < 1 {
		return DraftItem{}, core.Newf(core.KindInvalidQuantity, "quantity must be >= 1, got %d", quantity).WithParam("quantity")
	}
	if seat != nil && *seat < 0 {
		return DraftItem{}, core.New(core.KindInvalidArguments, "seat_index must be >= 0").WithParam("seat_index")
	}

	item, err := d.catalog.ResolveMenuItem(ctx, menuItemID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DraftItem{}, core.Newf(core.KindUnknownMenuItem, "menu item %q not found", menuItemID).WithParam("menu_item_id")
		}
		return DraftItem{}, core.Wrap(core.KindInternal, "catalog lookup failed", err)
	}
	if !item.Available {
		return DraftItem{}, core.Newf(core.KindUnknownMenuItem, "menu item %q is not available", menuItemID).WithParam("menu_item_id")
	}

	mods, err := d.resolveModifiers(ctx, item.ID, nil, modifierIDs)
	if err != nil {
		return DraftItem{}, err
	}

	line := DraftItem{
		LineRef:    lineRefFor(d.nextLine + 1),
		MenuItemID: item.ID,
		Name:       item.Name,
		Quantity:   quantity,
		UnitPrice:  item.Price,
		Modifiers:  mods,
		SeatIndex:  cloneSeat(seat),
	}
	if line.SeatIndex == nil {
		line.SeatIndex = cloneSeat(d.targetSeat)
	}

	next := append(cloneItems(d.items), line)
	if err := d.commit(next); err != nil {
		return DraftItem{}, err
	}
	d.nextLine++
	return cloneItem(line), nil
}

// Remove deletes the line. A reference is never reused, so removing the same
// reference twice fails with line_not_found the second time.
func (d *Draft) Remove(lineRef string) error {
	if d.frozen {
		return errFrozen()
	}
	idx := d.indexOf(lineRef)
	if idx < 0 {
		return errLineNotFound(lineRef)
	}
	next := make([]DraftItem, 0, len(d.items)-1)
	next = append(next, cloneItems(d.items[:idx])...)
	next = append(next, cloneItems(d.items[idx+1:])...)
	return d.commit(next)
}

// ApplyModifierDelta adds and removes modifiers on a line. Removing a
// modifier that is not on the line fails with invalid_modifier.
func (d *Draft) ApplyModifierDelta(ctx context.Context, lineRef string, add, remove []string) (DraftItem, error) {
	if d.frozen {
		return DraftItem{}, errFrozen()
	}
	idx := d.indexOf(lineRef)
	if idx < 0 {
		return DraftItem{}, errLineNotFound(lineRef)
	}
	line := cloneItem(d.items[idx])

	removeSet := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		id = strings.TrimSpace(id)
		if !hasModifier(line.Modifiers, id) {
			return DraftItem{}, core.Newf(core.KindInvalidModifier, "modifier %q is not on %s", id, lineRef).WithParam("remove")
		}
		removeSet[id] = struct{}{}
	}
	kept := make([]Modifier, 0, len(line.Modifiers))
	for _, m := range line.Modifiers {
		if _, drop := removeSet[m.ID]; !drop {
			kept = append(kept, m)
		}
	}

	mods, err := d.resolveModifiers(ctx, line.MenuItemID, kept, add)
	if err != nil {
		return DraftItem{}, err
	}
	line.Modifiers = mods

	next := cloneItems(d.items)
	next[idx] = line
	if err := d.commit(next); err != nil {
		return DraftItem{}, err
	}
	return cloneItem(line), nil
}

// SetQuantity changes a line's quantity. Zero removes the line; removed
// reports whether that happened.
func (d *Draft) SetQuantity(lineRef string, quantity int) (item DraftItem, removed bool, err error) {
	if d.frozen {
		return DraftItem{}, false, errFrozen()
	}
	if quantity < 0 {
		return DraftItem{}, false, core.Newf(core.KindInvalidQuantity, "quantity must be >= 0, got %d", quantity).WithParam("quantity")
	}
	idx := d.indexOf(lineRef)
	if idx < 0 {
		return DraftItem{}, false, errLineNotFound(lineRef)
	}
	if quantity == 0 {
		line := cloneItem(d.items[idx])
		if err := d.Remove(lineRef); err != nil {
			return DraftItem{}, false, err
		}
		return line, true, nil
	}
	next := cloneItems(d.items)
	next[idx].Quantity = quantity
	if err := d.commit(next); err != nil {
		return DraftItem{}, false, err
	}
	return cloneItem(next[idx]), false, nil
}

// SetNotes replaces the free-text order notes.
func (d *Draft) SetNotes(notes string) error {
	if d.frozen {
		return errFrozen()
	}
	d.notes = strings.TrimSpace(notes)
	return nil
}

// SetTargetSeat sets the seat applied to lines added afterwards. nil clears it.
func (d *Draft) SetTargetSeat(seat *int) error {
	if d.frozen {
		return errFrozen()
	}
	if seat != nil && *seat < 0 {
		return core.New(core.KindInvalidArguments, "target seat must be >= 0").WithParam("target_seat")
	}
	d.targetSeat = cloneSeat(seat)
	return nil
}

// Snapshot returns a recoverable copy of the draft.
func (d *Draft) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		SessionID:  d.sessionID,
		Items:      cloneItems(d.items),
		Notes:      d.notes,
		TargetSeat: cloneSeat(d.targetSeat),
		Totals:     d.totals,
		Frozen:     d.frozen,
		OrderID:    d.orderID,
		NextLine:   d.nextLine,
		TakenAt:    now,
	}
}

// Restore replaces the draft contents with snap. Totals are recomputed
// through Pricing rather than trusted from the snapshot. A snapshot of a
// submitted order restores frozen with its order id; one frozen only by an
// in-flight submission restores open.
func (d *Draft) Restore(snap Snapshot) error {
	items := cloneItems(snap.Items)
	totals, err := d.pricing.ComputeOrderTotal(items)
	if err != nil {
		return core.Wrap(core.KindInternal, "pricing failed", err)
	}
	next := snap.NextLine
	for _, it := range items {
		if n, ok := parseLineRef(it.LineRef); ok && n > next {
			next = n
		}
	}
	d.items = items
	d.totals = totals
	d.notes = snap.Notes
	d.targetSeat = cloneSeat(snap.TargetSeat)
	d.nextLine = next
	d.orderID = strings.TrimSpace(snap.OrderID)
	d.frozen = d.orderID != ""
	return nil
}

// commit prices next and installs it. On pricing failure the draft is left
// untouched.
func (d *Draft) commit(next []DraftItem) error {
	totals, err := d.pricing.ComputeOrderTotal(next)
	if err != nil {
		return core.Wrap(core.KindInternal, "pricing failed", err)
	}
	d.items = next
	d.totals = totals
	return nil
}

func (d *Draft) resolveModifiers(ctx context.Context, itemID string, base []Modifier, ids []string) ([]Modifier, error) {
	out := append([]Modifier(nil), base...)
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, core.New(core.KindInvalidModifier, "modifier id must be non-empty").WithParam("modifiers")
		}
		if hasModifier(out, id) {
			continue
		}
		mod, err := d.catalog.ResolveModifier(ctx, itemID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, core.Newf(core.KindInvalidModifier, "modifier %q is not applicable to %q", id, itemID).WithParam("modifiers")
			}
			return nil, core.Wrap(core.KindInternal, "catalog lookup failed", err)
		}
		out = append(out, mod)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Draft) indexOf(lineRef string) int {
	lineRef = strings.TrimSpace(lineRef)
	for i := range d.items {
		if d.items[i].LineRef == lineRef {
			return i
		}
	}
	return -1
}

func hasModifier(mods []Modifier, id string) bool {
	for _, m := range mods {
		if m.ID == id {
			return true
		}
	}
	return false
}

func lineRefFor(n int) string { return "line_" + strconv.Itoa(n) }

func parseLineRef(ref string) (int, bool) {
	raw, ok := strings.CutPrefix(ref, "line_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func errFrozen() error {
	return core.New(core.KindOrderFrozen, "order is confirmed and can no longer be changed")
}

func errLineNotFound(lineRef string) error {
	return core.Newf(core.KindLineNotFound, "line %q not found", lineRef).WithParam("line_ref")
}
