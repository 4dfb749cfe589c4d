package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-order/pkg/order"
)

const menuYAML = `
items:
  - id: burger
    name: Burger
    price: 899
    available: true
    modifiers: [cheese]
  - id: fries
    name: Fries
    price: 349
    available: true
    modifiers: [large]
  - id: shake
    name: Shake
    price: 499
    available: false
modifiers:
  - id: cheese
    name: Cheese
    price: 100
  - id: large
    name: Large
    price: 150
`

func TestLoadYAML_ResolvesItemsAndModifiers(t *testing.T) {
	c, err := LoadYAML(strings.NewReader(menuYAML))
	require.NoError(t, err)
	ctx := context.Background()

	it, err := c.ResolveMenuItem(ctx, "fries")
	require.NoError(t, err)
	assert.Equal(t, order.Money(349), it.Price)
	assert.True(t, it.Available)

	m, err := c.ResolveModifier(ctx, "fries", "large")
	require.NoError(t, err)
	assert.Equal(t, order.Money(150), m.Price)

	_, err = c.ResolveModifier(ctx, "burger", "large")
	assert.ErrorIs(t, err, order.ErrNotFound)

	_, err = c.ResolveMenuItem(ctx, "pizza")
	assert.ErrorIs(t, err, order.ErrNotFound)

	items := c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "burger", items[0].ID)
}

func TestLoadYAML_RejectsUnknownModifierReference(t *testing.T) {
	_, err := LoadYAML(strings.NewReader(`
items:
  - id: burger
    name: Burger
    price: 899
    available: true
    modifiers: [bacon]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bacon")
}

func TestLoadYAML_RejectsUnknownFields(t *testing.T) {
	_, err := LoadYAML(strings.NewReader("items: []\nextras: true\n"))
	require.Error(t, err)
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int64:
			*p = r.values[i].(int64)
		case *bool:
			*p = r.values[i].(bool)
		case *[]string:
			*p = r.values[i].([]string)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

type fakeQuerier struct {
	rows     map[string]fakeRow
	lastArgs []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.lastArgs = args
	key := "item"
	if strings.Contains(sql, "FROM menu_item_modifiers im") {
		key = "modifier"
	}
	row, ok := q.rows[key]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return row
}

func TestPostgres_ResolveMenuItem(t *testing.T) {
	q := &fakeQuerier{rows: map[string]fakeRow{
		"item": {values: []any{"burger", "Burger", int64(899), true, []string{"cheese"}}},
	}}
	p := NewPostgres(q, 0)

	it, err := p.ResolveMenuItem(context.Background(), " burger ")
	require.NoError(t, err)
	assert.Equal(t, order.MenuItem{ID: "burger", Name: "Burger", Price: 899, Available: true, Modifiers: []string{"cheese"}}, it)
	assert.Equal(t, []any{"burger"}, q.lastArgs)
}

func TestPostgres_NotFoundMapsToErrNotFound(t *testing.T) {
	p := NewPostgres(&fakeQuerier{}, 0)

	_, err := p.ResolveMenuItem(context.Background(), "pizza")
	assert.ErrorIs(t, err, order.ErrNotFound)

	_, err = p.ResolveModifier(context.Background(), "burger", "bacon")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestPostgres_QueryErrorIsNotNotFound(t *testing.T) {
	q := &fakeQuerier{rows: map[string]fakeRow{"modifier": {err: errors.New("conn reset")}}}
	p := NewPostgres(q, 0)

	_, err := p.ResolveModifier(context.Background(), "burger", "cheese")
	require.Error(t, err)
	assert.NotErrorIs(t, err, order.ErrNotFound)
}
