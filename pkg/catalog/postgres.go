package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vango-go/vai-order/pkg/order"
)

// Querier is the subset of *pgxpool.Pool used by Postgres.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	selectMenuItemSQL = `
SELECT i.id, i.name, i.price_minor, i.available,
       COALESCE(array_agg(im.modifier_id ORDER BY im.modifier_id) FILTER (WHERE im.modifier_id IS NOT NULL), '{}')
FROM menu_items i
LEFT JOIN menu_item_modifiers im ON im.item_id = i.id
WHERE i.id = $1
GROUP BY i.id, i.name, i.price_minor, i.available`

	selectModifierSQL = `
SELECT m.id, m.name, m.price_minor
FROM menu_item_modifiers im
JOIN menu_modifiers m ON m.id = im.modifier_id
WHERE im.item_id = $1 AND im.modifier_id = $2`
)

// Postgres resolves menu data from the menu_items, menu_modifiers and
// menu_item_modifiers tables.
type Postgres struct {
	db      Querier
	timeout time.Duration
}

// NewPostgres wraps db. timeout bounds each lookup; zero means 2s.
func NewPostgres(db Querier, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

// OpenPool builds a pgx pool for dsn and verifies connectivity.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// ResolveMenuItem implements order.Catalog.
func (p *Postgres) ResolveMenuItem(ctx context.Context, id string) (order.MenuItem, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		it    order.MenuItem
		price int64
	)
	err := p.db.QueryRow(ctx, selectMenuItemSQL, strings.TrimSpace(id)).
		Scan(&it.ID, &it.Name, &price, &it.Available, &it.Modifiers)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.MenuItem{}, order.ErrNotFound
	}
	if err != nil {
		return order.MenuItem{}, fmt.Errorf("catalog: resolve menu item %q: %w", id, err)
	}
	it.Price = order.Money(price)
	return it, nil
}

// ResolveModifier implements order.Catalog.
func (p *Postgres) ResolveModifier(ctx context.Context, itemID, modifierID string) (order.Modifier, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		m     order.Modifier
		price int64
	)
	err := p.db.QueryRow(ctx, selectModifierSQL, strings.TrimSpace(itemID), strings.TrimSpace(modifierID)).
		Scan(&m.ID, &m.Name, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Modifier{}, order.ErrNotFound
	}
	if err != nil {
		return order.Modifier{}, fmt.Errorf("catalog: resolve modifier %q for %q: %w", modifierID, itemID, err)
	}
	m.Price = order.Money(price)
	return m, nil
}
