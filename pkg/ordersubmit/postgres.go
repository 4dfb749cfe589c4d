// Package ordersubmit hands confirmed Order Drafts to the order store.
package ordersubmit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-order/pkg/order"
	"github.com/vango-go/vai-order/pkg/voice/toolcall"
)

const tracerName = "github.com/vango-go/vai-order/pkg/ordersubmit"

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema to dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Beginner opens transactions. *pgxpool.Pool implements it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

const (
	insertOrderSQL = `
INSERT INTO orders (id, session_id, notes, target_seat, subtotal_minor, tax_minor, total_minor, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO NOTHING
RETURNING id`

	selectOrderBySessionSQL = `SELECT id FROM orders WHERE session_id = $1`

	insertLineSQL = `
INSERT INTO order_lines (order_id, line_ref, position, menu_item_id, name, quantity, unit_price_minor, modifiers, seat_index)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
)

// Postgres writes orders and their lines in one transaction. Submitting the
// same session twice returns the first order id.
type Postgres struct {
	db     Beginner
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

var _ toolcall.Submitter = (*Postgres)(nil)

func NewPostgres(db Beginner, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		db:     db,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		newID:  func() string { return "ord_" + uuid.NewString() },
	}
}

func (p *Postgres) SubmitOrder(ctx context.Context, sub toolcall.Submission) (id string, err error) {
	ctx, span := p.tracer.Start(ctx, "ordersubmit.postgres",
		trace.WithAttributes(attribute.String("session_id", sub.SessionID), attribute.Int("order.lines", len(sub.Items))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(sub.Items) == 0 {
		return "", fmt.Errorf("ordersubmit: order has no lines")
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("ordersubmit: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	newID := p.newID()
	err = tx.QueryRow(ctx, insertOrderSQL,
		newID, sub.SessionID, sub.Notes, seatArg(sub.TargetSeat),
		int64(sub.Totals.Subtotal), int64(sub.Totals.Tax), int64(sub.Totals.Total), p.now().UTC(),
	).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Already submitted by an earlier attempt.
		if err = tx.QueryRow(ctx, selectOrderBySessionSQL, sub.SessionID).Scan(&id); err != nil {
			return "", fmt.Errorf("ordersubmit: load existing order: %w", err)
		}
		if err = tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("ordersubmit: commit: %w", err)
		}
		p.logger.Info("order already submitted", "session_id", sub.SessionID, "order_id", id)
		span.SetAttributes(attribute.Bool("order.duplicate", true))
		return id, nil
	case err != nil:
		return "", fmt.Errorf("ordersubmit: insert order: %w", err)
	}

	for i, item := range sub.Items {
		mods, merr := json.Marshal(modifierRows(item.Modifiers))
		if merr != nil {
			err = fmt.Errorf("ordersubmit: encode modifiers for %s: %w", item.LineRef, merr)
			return "", err
		}
		if _, err = tx.Exec(ctx, insertLineSQL,
			id, item.LineRef, i+1, item.MenuItemID, item.Name, item.Quantity,
			int64(item.UnitPrice), mods, seatArg(item.SeatIndex),
		); err != nil {
			return "", fmt.Errorf("ordersubmit: insert line %s: %w", item.LineRef, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("ordersubmit: commit: %w", err)
	}
	p.logger.Info("order stored", "session_id", sub.SessionID, "order_id", id, "lines", len(sub.Items), "total", sub.Totals.Total.String())
	return id, nil
}

type modifierRow struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
}

func modifierRows(mods []order.Modifier) []modifierRow {
	out := make([]modifierRow, 0, len(mods))
	for _, m := range mods {
		out = append(out, modifierRow{ID: m.ID, Name: m.Name, PriceMinor: int64(m.Price)})
	}
	return out
}

func seatArg(seat *int) any {
	if seat == nil {
		return nil
	}
	return int32(*seat)
}
