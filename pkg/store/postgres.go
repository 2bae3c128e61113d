package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore persists work orders as JSONB documents. Migrations are
// embedded into the binary and applied on startup.
type PostgresStore struct {
	db *stdsql.DB

	quotaBytes  int64
	retainCount int
}

// NewPostgresStore opens a connection pool, pings it, and applies
// pending migrations.
func NewPostgresStore(ctx context.Context, dsn string, quotaBytes int64, retainCount int) (*PostgresStore, error) {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db, quotaBytes: quotaBytes, retainCount: retainCount}, nil
}

func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "foreman", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	// Close only the source driver: m.Close() would also close the shared
	// *sql.DB handed to postgres.WithInstance.
	return sourceDriver.Close()
}

func (p *PostgresStore) SaveWorkOrder(ctx context.Context, w *models.WorkOrder) error {
	data, err := json.Marshal(w)
	if err != nil {
		return foremanerr.Wrap(foremanerr.KindInternal, "serialize work order", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO work_orders (id, status, document, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    document = EXCLUDED.document,
		    updated_at = EXCLUDED.updated_at`,
		w.ID, string(w.Status), data, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save work order %s: %w", w.ID, err)
	}
	return p.enforceQuota(ctx)
}

// enforceQuota keeps only the most recently updated work orders once the
// serialized total exceeds the quota. Receipts live in their own table
// and survive the trim.
func (p *PostgresStore) enforceQuota(ctx context.Context) error {
	if p.quotaBytes <= 0 {
		return nil
	}
	var total int64
	if err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(document::text)), 0) FROM work_orders`).Scan(&total); err != nil {
		return fmt.Errorf("work order quota check: %w", err)
	}
	if total <= p.quotaBytes {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM work_orders
		WHERE id NOT IN (
			SELECT id FROM work_orders ORDER BY updated_at DESC LIMIT $1
		)`, p.retainCount)
	if err != nil {
		return fmt.Errorf("work order quota trim: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWorkOrder(ctx context.Context, id string) (*models.WorkOrder, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT document FROM work_orders WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, foremanerr.Ef(foremanerr.KindNotFound, "work order %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get work order %s: %w", id, err)
	}

	var w models.WorkOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, foremanerr.Wrap(foremanerr.KindInternal, "deserialize work order", err)
	}
	return &w, nil
}

func (p *PostgresStore) ListWorkOrders(ctx context.Context) ([]*models.WorkOrder, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT document FROM work_orders ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkOrder
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan work order: %w", err)
		}
		var w models.WorkOrder
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, foremanerr.Wrap(foremanerr.KindInternal, "deserialize work order", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteWorkOrder(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM work_orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete work order %s: %w", id, err)
	}
	return nil
}

func (p *PostgresStore) SaveReceipt(ctx context.Context, r *models.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return foremanerr.Wrap(foremanerr.KindInternal, "serialize receipt", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO receipts (id, work_order_id, document, generated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (work_order_id) DO UPDATE
		SET document = EXCLUDED.document, generated_at = EXCLUDED.generated_at`,
		r.ID, r.WorkOrderID, data, r.GeneratedAt)
	if err != nil {
		return fmt.Errorf("save receipt for %s: %w", r.WorkOrderID, err)
	}
	return nil
}

func (p *PostgresStore) GetReceipt(ctx context.Context, workOrderID string) (*models.Receipt, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT document FROM receipts WHERE work_order_id = $1`, workOrderID).Scan(&data)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, foremanerr.Ef(foremanerr.KindNotFound, "receipt for work order %s", workOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt for %s: %w", workOrderID, err)
	}
	var r models.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, foremanerr.Wrap(foremanerr.KindInternal, "deserialize receipt", err)
	}
	return &r, nil
}

func (p *PostgresStore) AppendChat(ctx context.Context, msg models.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, work_order_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.WorkOrderID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

func (p *PostgresStore) ChatSince(ctx context.Context, workOrderID string, after time.Time) ([]models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, work_order_id, role, content, created_at
		FROM chat_messages
		WHERE work_order_id = $1 AND created_at > $2
		ORDER BY created_at ASC`, workOrderID, after)
	if err != nil {
		return nil, fmt.Errorf("chat since: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.WorkOrderID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }
