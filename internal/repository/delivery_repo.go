package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"deliverybot/internal/model"
	"deliverybot/pkg/logger"
	"deliverybot/pkg/metrics"
	"deliverybot/pkg/util"
)

var (
	ErrNotFound     = errors.New("delivery not found")
	ErrInvalidFacts = errors.New("delivery facts missing order number")
)

const table = "deliveries"

// DBTX is the subset of *pgxpool.Pool the repository needs.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UpsertResult describes what Upsert did to the stored record.
type UpsertResult struct {
	Delivery model.Delivery
	Created  bool
	// Changed is true when an existing record had a mutable field replaced.
	Changed bool
}

type DeliveryRepository struct {
	db     DBTX
	logger *zap.Logger
	now    func() time.Time
}

func NewDeliveryRepository(db DBTX, logger *zap.Logger) *DeliveryRepository {
	return &DeliveryRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
    id                 BIGSERIAL PRIMARY KEY,
    order_number       VARCHAR(100) NOT NULL UNIQUE,
    service            VARCHAR(50)  NOT NULL,
    status             VARCHAR(100) NOT NULL,
    address            TEXT,
    pickup_code        VARCHAR(50),
    recipient_name     VARCHAR(100),
    estimated_delivery VARCHAR(50),
    is_active          BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS deliveries_active_idx ON deliveries (is_active);
`

// EnsureSchema creates the deliveries table if it does not exist.
func (r *DeliveryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const deliveryColumns = `id, order_number, service, status, address, pickup_code,
        recipient_name, estimated_delivery, is_active, created_at, updated_at`

func scanDelivery(row pgx.Row) (model.Delivery, error) {
	var d model.Delivery
	err := row.Scan(
		&d.ID,
		&d.OrderNumber,
		&d.Service,
		&d.Status,
		&d.Address,
		&d.PickupCode,
		&d.RecipientName,
		&d.EstimatedDelivery,
		&d.IsActive,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}

// Upsert inserts a new record for an unseen order number, or replaces status,
// address, pickup code and estimated delivery of the existing one. Service,
// recipient name and the active flag are never touched on update. Optional
// facts that are absent keep the stored value.
func (r *DeliveryRepository) Upsert(ctx context.Context, facts model.DeliveryFacts) (UpsertResult, error) {
	log := logger.WithTrace(ctx, r.logger)
	orderNumber := facts.Order()
	if orderNumber == "" {
		log.Warn("Refusing to store delivery without order number")
		return UpsertResult{}, ErrInvalidFacts
	}

	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("upsert", table, time.Since(start)) }()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		log.Error("Failed to begin transaction", zap.Error(err))
		return UpsertResult{}, fmt.Errorf("begin: %w", err)
	}

	res, err := r.upsertInTx(ctx, tx, orderNumber, facts)
	if err != nil {
		_ = tx.Rollback(ctx)
		log.Error("Failed to upsert delivery",
			zap.String("order_number", orderNumber),
			zap.String("error_kind", util.ClassifyError(err)),
			zap.Error(err),
		)
		return UpsertResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		log.Error("Failed to commit delivery upsert",
			zap.String("order_number", orderNumber),
			zap.Error(err),
		)
		return UpsertResult{}, fmt.Errorf("commit: %w", err)
	}

	log.Info("Delivery stored",
		zap.String("order_number", orderNumber),
		zap.Bool("created", res.Created),
		zap.Bool("changed", res.Changed),
	)
	return res, nil
}

func (r *DeliveryRepository) upsertInTx(ctx context.Context, tx pgx.Tx, orderNumber string, facts model.DeliveryFacts) (UpsertResult, error) {
	query := `
        SELECT ` + deliveryColumns + `
        FROM deliveries
        WHERE order_number = $1
        FOR UPDATE
    `
	existing, err := scanDelivery(tx.QueryRow(ctx, query, orderNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return r.insert(ctx, tx, orderNumber, facts)
	}
	if err != nil {
		return UpsertResult{}, fmt.Errorf("select for update: %w", err)
	}

	updated := existing
	if s := model.Deref(facts.Status); s != "" {
		updated.Status = s
	}
	if facts.Address != nil {
		updated.Address = facts.Address
	}
	if facts.PickupCode != nil {
		updated.PickupCode = facts.PickupCode
	}
	if facts.EstimatedDelivery != nil {
		updated.EstimatedDelivery = facts.EstimatedDelivery
	}
	updated.UpdatedAt = r.later(existing.UpdatedAt)

	update := `
        UPDATE deliveries
        SET status = $2, address = $3, pickup_code = $4, estimated_delivery = $5, updated_at = $6
        WHERE order_number = $1
    `
	if _, err := tx.Exec(ctx, update,
		orderNumber,
		updated.Status,
		updated.Address,
		updated.PickupCode,
		updated.EstimatedDelivery,
		updated.UpdatedAt,
	); err != nil {
		return UpsertResult{}, fmt.Errorf("update: %w", err)
	}

	return UpsertResult{Delivery: updated, Changed: mutableChanged(existing, updated)}, nil
}

func (r *DeliveryRepository) insert(ctx context.Context, tx pgx.Tx, orderNumber string, facts model.DeliveryFacts) (UpsertResult, error) {
	now := r.now()
	d := model.Delivery{
		OrderNumber:       orderNumber,
		Service:           orDefault(facts.Service),
		Status:            orDefault(facts.Status),
		Address:           facts.Address,
		PickupCode:        facts.PickupCode,
		RecipientName:     facts.RecipientName,
		EstimatedDelivery: facts.EstimatedDelivery,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	query := `
        INSERT INTO deliveries (order_number, service, status, address, pickup_code,
            recipient_name, estimated_delivery, is_active, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $8)
        RETURNING id
    `
	err := tx.QueryRow(ctx, query,
		d.OrderNumber,
		d.Service,
		d.Status,
		d.Address,
		d.PickupCode,
		d.RecipientName,
		d.EstimatedDelivery,
		now,
	).Scan(&d.ID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("insert: %w", err)
	}
	return UpsertResult{Delivery: d, Created: true}, nil
}

// ListActive returns active deliveries in primary-key order.
func (r *DeliveryRepository) ListActive(ctx context.Context) ([]model.Delivery, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("list_active", table, time.Since(start)) }()

	query := `
        SELECT ` + deliveryColumns + `
        FROM deliveries
        WHERE is_active = TRUE
        ORDER BY id
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		logger.WithTrace(ctx, r.logger).Error("Failed to list active deliveries", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	deliveries := []model.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// Deactivate marks a delivery as done. Unknown order numbers yield ErrNotFound.
func (r *DeliveryRepository) Deactivate(ctx context.Context, orderNumber string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("deactivate", table, time.Since(start)) }()

	query := `
        UPDATE deliveries
        SET is_active = FALSE, updated_at = $2
        WHERE order_number = $1
    `
	tag, err := r.db.Exec(ctx, query, orderNumber, r.now())
	if err != nil {
		logger.WithTrace(ctx, r.logger).Error("Failed to deactivate delivery",
			zap.String("order_number", orderNumber),
			zap.Error(err),
		)
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a delivery. Unknown order numbers yield ErrNotFound.
func (r *DeliveryRepository) Delete(ctx context.Context, orderNumber string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("delete", table, time.Since(start)) }()

	tag, err := r.db.Exec(ctx, `DELETE FROM deliveries WHERE order_number = $1`, orderNumber)
	if err != nil {
		logger.WithTrace(ctx, r.logger).Error("Failed to delete delivery",
			zap.String("order_number", orderNumber),
			zap.Error(err),
		)
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Statistics counts every record once, grouped by service, in one statement so
// Total == Active + Completed and the per-service counts sum to Total.
func (r *DeliveryRepository) Statistics(ctx context.Context) (model.Statistics, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("statistics", table, time.Since(start)) }()

	query := `
        SELECT service, COUNT(*), COUNT(*) FILTER (WHERE is_active)
        FROM deliveries
        GROUP BY service
        ORDER BY service
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		logger.WithTrace(ctx, r.logger).Error("Failed to compute statistics", zap.Error(err))
		return model.Statistics{}, err
	}
	defer rows.Close()

	stats := model.Statistics{ByService: map[string]int{}}
	for rows.Next() {
		var service string
		var total, active int
		if err := rows.Scan(&service, &total, &active); err != nil {
			return model.Statistics{}, err
		}
		stats.ByService[service] = total
		stats.Total += total
		stats.Active += active
	}
	if err := rows.Err(); err != nil {
		return model.Statistics{}, err
	}
	stats.Completed = stats.Total - stats.Active
	return stats, nil
}

// later returns now, nudged past prev so updated_at strictly increases.
func (r *DeliveryRepository) later(prev time.Time) time.Time {
	now := r.now()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

func orDefault(s *string) string {
	if v := model.Deref(s); v != "" {
		return v
	}
	return model.UnknownValue
}

func mutableChanged(before, after model.Delivery) bool {
	return before.Status != after.Status ||
		model.Deref(before.Address) != model.Deref(after.Address) ||
		model.Deref(before.PickupCode) != model.Deref(after.PickupCode) ||
		model.Deref(before.EstimatedDelivery) != model.Deref(after.EstimatedDelivery)
}
