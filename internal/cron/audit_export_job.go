package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/checkout-core/internal/checkout"
	"github.com/angelmondragon/checkout-core/pkg/logger"
)

const auditExportBatchSize = 200

// auditExportCursor persists how far the export has advanced. One row per
// job name, so a second export job could run alongside this one someday
// without sharing a cursor.
type auditExportCursor struct {
	JobName   string    `gorm:"column:job_name;primaryKey"`
	CursorAt  time.Time `gorm:"column:cursor_at"`
	CursorID  uuid.UUID `gorm:"column:cursor_id"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (auditExportCursor) TableName() string { return "audit_export_cursors" }

// auditExportRepo is the checkout read path the export job depends on.
type auditExportRepo interface {
	FindUpdatedAfter(ctx context.Context, cursorAt time.Time, cursorID uuid.UUID, limit int) ([]checkout.Checkout, error)
}

// auditBigQuery is the sink the export job writes flattened transitions to.
type auditBigQuery interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// auditTransitionRow is one flattened state_history entry, shaped for the
// audit table's schema (one row per transition, not per checkout).
type auditTransitionRow struct {
	CheckoutID string    `bigquery:"checkout_id"`
	Seq        int       `bigquery:"seq"`
	FromState  string    `bigquery:"from_state"`
	ToState    string    `bigquery:"to_state"`
	Actor      string    `bigquery:"actor"`
	Reason     string    `bigquery:"reason"`
	OccurredAt time.Time `bigquery:"occurred_at"`
	ExportedAt time.Time `bigquery:"exported_at"`
}

// AuditExportJobParams configure the audit export job.
type AuditExportJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Repo      auditExportRepo
	BigQuery  auditBigQuery
	Table     string
	BatchSize int
}

// NewAuditExportJob builds the cursor-based export job for §4.10: it pages
// checkouts updated since the last run, flattens each one's append-only
// state_history into BigQuery rows, and advances the cursor past the last
// row it read. Skipped entirely when BigQuery is not configured.
func NewAuditExportJob(params AuditExportJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("checkout repository required")
	}
	if params.Table == "" {
		return nil, fmt.Errorf("bigquery table required")
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = auditExportBatchSize
	}
	return &auditExportJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repo,
		bq:        params.BigQuery,
		table:     params.Table,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}

type auditExportJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      auditExportRepo
	bq        auditBigQuery
	table     string
	batchSize int
	now       func() time.Time
}

func (j *auditExportJob) Name() string { return "checkout-audit-export" }

// Run exports at most one batch per invocation; the cron cadence, not an
// internal loop, decides how quickly the backlog drains.
func (j *auditExportJob) Run(ctx context.Context) error {
	if j.bq == nil {
		j.logg.Info(ctx, "bigquery not configured, skipping audit export")
		return nil
	}

	var cursor auditExportCursor
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).
			Where("job_name = ?", j.Name()).
			Attrs(auditExportCursor{JobName: j.Name(), CursorAt: time.Unix(0, 0).UTC(), CursorID: uuid.Nil}).
			FirstOrCreate(&cursor).Error
	})
	if err != nil {
		return fmt.Errorf("audit export: load cursor: %w", err)
	}

	rows, err := j.repo.FindUpdatedAfter(ctx, cursor.CursorAt, cursor.CursorID, j.batchSize)
	if err != nil {
		return fmt.Errorf("audit export: find checkouts: %w", err)
	}
	if len(rows) == 0 {
		j.logg.Info(ctx, "audit export: nothing to export")
		return nil
	}

	exportedAt := j.now().UTC()
	var bqRows []any
	for _, row := range rows {
		for _, entry := range row.StateHistory {
			bqRows = append(bqRows, auditTransitionRow{
				CheckoutID: row.ID.String(),
				Seq:        entry.Seq,
				FromState:  string(entry.From),
				ToState:    string(entry.To),
				Actor:      string(entry.Actor),
				Reason:     entry.Reason,
				OccurredAt: entry.Timestamp,
				ExportedAt: exportedAt,
			})
		}
	}

	if len(bqRows) > 0 {
		if err := j.bq.InsertRows(ctx, j.table, bqRows); err != nil {
			return fmt.Errorf("audit export: insert rows: %w", err)
		}
	}

	last := rows[len(rows)-1]
	err = j.db.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).
			Model(&auditExportCursor{}).
			Where("job_name = ?", j.Name()).
			Updates(map[string]any{"cursor_at": last.UpdatedAt, "cursor_id": last.ID}).Error
	})
	if err != nil {
		return fmt.Errorf("audit export: advance cursor: %w", err)
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"checkouts_exported":   len(rows),
		"transitions_exported": len(bqRows),
		"cursor_at":            last.UpdatedAt,
	})
	j.logg.Info(logCtx, "audit export batch complete")
	return nil
}
