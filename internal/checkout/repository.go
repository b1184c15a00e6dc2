package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "github.com/angelmondragon/checkout-core/pkg/db"
	"github.com/angelmondragon/checkout-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
)

// dbRunner is the transactional handle the gateway runs against; satisfied
// by *pkg/db.Client.
type dbRunner interface {
	WithSerializableTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Repository is the Document Store Gateway (C3): get/set/update over the
// checkouts, idempotency_keys, and webhook_events tables, plus the
// serializable runTransaction primitive every state mutation goes through.
type Repository struct {
	db *gorm.DB
	tx dbRunner
}

// NewRepository builds the gateway over the shared gorm connection.
func NewRepository(db *gorm.DB, tx dbRunner) *Repository {
	return &Repository{db: db, tx: tx}
}

// maxSerializationRetries bounds the implicit retry spec.md §5/§7 expects
// from the store gateway when two SERIALIZABLE transactions conflict.
const maxSerializationRetries = 3

// RunTransaction runs fn inside a SERIALIZABLE transaction (C3's
// runTransaction primitive). Every state-machine mutation MUST go through
// this, never the plain db handle. A transaction that loses a serialization
// conflict (SQLSTATE 40001) is retried transparently; the caller never sees
// the conflict.
func (r *Repository) RunTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = r.tx.WithSerializableTx(ctx, fn)
		if err == nil || !dbpkg.IsSerializationFailure(err) {
			return err
		}
	}
	return err
}

// Create inserts a new checkout document.
func (r *Repository) Create(ctx context.Context, tx *gorm.DB, checkout *Checkout) error {
	return tx.WithContext(ctx).Create(checkout).Error
}

// Get reads a checkout outside of a transaction (the plain "get" primitive).
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Checkout, error) {
	var checkout Checkout
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&checkout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "checkout not found")
	}
	if err != nil {
		return nil, err
	}
	return &checkout, nil
}

// GetForUpdateTx loads a checkout row-locked within tx, the form every
// state-machine mutation uses so a concurrent writer on the same aggregate
// blocks rather than races.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*Checkout, error) {
	var checkout Checkout
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&checkout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "checkout not found")
	}
	if err != nil {
		return nil, err
	}
	return &checkout, nil
}

// ApplyUpdatesTx merges the caller's side-channel updates onto the in-memory
// checkout through applyTypedUpdates, then persists them together with
// state/stateHistory in one write.
func (r *Repository) ApplyUpdatesTx(ctx context.Context, tx *gorm.DB, checkout *Checkout, updates map[string]any) error {
	if err := applyTypedUpdates(checkout, updates); err != nil {
		return err
	}
	return tx.WithContext(ctx).Save(checkout).Error
}

// applyTypedUpdates maps the orchestrator's update keys onto the checkout's
// typed fields. Unknown keys are a programmer error, not a runtime one the
// caller can recover from.
func applyTypedUpdates(checkout *Checkout, updates map[string]any) error {
	for key, value := range updates {
		switch key {
		case "pmsReservationId":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("pmsReservationId update must be a string")
			}
			checkout.PMSReservationID = &s
		case "pmsBookingCode":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("pmsBookingCode update must be a string")
			}
			checkout.PMSBookingCode = &s
		case "pspPaymentIntentId":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("pspPaymentIntentId update must be a string")
			}
			if checkout.PSPPaymentIntentID != nil {
				return pkgerrors.New(pkgerrors.CodeInternal, "pspPaymentIntentId is write-once")
			}
			checkout.PSPPaymentIntentID = &s
		case "holdExpiresAt":
			t, ok := value.(time.Time)
			if !ok {
				return fmt.Errorf("holdExpiresAt update must be a time.Time")
			}
			checkout.HoldExpiresAt = &t
		case "metadataOrphanedPayment":
			if checkout.Metadata == nil {
				checkout.Metadata = Metadata{}
			}
			checkout.Metadata["orphanedPayment"] = value
		default:
			return fmt.Errorf("unsupported transition update key %q", key)
		}
	}
	return nil
}

// UpdateGuestTx writes only guest + updatedAt, independent of the state
// machine (updateGuestInfo never transitions state).
func (r *Repository) UpdateGuestTx(ctx context.Context, tx *gorm.DB, checkoutID uuid.UUID, guest GuestInfo) error {
	return tx.WithContext(ctx).
		Model(&Checkout{}).
		Where("id = ?", checkoutID).
		Updates(map[string]any{"guest": guest}).Error
}

// --- idempotency_keys ---

// FindIdempotencyKeyTx looks up a captured response for (route, key).
func (r *Repository) FindIdempotencyKeyTx(ctx context.Context, tx *gorm.DB, route, key string) (*IdempotencyKey, error) {
	var row IdempotencyKey
	err := tx.WithContext(ctx).
		Where("route = ? AND idempotency_key = ?", route, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// InsertIdempotencyKeyTx reserves a (route, key) pair before the handler
// runs; a unique-violation here means a concurrent first-writer won the
// race (P6).
func (r *Repository) InsertIdempotencyKeyTx(ctx context.Context, tx *gorm.DB, row *IdempotencyKey) error {
	return tx.WithContext(ctx).Create(row).Error
}

// CompleteIdempotencyKeyTx records the captured response once the handler
// finishes. Failures here are fail-open: the caller logs and swallows.
func (r *Repository) CompleteIdempotencyKeyTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, status int, body []byte) error {
	now := time.Now().UTC()
	return tx.WithContext(ctx).
		Model(&IdempotencyKey{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"response_status": status,
			"response_body":   body,
			"completed_at":    now,
		}).Error
}

// DeleteExpiredIdempotencyKeys reaps records past their TTL (daily job).
func (r *Repository) DeleteExpiredIdempotencyKeys(ctx context.Context, tx *gorm.DB, olderThan time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&IdempotencyKey{})
	return res.RowsAffected, res.Error
}

// --- webhook_events ---

// FindWebhookEventTx looks up a dedup record for (provider, eventID).
func (r *Repository) FindWebhookEventTx(ctx context.Context, tx *gorm.DB, provider, eventID string) (*WebhookEvent, error) {
	var row WebhookEvent
	err := tx.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// InsertWebhookEventTx reserves the dedup row before dispatch.
func (r *Repository) InsertWebhookEventTx(ctx context.Context, tx *gorm.DB, row *WebhookEvent) error {
	return tx.WithContext(ctx).Create(row).Error
}

// MarkWebhookProcessedTx records successful dispatch; idempotent by design
// since a second call simply rewrites the same timestamp field.
func (r *Repository) MarkWebhookProcessedTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	now := time.Now().UTC()
	return tx.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"processed_at": now}).Error
}

// DeleteWebhookEventTx removes the reservation row so a retried delivery
// gets a clean re-attempt after a handler failure.
func (r *Repository) DeleteWebhookEventTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return tx.WithContext(ctx).Delete(&WebhookEvent{}, "id = ?", id).Error
}

// DeleteExpiredWebhookEvents reaps records past their TTL (daily job).
func (r *Repository) DeleteExpiredWebhookEvents(ctx context.Context, tx *gorm.DB, olderThan time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Where("received_at < ?", olderThan).
		Delete(&WebhookEvent{})
	return res.RowsAffected, res.Error
}

// --- hold expiration support ---

// FindExpirableTx returns checkouts in state whose hold has expired, locked
// FOR UPDATE SKIP LOCKED so a concurrently running sweep instance does not
// double-process the same row.
func (r *Repository) FindExpirableTx(ctx context.Context, tx *gorm.DB, state enums.CheckoutState, now time.Time, limit int) ([]Checkout, error) {
	var rows []Checkout
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("state = ? AND hold_expires_at < ?", state, now).
		Order("hold_expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// --- audit export support ---

// FindUpdatedAfter pages checkouts whose state_history may contain entries
// not yet exported, ordered by (updated_at, id) so the cursor advances
// deterministically even when several rows share a timestamp.
func (r *Repository) FindUpdatedAfter(ctx context.Context, cursorAt time.Time, cursorID uuid.UUID, limit int) ([]Checkout, error) {
	var rows []Checkout
	err := r.db.WithContext(ctx).
		Where("(updated_at, id) > (?, ?)", cursorAt, cursorID).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
