package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupIdempotencyTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	idempotencyKeys := `
CREATE TABLE IF NOT EXISTS idempotency_keys (
  id TEXT PRIMARY KEY,
  checkout_id TEXT,
  route TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  request_hash TEXT NOT NULL,
  response_status INTEGER,
  response_body BLOB,
  created_at DATETIME,
  completed_at DATETIME,
  UNIQUE(route, idempotency_key)
);`
	webhookEvents := `
CREATE TABLE IF NOT EXISTS webhook_events (
  id TEXT PRIMARY KEY,
  provider TEXT NOT NULL,
  provider_event_id TEXT NOT NULL,
  checkout_id TEXT,
  event_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  received_at DATETIME,
  processed_at DATETIME,
  UNIQUE(provider, provider_event_id)
);`
	require.NoError(t, db.Exec(idempotencyKeys).Error)
	require.NoError(t, db.Exec(webhookEvents).Error)
	return db
}

func newTestIdempotencyService(t *testing.T, db *gorm.DB) *IdempotencyService {
	t.Helper()
	repo := NewRepository(db, nil)
	return NewIdempotencyService(repo, nil, time.Hour)
}

// TestRequestIdempotency_EmptyKey covers the required/optional split: a
// missing key on a required route is rejected, on an optional one it bypasses
// the layer entirely.
func TestRequestIdempotency_EmptyKey(t *testing.T) {
	db := setupIdempotencyTestDB(t)
	svc := newTestIdempotencyService(t, db)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.RequestIdempotency(context.Background(), tx, "hold", "", nil, "hash", true)
		require.Error(t, err)
		outcome, err := svc.RequestIdempotency(context.Background(), tx, "initialize", "", nil, "hash", false)
		require.NoError(t, err)
		assert.False(t, outcome.Hit)
		return nil
	}))
}

// TestRequestIdempotency_InFlightThenCaptured covers C4's core replay
// contract: a second request under the same key while the first is still in
// flight is rejected, and once the first Captures its response the second
// sees a cache hit with the exact captured body.
func TestRequestIdempotency_InFlightThenCaptured(t *testing.T) {
	db := setupIdempotencyTestDB(t)
	svc := newTestIdempotencyService(t, db)
	ctx := context.Background()

	var outcome *IdempotencyOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = svc.RequestIdempotency(ctx, tx, "hold", "K1", nil, "hash-a", true)
		return err
	}))
	require.False(t, outcome.Hit)

	require.Error(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.RequestIdempotency(ctx, tx, "hold", "K1", nil, "hash-a", true)
		return err
	}), "a second reservation under the same key must not be allowed while in flight")

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		svc.Capture(ctx, tx, outcome, 200, []byte(`{"state":"HOLD_CREATED"}`))
		return nil
	}))

	var cached *IdempotencyOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		cached, err = svc.RequestIdempotency(ctx, tx, "hold", "K1", nil, "hash-a", true)
		return err
	}))
	assert.True(t, cached.Hit)
	assert.Equal(t, 200, cached.CachedStatus)
	assert.JSONEq(t, `{"state":"HOLD_CREATED"}`, string(cached.CachedBody))
}

// TestRequestIdempotency_DifferentRoutesDoNotCollide asserts the dedup key is
// (route, idempotencyKey), not the bare key.
func TestRequestIdempotency_DifferentRoutesDoNotCollide(t *testing.T) {
	db := setupIdempotencyTestDB(t)
	svc := newTestIdempotencyService(t, db)
	ctx := context.Background()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.RequestIdempotency(ctx, tx, "hold", "SAME", nil, "hash-a", true)
		return err
	}))
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		outcome, err := svc.RequestIdempotency(ctx, tx, "payment-intent", "SAME", nil, "hash-b", true)
		require.NoError(t, err)
		assert.False(t, outcome.Hit)
		return nil
	}))
}

// TestBindCheckout attaches a checkout id to a reservation made before the
// checkout existed (initializeCheckout's optional key).
func TestBindCheckout(t *testing.T) {
	db := setupIdempotencyTestDB(t)
	svc := newTestIdempotencyService(t, db)
	ctx := context.Background()
	checkoutID := uuid.New()

	var outcome *IdempotencyOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = svc.RequestIdempotency(ctx, tx, "initialize", "K1", nil, "hash", false)
		return err
	}))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.BindCheckout(ctx, tx, outcome, checkoutID)
	}))

	var row IdempotencyKey
	require.NoError(t, db.Where("route = ? AND idempotency_key = ?", "initialize", "K1").First(&row).Error)
	require.NotNil(t, row.CheckoutID)
	assert.Equal(t, checkoutID, *row.CheckoutID)
}

// TestWebhookIdempotency_DedupAndReplay covers property P7 at the storage
// layer: a first delivery reserves an unprocessed row, MarkProcessed flips it,
// and a replayed delivery reports Processed without inserting a second row.
func TestWebhookIdempotency_DedupAndReplay(t *testing.T) {
	db := setupIdempotencyTestDB(t)
	svc := newTestIdempotencyService(t, db)
	ctx := context.Background()

	var first *WebhookOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		first, err = svc.WebhookIdempotency(ctx, tx, "stripe", "evt_1", "payment_intent.succeeded", []byte(`{}`), nil)
		return err
	}))
	assert.False(t, first.Processed)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		replay, err := svc.WebhookIdempotency(ctx, tx, "stripe", "evt_1", "payment_intent.succeeded", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.False(t, replay.Processed, "not yet marked processed")
		return err
	}))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkProcessed(ctx, tx, first)
	}))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		replay, err := svc.WebhookIdempotency(ctx, tx, "stripe", "evt_1", "payment_intent.succeeded", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.True(t, replay.Processed)
		return nil
	}))

	var count int64
	require.NoError(t, db.Model(&WebhookEvent{}).Where("provider = ? AND provider_event_id = ?", "stripe", "evt_1").Count(&count).Error)
	assert.EqualValues(t, 1, count, "exactly one dedup row for the event id")
}

// TestWebhookIdempotency_MarkProcessedIsIdempotent asserts a second
// MarkProcessed call on an already-processed row is a harmless no-op.
func TestWebhookIdempotency_MarkProcessedIsIdempotent(t *testing.T) {
	db := setupIdempotencyTestDB(t)
	svc := newTestIdempotencyService(t, db)
	ctx := context.Background()

	var outcome *WebhookOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = svc.WebhookIdempotency(ctx, tx, "stripe", "evt_2", "payment_intent.succeeded", []byte(`{}`), nil)
		return err
	}))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkProcessed(ctx, tx, outcome)
	}))
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkProcessed(ctx, tx, outcome)
	}))
}

// TestWebhookIdempotency_AbandonAllowsRetry mirrors HandleWebhookEvent's
// failure path: a handler error abandons the reservation so a retried
// delivery gets a clean re-attempt instead of being stuck unprocessed.
func TestWebhookIdempotency_AbandonAllowsRetry(t *testing.T) {
	db := setupIdempotencyTestDB(t)
	svc := newTestIdempotencyService(t, db)
	ctx := context.Background()

	var outcome *WebhookOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = svc.WebhookIdempotency(ctx, tx, "stripe", "evt_3", "payment_intent.succeeded", []byte(`{}`), nil)
		return err
	}))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.Abandon(ctx, tx, outcome)
	}))

	var count int64
	require.NoError(t, db.Model(&WebhookEvent{}).Where("provider = ? AND provider_event_id = ?", "stripe", "evt_3").Count(&count).Error)
	assert.EqualValues(t, 0, count, "abandoned reservation must be deleted")

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		retried, err := svc.WebhookIdempotency(ctx, tx, "stripe", "evt_3", "payment_intent.succeeded", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.False(t, retried.Processed, "retry after abandon must dispatch again")
		return nil
	}))
}
