package checkout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/checkout-core/pkg/db"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
	"github.com/angelmondragon/checkout-core/pkg/logger"
)

// IdempotencyOutcome is the result of RequestIdempotency: either a cache
// Hit with the previously captured response, or a reservation the caller
// must Capture once the handler produces its own response.
type IdempotencyOutcome struct {
	Hit           bool
	CachedStatus  int
	CachedBody    []byte
	reservationID uuid.UUID
}

// IdempotencyService implements C4: request-fingerprint replay suppression
// and webhook-event-id deduplication, both backed by C3's Postgres tables
// rather than an external cache (§4.2 expansion).
type IdempotencyService struct {
	repo *Repository
	logg *logger.Logger
	ttl  time.Duration
}

// NewIdempotencyService builds the idempotency layer over the gateway.
func NewIdempotencyService(repo *Repository, logg *logger.Logger, ttl time.Duration) *IdempotencyService {
	return &IdempotencyService{repo: repo, logg: logg, ttl: ttl}
}

// RequestIdempotency implements requestIdempotency(endpoint, key, ttl).
// required marks whether the caller's route demands the header; an empty
// key on a required route is IDEMPOTENCY_KEY_REQUIRED, on an optional route
// it bypasses the layer entirely (Hit=false, reservationID=uuid.Nil).
func (s *IdempotencyService) RequestIdempotency(ctx context.Context, tx *gorm.DB, route, key string, checkoutID *uuid.UUID, requestHash string, required bool) (*IdempotencyOutcome, error) {
	if key == "" {
		if required {
			return nil, pkgerrors.New(pkgerrors.CodeIdempotencyKeyRequired, "Idempotency-Key header required")
		}
		return &IdempotencyOutcome{}, nil
	}

	existing, err := s.repo.FindIdempotencyKeyTx(ctx, tx, route, key)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if s.expired(existing.CreatedAt) {
			if err := tx.WithContext(ctx).Delete(&IdempotencyKey{}, "id = ?", existing.ID).Error; err != nil {
				return nil, err
			}
			existing = nil
		} else if existing.CompletedAt == nil {
			return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "a request with this idempotency key is already in flight")
		} else {
			status := 0
			if existing.ResponseStatus != nil {
				status = *existing.ResponseStatus
			}
			return &IdempotencyOutcome{Hit: true, CachedStatus: status, CachedBody: existing.ResponseBody}, nil
		}
	}

	row := &IdempotencyKey{
		ID:             uuid.New(),
		CheckoutID:     checkoutID,
		Route:          route,
		IdempotencyKey: key,
		RequestHash:    requestHash,
	}
	if err := s.repo.InsertIdempotencyKeyTx(ctx, tx, row); err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_idempotency_keys_route_key") {
			return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "a request with this idempotency key is already in flight")
		}
		return nil, err
	}

	return &IdempotencyOutcome{reservationID: row.ID}, nil
}

// Capture records the eventual response against the reservation made by
// RequestIdempotency. Per §4.2, storage failures here are logged and
// swallowed: a missed cache entry merely permits a legitimate retry to
// re-execute, it never corrupts state.
func (s *IdempotencyService) Capture(ctx context.Context, tx *gorm.DB, outcome *IdempotencyOutcome, status int, body []byte) {
	if outcome == nil || outcome.reservationID == uuid.Nil {
		return
	}
	if err := s.repo.CompleteIdempotencyKeyTx(ctx, tx, outcome.reservationID, status, body); err != nil && s.logg != nil {
		s.logg.Error(ctx, "idempotency capture failed, allowing future retry", err)
	}
}

// BindCheckout attaches the checkout id to a reservation made before the
// checkout existed (initializeCheckout's optional idempotency key).
func (s *IdempotencyService) BindCheckout(ctx context.Context, tx *gorm.DB, outcome *IdempotencyOutcome, checkoutID uuid.UUID) error {
	if outcome == nil || outcome.reservationID == uuid.Nil {
		return nil
	}
	return tx.WithContext(ctx).
		Model(&IdempotencyKey{}).
		Where("id = ?", outcome.reservationID).
		Update("checkout_id", checkoutID).Error
}

func (s *IdempotencyService) expired(createdAt time.Time) bool {
	if s.ttl <= 0 {
		return false
	}
	return time.Now().UTC().After(createdAt.Add(s.ttl))
}

// WebhookOutcome reports whether an inbound event was already processed.
type WebhookOutcome struct {
	Processed bool
	id        uuid.UUID
}

// WebhookIdempotency implements webhookIdempotency(eventId): reserves a
// dedup row for (provider, eventID) unless one already exists and is marked
// processed.
func (s *IdempotencyService) WebhookIdempotency(ctx context.Context, tx *gorm.DB, provider, eventID, eventType string, payload []byte, checkoutID *uuid.UUID) (*WebhookOutcome, error) {
	existing, err := s.repo.FindWebhookEventTx(ctx, tx, provider, eventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ProcessedAt != nil {
			return &WebhookOutcome{Processed: true, id: existing.ID}, nil
		}
		return &WebhookOutcome{Processed: false, id: existing.ID}, nil
	}

	row := &WebhookEvent{
		ID:              uuid.New(),
		Provider:        provider,
		ProviderEventID: eventID,
		CheckoutID:      checkoutID,
		EventType:       eventType,
		Payload:         payload,
	}
	if err := s.repo.InsertWebhookEventTx(ctx, tx, row); err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_webhook_events_provider_event_id") {
			// Lost the race: re-read the winner's row so the caller treats
			// this exactly like it found one on the first lookup.
			winner, findErr := s.repo.FindWebhookEventTx(ctx, tx, provider, eventID)
			if findErr != nil {
				return nil, findErr
			}
			if winner != nil {
				return &WebhookOutcome{Processed: winner.ProcessedAt != nil, id: winner.ID}, nil
			}
		}
		return nil, err
	}

	return &WebhookOutcome{id: row.ID}, nil
}

// MarkProcessed is markProcessed(): idempotent by construction since the
// underlying update simply rewrites processed_at.
func (s *IdempotencyService) MarkProcessed(ctx context.Context, tx *gorm.DB, outcome *WebhookOutcome) error {
	if outcome == nil || outcome.id == uuid.Nil {
		return nil
	}
	return s.repo.MarkWebhookProcessedTx(ctx, tx, outcome.id)
}

// Abandon deletes the dedup reservation after a handler failure so a
// retried delivery gets a clean re-attempt rather than being stuck
// unprocessed forever.
func (s *IdempotencyService) Abandon(ctx context.Context, tx *gorm.DB, outcome *WebhookOutcome) error {
	if outcome == nil || outcome.id == uuid.Nil {
		return nil
	}
	return s.repo.DeleteWebhookEventTx(ctx, tx, outcome.id)
}
