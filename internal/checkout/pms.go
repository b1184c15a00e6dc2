package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/checkout-core/pkg/config"
	pkgerrors "github.com/angelmondragon/checkout-core/pkg/errors"
)

const (
	pmsMaxResponseBytes int64 = 4096
	pmsBackoffBase            = 1 * time.Second
	pmsBackoffMax             = 2 * time.Second
)

// ReservationType mirrors the PMS's type discriminator for a reservation.
type ReservationType string

const (
	ReservationReserved ReservationType = "reserved"
	ReservationBooked   ReservationType = "booked"
	ReservationCanceled ReservationType = "canceled"
)

// ListingDetail is the display data fetched at initialize time.
type ListingDetail struct {
	ListingID string `json:"listingId"`
	Name      string `json:"name"`
}

// CalculatePriceRequest asks the PMS to price a stay.
type CalculatePriceRequest struct {
	ListingID  string `json:"listingId"`
	CheckIn    string `json:"checkIn"`
	CheckOut   string `json:"checkOut"`
	Adults     int    `json:"adults"`
	Children   int    `json:"children"`
	Infants    int    `json:"infants"`
	CouponCode string `json:"couponCode,omitempty"`
}

// PriceQuote is the PMS's priced response, already in smallest units (I8).
type PriceQuote struct {
	Total       int64          `json:"total"`
	Currency    string         `json:"currency"`
	Subtotal    int64          `json:"subtotal"`
	CleaningFee int64          `json:"cleaningFee"`
	ServiceFee  int64          `json:"serviceFee"`
	Taxes       int64          `json:"taxes"`
}

// CalendarDay is one day's availability/price for getCalendar.
type CalendarDay struct {
	Date      string `json:"date"`
	Available bool   `json:"available"`
	Price     int64  `json:"price"`
}

// ListingSummary is one row of a searchListings result.
type ListingSummary struct {
	ListingID string `json:"listingId"`
	Name      string `json:"name"`
}

// CreateReservationRequest is the input to createReservation.
type CreateReservationRequest struct {
	Type       ReservationType `json:"type"`
	ListingID  string          `json:"listingId"`
	Guest      GuestInfo       `json:"guest"`
	CheckIn    string          `json:"checkIn"`
	CheckOut   string          `json:"checkOut"`
	TotalPrice int64           `json:"totalPrice"`
	Currency   string          `json:"currency"`
}

// Reservation is the PMS's reservation record.
type Reservation struct {
	ReservationID string          `json:"reservationId"`
	Type          ReservationType `json:"type"`
	BookingCode   string          `json:"bookingCode,omitempty"`
}

// RegisterPaymentRequest is the input to registerPayment.
type RegisterPaymentRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Method    string `json:"method"`
	Reference string `json:"reference"`
}

// PMSClient is the C1 adapter: typed operations against the
// property-management API, hand-rolled over net/http in the style of the
// teacher's SDK-less pkg/maps client, since no PMS SDK exists in the
// example pack.
type PMSClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	readTimeout  time.Duration
	writeTimeout time.Duration
	readRetries  int
}

// NewPMSClient builds the adapter from PMSConfig (§4.4's timeout/retry
// classification).
func NewPMSClient(cfg config.PMSConfig) (*PMSClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("pms base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("pms api key is required")
	}
	return &PMSClient{
		httpClient:   &http.Client{},
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		readRetries:  cfg.ReadRetries,
	}, nil
}

func (c *PMSClient) GetListingDetail(ctx context.Context, listingID string) (*ListingDetail, error) {
	var out ListingDetail
	if err := c.doRead(ctx, http.MethodGet, fmt.Sprintf("/listings/%s", listingID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *PMSClient) CalculatePrice(ctx context.Context, req CalculatePriceRequest) (*PriceQuote, error) {
	var out PriceQuote
	if err := c.doRead(ctx, http.MethodPost, "/pricing/calculate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *PMSClient) GetCalendar(ctx context.Context, listingID string) ([]CalendarDay, error) {
	var out []CalendarDay
	if err := c.doRead(ctx, http.MethodGet, fmt.Sprintf("/listings/%s/calendar", listingID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PMSClient) SearchListings(ctx context.Context, query string) ([]ListingSummary, error) {
	var out []ListingSummary
	path := "/listings/search"
	if query != "" {
		path += "?q=" + strings.TrimSpace(query)
	}
	if err := c.doRead(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateReservation is a transactional write: 30s timeout, no retries. A
// retried create would double-book since the PMS offers no idempotency
// key (§4.4 rationale).
func (c *PMSClient) CreateReservation(ctx context.Context, req CreateReservationRequest) (*Reservation, error) {
	var out Reservation
	if err := c.doWrite(ctx, http.MethodPost, "/reservations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *PMSClient) UpdateReservation(ctx context.Context, reservationID string, patch map[string]any) (*Reservation, error) {
	var out Reservation
	if err := c.doWrite(ctx, http.MethodPatch, fmt.Sprintf("/reservations/%s", reservationID), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelReservation returns every PMS error as is; its callers (hold expiry,
// cancel) treat a PMS client error, such as NOT_FOUND for an already-canceled
// reservation, as success.
func (c *PMSClient) CancelReservation(ctx context.Context, reservationID string) error {
	return c.doWrite(ctx, http.MethodPost, fmt.Sprintf("/reservations/%s/cancel", reservationID), nil, nil)
}

func (c *PMSClient) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	var out Reservation
	if err := c.doRead(ctx, http.MethodGet, fmt.Sprintf("/reservations/%s", reservationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterPayment replays safely: the PMS treats Reference as a dedup key.
func (c *PMSClient) RegisterPayment(ctx context.Context, reservationID string, req RegisterPaymentRequest) error {
	return c.doWrite(ctx, http.MethodPost, fmt.Sprintf("/reservations/%s/payments", reservationID), req, nil)
}

// doRead executes a cacheable read: 8s timeout, up to 2 retries with
// exponential backoff (1s, 2s). Only 5xx/timeout retries; 4xx never does.
func (c *PMSClient) doRead(ctx context.Context, method, path string, body, out interface{}) error {
	backoff := pmsBackoffBase
	var lastErr error
	for attempt := 0; attempt <= c.readRetries; attempt++ {
		err := c.do(ctx, method, path, body, out, c.readTimeout)
		if err == nil {
			return nil
		}
		lastErr = err
		apiErr := pkgerrors.As(err)
		if apiErr == nil || apiErr.Code() == pkgerrors.CodePMSClientError {
			return err
		}
		if attempt == c.readRetries {
			break
		}
		if sleepErr := sleepWithContext(ctx, withPMSJitter(backoff)); sleepErr != nil {
			return sleepErr
		}
		backoff = nextPMSBackoff(backoff)
	}
	return lastErr
}

// doWrite executes a transactional write: 30s timeout, never retried.
func (c *PMSClient) doWrite(ctx context.Context, method, path string, body, out interface{}) error {
	return c.do(ctx, method, path, body, out, c.writeTimeout)
}

func (c *PMSClient) do(ctx context.Context, method, path string, body, out interface{}, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal pms request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build pms request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() != nil {
			return pkgerrors.Wrap(pkgerrors.CodePMSTimeout, err, "pms request timed out")
		}
		return pkgerrors.Wrap(pkgerrors.CodePMSServerError, err, "pms request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, pmsMaxResponseBytes))
		detail := strings.TrimSpace(string(msg))
		if resp.StatusCode < http.StatusInternalServerError {
			return pkgerrors.New(pkgerrors.CodePMSClientError, fmt.Sprintf("pms rejected request: %s", detail)).
				WithDetails(map[string]any{"status": resp.StatusCode})
		}
		return pkgerrors.New(pkgerrors.CodePMSServerError, fmt.Sprintf("pms server error: %s", detail)).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode pms response")
	}
	return nil
}

var pmsJitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

func nextPMSBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > pmsBackoffMax {
		return pmsBackoffMax
	}
	return next
}

func withPMSJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(pmsJitterSource.Int63n(int64(250 * time.Millisecond)))
	return d + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
