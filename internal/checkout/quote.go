package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// quoteHash computes the canonical, ordered hash a Locked Quote carries and
// that createHold/createPaymentIntent re-derive to detect tampering.
func quoteHash(listingID, checkIn, checkOut string, adults, children, infants int, couponCode string) string {
	canonical := fmt.Sprintf("%s|%s|%s|%d|%d|%d|%s", listingID, checkIn, checkOut, adults, children, infants, couponCode)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// quoteHashForCheckout re-derives the hash from a checkout's immutable
// booking inputs, the form used for re-validation.
func quoteHashForCheckout(c *Checkout) string {
	coupon := ""
	if c.CouponCode != nil {
		coupon = *c.CouponCode
	}
	return quoteHash(c.ListingID, c.CheckInDate(), c.CheckOutDate(), c.Guests.Adults, c.Guests.Children, c.Guests.Infants, coupon)
}
