package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeFinalizer settles trip fares through Stripe PaymentIntents.
// Completion captures the full fare; cancellation charges any
// cancellation fee and releases the rest. It implements the machine's
// FareFinalizer hook.
type StripeFinalizer struct {
	Currency string
}

// NewStripeFinalizer initializes the stripe client with the
// STRIPE_API_KEY env var.
func NewStripeFinalizer(currency string) *StripeFinalizer {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	if currency == "" {
		currency = "inr"
	}
	return &StripeFinalizer{Currency: currency}
}

// Finalize charges the completed trip's total fare.
func (s *StripeFinalizer) Finalize(ctx context.Context, t *models.Trip) error {
	return s.charge(t.RiderID, t.Fare.Total)
}

// Release is called on cancellation; a non-zero cancellation fee is
// still charged.
func (s *StripeFinalizer) Release(ctx context.Context, t *models.Trip) error {
	if t.CancellationFee <= 0 {
		return nil
	}
	return s.charge(t.RiderID, t.CancellationFee)
}

func (s *StripeFinalizer) charge(customerID string, amount float64) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(amount)),
		Currency: stripe.String(s.Currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.Confirm = stripe.Bool(true)
	_, err := paymentintent.New(params)
	return err
}

func toMinorUnits(amount float64) int64 {
	return int64(amount*100 + 0.5)
}
