package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Escrow is the fare-share flow as the API layer sees it: place a hold
// when a driver accepts a rider, capture it after the ride, release it when
// the ride is unpublished.
type Escrow interface {
	HoldShare(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
	CaptureShare(ctx context.Context, paymentIntentID string) error
	ReleaseShare(ctx context.Context, paymentIntentID string) error
}

// StripeClient implements Escrow on manual-capture PaymentIntents.
type StripeClient struct{}

func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// HoldShare places a manual-capture PaymentIntent for the rider's share of
// the ride cost and returns its id.
func (s *StripeClient) HoldShare(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// CaptureShare finalizes a previously-held share.
func (s *StripeClient) CaptureShare(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// ReleaseShare cancels the hold without charging the rider.
func (s *StripeClient) ReleaseShare(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
