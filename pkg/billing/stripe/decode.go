package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/psicoid/billing/pkg/billing"
	"github.com/psicoid/billing/pkg/subscription"
)

// expandableID is a Stripe reference that is either an id string or an
// expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type customerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type checkoutSessionPayload struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Mode               string            `json:"mode"`
	Status             string            `json:"status"`
	PaymentStatus      string            `json:"payment_status"`
	Customer           expandableID      `json:"customer"`
	CustomerEmail      string            `json:"customer_email"`
	CustomerDetails    *customerDetails  `json:"customer_details"`
	Subscription       expandableID      `json:"subscription"`
	ClientReferenceID  string            `json:"client_reference_id"`
	AmountTotal        int64             `json:"amount_total"`
	Currency           string            `json:"currency"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	Metadata           map[string]string `json:"metadata"`
	URL                string            `json:"url"`
}

type subscriptionItemPayload struct {
	Quantity         int64           `json:"quantity"`
	CurrentPeriodEnd json.RawMessage `json:"current_period_end"`
	Price            *struct {
		ID         string       `json:"id"`
		UnitAmount int64        `json:"unit_amount"`
		Currency   string       `json:"currency"`
		Product    expandableID `json:"product"`
	} `json:"price"`
}

type subscriptionPayload struct {
	ID                   string          `json:"id"`
	Object               string          `json:"object"`
	Customer             expandableID    `json:"customer"`
	Status               string          `json:"status"`
	CurrentPeriodEnd     json.RawMessage `json:"current_period_end"`
	TrialEnd             json.RawMessage `json:"trial_end"`
	CancelAt             json.RawMessage `json:"cancel_at"`
	CanceledAt           json.RawMessage `json:"canceled_at"`
	EndedAt              json.RawMessage `json:"ended_at"`
	DefaultPaymentMethod expandableID    `json:"default_payment_method"`
	Items                *struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

var errWrongObject = errors.New("unexpected object type")

// DecodeCheckoutSession decodes a checkout.session event object.
func (v *Verifier) DecodeCheckoutSession(data json.RawMessage) (*billing.CheckoutSession, error) {
	var p checkoutSessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	if p.Object != "" && p.Object != "checkout.session" {
		return nil, fmt.Errorf("%w: %s", errWrongObject, p.Object)
	}
	if p.ID == "" {
		return nil, errors.New("checkout session without id")
	}

	s := &billing.CheckoutSession{
		ID:                 p.ID,
		Mode:               billing.CheckoutMode(p.Mode),
		Status:             p.Status,
		PaymentStatus:      p.PaymentStatus,
		CustomerID:         string(p.Customer),
		CustomerEmail:      p.CustomerEmail,
		SubscriptionID:     string(p.Subscription),
		ClientReferenceID:  p.ClientReferenceID,
		AmountTotal:        p.AmountTotal,
		Currency:           p.Currency,
		PaymentMethodTypes: p.PaymentMethodTypes,
		Metadata:           p.Metadata,
		URL:                p.URL,
	}
	if d := p.CustomerDetails; d != nil {
		if d.Email != "" {
			s.CustomerEmail = d.Email
		}
		s.CustomerName = d.Name
	}
	return s, nil
}

// DecodeSubscription decodes a subscription event object. The renewal date
// is read from the subscription and, on newer API versions, from its first item.
func (v *Verifier) DecodeSubscription(data json.RawMessage) (*billing.ProviderSubscription, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if p.Object != "" && p.Object != "subscription" {
		return nil, fmt.Errorf("%w: %s", errWrongObject, p.Object)
	}

	s := &billing.ProviderSubscription{
		ID:                     p.ID,
		CustomerID:             string(p.Customer),
		Status:                 subscription.Status(p.Status),
		CurrentPeriodEnd:       subscription.EpochTime(p.CurrentPeriodEnd),
		TrialEnd:               subscription.EpochTime(p.TrialEnd),
		CancelAt:               subscription.EpochTime(p.CancelAt),
		CanceledAt:             subscription.EpochTime(p.CanceledAt),
		EndedAt:                subscription.EpochTime(p.EndedAt),
		DefaultPaymentMethodID: string(p.DefaultPaymentMethod),
		Metadata:               p.Metadata,
	}

	if p.Items != nil && len(p.Items.Data) > 0 {
		item := p.Items.Data[0]
		s.Quantity = item.Quantity
		if s.CurrentPeriodEnd == nil {
			s.CurrentPeriodEnd = subscription.EpochTime(item.CurrentPeriodEnd)
		}
		if item.Price != nil {
			s.PriceID = item.Price.ID
			s.UnitAmount = item.Price.UnitAmount
			s.Currency = item.Price.Currency
			s.ProductID = string(item.Price.Product)
		}
	}
	return s, nil
}
