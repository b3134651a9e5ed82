package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/psicoid/billing/pkg/billing"
	"github.com/psicoid/billing/pkg/subscription"
)

// GetCheckoutSession retrieves a checkout session.
func (p *Provider) GetCheckoutSession(ctx context.Context, id string) (*billing.CheckoutSession, error) {
	start := time.Now()
	s, err := p.client.V1CheckoutSessions.Retrieve(ctx, id, nil)
	p.observe("/checkout/sessions/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve checkout session %s: %w", id, err)
	}
	return convertCheckoutSession(s), nil
}

// GetSubscription retrieves a subscription.
func (p *Provider) GetSubscription(ctx context.Context, id string) (*billing.ProviderSubscription, error) {
	start := time.Now()
	s, err := p.client.V1Subscriptions.Retrieve(ctx, id, nil)
	p.observe("/subscriptions/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", id, err)
	}
	return convertSubscription(s), nil
}

// GetPaymentMethod retrieves a payment method.
func (p *Provider) GetPaymentMethod(ctx context.Context, id string) (*billing.PaymentMethod, error) {
	start := time.Now()
	pm, err := p.client.V1PaymentMethods.Retrieve(ctx, id, nil)
	p.observe("/payment_methods/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve payment method %s: %w", id, err)
	}
	out := &billing.PaymentMethod{ID: pm.ID}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
	}
	return out, nil
}

// GetProduct retrieves a product.
func (p *Provider) GetProduct(ctx context.Context, id string) (*billing.Product, error) {
	start := time.Now()
	prod, err := p.client.V1Products.Retrieve(ctx, id, nil)
	p.observe("/products/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve product %s: %w", id, err)
	}
	return &billing.Product{ID: prod.ID, Name: prod.Name}, nil
}

// GetPrice retrieves a price.
func (p *Provider) GetPrice(ctx context.Context, id string) (*billing.Price, error) {
	start := time.Now()
	price, err := p.client.V1Prices.Retrieve(ctx, id, nil)
	p.observe("/prices/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve price %s: %w", id, err)
	}
	out := &billing.Price{
		ID:         price.ID,
		UnitAmount: price.UnitAmount,
		Currency:   string(price.Currency),
	}
	if price.Product != nil {
		out.ProductID = price.Product.ID
	}
	return out, nil
}

func convertCheckoutSession(s *stripe.CheckoutSession) *billing.CheckoutSession {
	out := &billing.CheckoutSession{
		ID:                 s.ID,
		Mode:               billing.CheckoutMode(s.Mode),
		Status:             string(s.Status),
		PaymentStatus:      string(s.PaymentStatus),
		CustomerEmail:      s.CustomerEmail,
		ClientReferenceID:  s.ClientReferenceID,
		AmountTotal:        s.AmountTotal,
		Currency:           string(s.Currency),
		PaymentMethodTypes: s.PaymentMethodTypes,
		Metadata:           s.Metadata,
		URL:                s.URL,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if d := s.CustomerDetails; d != nil {
		if d.Email != "" {
			out.CustomerEmail = d.Email
		}
		out.CustomerName = d.Name
	}
	return out
}

func convertSubscription(s *stripe.Subscription) *billing.ProviderSubscription {
	out := &billing.ProviderSubscription{
		ID:         s.ID,
		Status:     subscription.Status(s.Status),
		TrialEnd:   subscription.EpochSeconds(s.TrialEnd),
		CancelAt:   subscription.EpochSeconds(s.CancelAt),
		CanceledAt: subscription.EpochSeconds(s.CanceledAt),
		EndedAt:    subscription.EpochSeconds(s.EndedAt),
		Metadata:   s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.DefaultPaymentMethod != nil {
		out.DefaultPaymentMethodID = s.DefaultPaymentMethod.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.Quantity = item.Quantity
		out.CurrentPeriodEnd = subscription.EpochSeconds(item.CurrentPeriodEnd)
		if item.Price != nil {
			out.PriceID = item.Price.ID
			out.UnitAmount = item.Price.UnitAmount
			out.Currency = string(item.Price.Currency)
			if item.Price.Product != nil {
				out.ProductID = item.Price.Product.ID
			}
		}
	}
	return out
}
