package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/psicoid/billing/pkg/billing"
	"github.com/psicoid/billing/pkg/subscription"
)

var errCustomerNotFound = errors.New("customer not found")

// CreateSubscriptionCheckout creates a subscription-mode Checkout Session.
// The metadata is attached to both the session and the subscription so
// webhook handlers can attribute either object.
func (p *Provider) CreateSubscriptionCheckout(ctx context.Context, in billing.SubscriptionCheckoutParams) (*billing.CheckoutLink, error) {
	start := time.Now()

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(in.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		Metadata:   in.Metadata,
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	for k, v := range in.Metadata {
		params.SubscriptionData.AddMetadata(k, v)
	}

	if err := p.attachCustomer(ctx, params, in.CustomerID, in.Email, in.Metadata[subscription.KeyUserID]); err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return nil, err
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	p.observe("/checkout/sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &billing.CheckoutLink{SessionID: session.ID, URL: session.URL}, nil
}

// CreatePaymentCheckout creates a payment-mode Checkout Session for a
// one-off amount.
func (p *Provider) CreatePaymentCheckout(ctx context.Context, in billing.PaymentCheckoutParams) (*billing.CheckoutLink, error) {
	start := time.Now()

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(in.Currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(in.Description),
					},
					UnitAmount: stripe.Int64(in.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		Metadata:   in.Metadata,
	}

	if err := p.attachCustomer(ctx, params, in.CustomerID, in.Email, in.Metadata[subscription.KeyUserID]); err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return nil, err
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	p.observe("/checkout/sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &billing.CheckoutLink{SessionID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession creates a Customer Portal session and returns its URL.
func (p *Provider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	start := time.Now()
	session, err := p.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	p.observe("/billing_portal/sessions", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return session.URL, nil
}

// attachCustomer reuses a known or searchable customer, otherwise lets
// Checkout create one linked to the user through the client reference id.
// Search failures abort the checkout rather than risk a duplicate customer.
func (p *Provider) attachCustomer(ctx context.Context, params *stripe.CheckoutSessionCreateParams, customerID, email, userID string) error {
	if customerID == "" && email != "" {
		found, err := p.searchCustomerByEmail(ctx, email)
		switch {
		case err == nil:
			customerID = found
		case !errors.Is(err, errCustomerNotFound):
			return fmt.Errorf("failed to resolve customer: %w", err)
		}
	}

	if customerID != "" {
		params.Customer = stripe.String(customerID)
		return nil
	}
	if userID != "" {
		params.ClientReferenceID = stripe.String(userID)
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if stripe.StringValue(params.Mode) == string(stripe.CheckoutSessionModePayment) {
		params.CustomerCreation = stripe.String("always")
	}
	return nil
}

// searchCustomerByEmail finds an existing customer using the Search API.
func (p *Provider) searchCustomerByEmail(ctx context.Context, email string) (string, error) {
	start := time.Now()
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("email:'%s'", strings.ReplaceAll(email, "'", `\'`))

	for cust, err := range p.client.V1Customers.Search(ctx, params) {
		if err != nil {
			p.observe("/customers/search", start, err)
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Search can match loosely; require an exact address.
		if strings.EqualFold(cust.Email, email) {
			p.observe("/customers/search", start, nil)
			return cust.ID, nil
		}
	}
	p.observe("/customers/search", start, nil)
	return "", errCustomerNotFound
}
