package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/psicoid/billing/pkg/auth"
	"github.com/psicoid/billing/pkg/subscription"
)

// DefaultCurrency is used for payment checkouts when none is configured.
const DefaultCurrency = "brl"

var validate = validator.New(validator.WithRequiredStructEnabled())

// CheckoutRequest starts a subscription checkout.
type CheckoutRequest struct {
	Plan       string `json:"plan" validate:"required,max=64"`
	SuccessURL string `json:"successUrl" validate:"required,url"`
	CancelURL  string `json:"cancelUrl" validate:"required,url"`
}

// PaymentRequest starts a one-off patient payment checkout.
// Amount is in minor currency units.
type PaymentRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0,lte=100000000"`
	PatientID   string `json:"patientId" validate:"omitempty,max=128"`
	Description string `json:"description" validate:"required,max=500"`
	SuccessURL  string `json:"successUrl" validate:"required,url"`
	CancelURL   string `json:"cancelUrl" validate:"required,url"`
}

// Service is the caller-facing billing API. Every operation takes the
// authenticated caller explicitly and acts only on the caller's own records.
type Service struct {
	rec      *Reconciler
	currency string
}

// NewService wraps a reconciler. An empty currency falls back to the
// reconciler's Config.Currency, then to DefaultCurrency.
func NewService(rec *Reconciler, currency string) *Service {
	if strings.TrimSpace(currency) == "" {
		currency = rec.currency
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Service{rec: rec, currency: currency}
}

// Reconciler returns the underlying reconciler.
func (s *Service) Reconciler() *Reconciler {
	return s.rec
}

// StartCheckout creates a subscription checkout for the caller.
func (s *Service) StartCheckout(ctx context.Context, caller auth.Caller, req CheckoutRequest) (*CheckoutLink, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", subscription.ErrValidation, err)
	}

	plan := strings.ToLower(strings.TrimSpace(req.Plan))
	priceID, ok := s.rec.plans.PriceFor(plan)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotConfigured, plan)
	}

	existing, err := s.rec.store.GetSubscriptionByUserID(ctx, caller.UserID)
	if err != nil && !errors.Is(err, subscription.ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	var customerID string
	if existing != nil {
		if !existing.Status.Terminal() {
			return nil, ErrAlreadySubscribed
		}
		customerID = existing.CustomerID
	}

	meta := subscription.Metadata{
		Kind:         subscription.MetadataSubscription,
		Subscription: &subscription.SubscriptionMetadata{UserID: caller.UserID, Plan: plan},
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	link, err := s.rec.provider.CreateSubscriptionCheckout(ctx, SubscriptionCheckoutParams{
		CustomerID: customerID,
		Email:      caller.Email,
		PriceID:    priceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata:   meta.Map(),
	})
	if err != nil {
		return nil, upstream(err, "create checkout")
	}

	s.rec.logger.Info("subscription checkout started",
		subscription.F("user_id", caller.UserID),
		subscription.F("plan", plan),
		subscription.F("session_id", link.SessionID),
	)
	return link, nil
}

// StartPaymentCheckout creates a one-off payment checkout. The caller is
// recorded as the owner of the resulting ledger entry.
func (s *Service) StartPaymentCheckout(ctx context.Context, caller auth.Caller, req PaymentRequest) (*CheckoutLink, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", subscription.ErrValidation, err)
	}

	meta := subscription.Metadata{
		Kind: subscription.MetadataPayment,
		Payment: &subscription.PaymentMetadata{
			UserID:      caller.UserID,
			Amount:      strconv.FormatInt(req.Amount, 10),
			PatientID:   req.PatientID,
			Description: req.Description,
		},
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	var customerID string
	if existing, err := s.rec.store.GetSubscriptionByUserID(ctx, caller.UserID); err == nil {
		customerID = existing.CustomerID
	}

	link, err := s.rec.provider.CreatePaymentCheckout(ctx, PaymentCheckoutParams{
		CustomerID:  customerID,
		Email:       caller.Email,
		Amount:      req.Amount,
		Currency:    s.currency,
		Description: req.Description,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		Metadata:    meta.Map(),
	})
	if err != nil {
		return nil, upstream(err, "create payment checkout")
	}
	return link, nil
}

// ConfirmCheckout creates the caller's subscription from a completed
// checkout session without waiting for the webhook. Calling it again for the
// same session returns the existing subscription.
func (s *Service) ConfirmCheckout(ctx context.Context, caller auth.Caller, sessionID string) (*subscription.Subscription, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	sub, _, err := s.rec.ConfirmSession(ctx, sessionID, caller.UserID, s.rec.now())
	return sub, err
}

// OpenPortal returns a customer portal URL for the caller.
func (s *Service) OpenPortal(ctx context.Context, caller auth.Caller, returnURL string) (string, error) {
	if err := caller.Validate(); err != nil {
		return "", err
	}
	if err := validate.Var(returnURL, "required,url"); err != nil {
		return "", fmt.Errorf("%w: return url: %v", subscription.ErrValidation, err)
	}

	sub, err := s.rec.store.GetSubscriptionByUserID(ctx, caller.UserID)
	if errors.Is(err, subscription.ErrNotFound) {
		return "", ErrNoCustomer
	}
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.CustomerID == "" {
		return "", ErrNoCustomer
	}

	url, err := s.rec.provider.CreatePortalSession(ctx, sub.CustomerID, returnURL)
	if err != nil {
		return "", upstream(err, "portal session")
	}
	return url, nil
}

// GetSubscription returns the caller's subscription.
func (s *Service) GetSubscription(ctx context.Context, caller auth.Caller) (*subscription.Subscription, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	sub, err := s.rec.store.GetSubscriptionByUserID(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if !caller.Owns(sub.UserID) {
		return nil, subscription.ErrAuthorizationDenied
	}
	return sub, nil
}

// ListTransactions returns the caller's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, caller auth.Caller, limit int) ([]*subscription.Transaction, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.rec.store.ListTransactions(ctx, caller.UserID, limit)
}
