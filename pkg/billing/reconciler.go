package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/psicoid/billing/pkg/billing/internal"
	"github.com/psicoid/billing/pkg/subscription"
)

// Reconciler turns verified provider events and checkout confirmations into
// local subscription and transaction state.
type Reconciler struct {
	provider    Provider
	store       subscription.Storage
	plans       *PlanMapper
	mailer      Mailer
	logger      subscription.Logger
	metrics     Metrics
	rateLimiter *internal.RateLimiter
	currency    string
	now         func() time.Time
	newID       func() string
}

// NewReconciler creates a reconciler. Provider and Storage are required.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Provider == nil || cfg.Storage == nil {
		return nil, ErrProviderNotConfigured
	}

	r := &Reconciler{
		provider: cfg.Provider,
		store:    cfg.Storage,
		plans:    NewPlanMapper(cfg.PlanMapping),
		mailer:   cfg.Mailer,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		currency: cfg.Currency,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
	if r.mailer == nil {
		r.mailer = NoopMailer{}
	}
	if r.logger == nil {
		r.logger = &subscription.NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.NewString() }
	}

	limit, window := cfg.WebhookRateLimit, cfg.WebhookRateWindow
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	r.rateLimiter = internal.NewRateLimiter(limit, window).TrustProxy(cfg.TrustProxyHeaders)

	return r, nil
}

// Plans exposes the price-to-plan mapping.
func (r *Reconciler) Plans() *PlanMapper {
	return r.plans
}

// HandleWebhook verifies a raw delivery and applies it. The verified event is
// returned whenever signature verification succeeded, even if applying it failed.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrMissingSignature
	}
	event, err := r.provider.VerifyEvent(payload, signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", subscription.ErrSignatureInvalid, err)
	}
	return event, r.apply(ctx, event)
}

func (r *Reconciler) apply(ctx context.Context, event *Event) error {
	switch event.Type {
	case EventCheckoutSessionCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed:
		return r.handleSubscriptionChanged(ctx, event)
	default:
		r.logger.Debug("ignoring webhook event",
			subscription.F("event_id", event.ID),
			subscription.F("event_type", event.Type),
		)
		return nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *Event) error {
	session, err := r.provider.DecodeCheckoutSession(event.Data)
	if err != nil {
		return fmt.Errorf("%w: checkout session: %v", subscription.ErrValidation, err)
	}

	switch session.Mode {
	case CheckoutModeSubscription:
		_, _, err := r.ConfirmSession(ctx, session.ID, "", event.Created)
		return err
	case CheckoutModePayment:
		return r.appendPayment(ctx, session, event)
	default:
		r.logger.Debug("ignoring checkout session",
			subscription.F("session_id", session.ID),
			subscription.F("mode", string(session.Mode)),
		)
		return nil
	}
}

// ConfirmSession creates the local subscription for a completed checkout.
// The session is re-read from the provider and enriched with the subscription,
// payment method, product and price before a single insert.
//
// When expectedUserID is set, the session must belong to that user. at is
// recorded as the row's creation and last-event time. The returned bool is
// false when the subscription already existed.
func (r *Reconciler) ConfirmSession(ctx context.Context, sessionID, expectedUserID string, at time.Time) (*subscription.Subscription, bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, false, fmt.Errorf("%w: session id is required", subscription.ErrValidation)
	}

	session, err := r.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, false, upstream(err, "checkout session")
	}
	raw := sessionMetadata(session)
	// Ownership is checked before anything that describes the session.
	if expectedUserID != "" && raw[subscription.KeyUserID] != expectedUserID {
		return nil, false, fmt.Errorf("%w: session belongs to another user", subscription.ErrAuthorizationDenied)
	}
	if session.Mode != CheckoutModeSubscription {
		return nil, false, fmt.Errorf("%w: session %s is not a subscription checkout", subscription.ErrValidation, session.ID)
	}

	meta, err := subscription.ParseMetadata(subscription.MetadataSubscription, raw)
	if err != nil {
		return nil, false, err
	}
	userID := meta.UserID()
	if expectedUserID != "" && userID != expectedUserID {
		return nil, false, fmt.Errorf("%w: session belongs to another user", subscription.ErrAuthorizationDenied)
	}
	if !session.Paid() {
		return nil, false, ErrCheckoutIncomplete
	}
	if session.SubscriptionID == "" {
		return nil, false, fmt.Errorf("%w: completed session %s has no subscription", subscription.ErrInconsistent, session.ID)
	}

	existing, err := r.store.GetSubscriptionByUserID(ctx, userID)
	switch {
	case err == nil && existing.SubscriptionID == session.SubscriptionID:
		return existing, false, nil
	case err == nil && !existing.Status.Terminal():
		return nil, false, fmt.Errorf("%w: user %s has subscription %s", ErrAlreadySubscribed, userID, existing.SubscriptionID)
	case err != nil && !errors.Is(err, subscription.ErrNotFound):
		return nil, false, fmt.Errorf("failed to load subscription: %w", err)
	case err != nil:
		existing = nil
	}

	sub, err := r.enrich(ctx, session, meta, at)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		err = r.store.ReplaceSubscription(ctx, sub)
	} else {
		err = r.store.CreateSubscription(ctx, sub)
	}
	if errors.Is(err, subscription.ErrAlreadyExists) {
		// A concurrent delivery of the same checkout won the insert.
		if cur, gerr := r.store.GetSubscriptionByUserID(ctx, userID); gerr == nil && cur.SubscriptionID == session.SubscriptionID {
			return cur, false, nil
		}
		return nil, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to store subscription: %w", err)
	}

	r.metrics.RecordSubscriptionCreated(r.provider.Name(), sub.Plan)
	r.logger.Info("subscription created",
		subscription.F("user_id", userID),
		subscription.F("subscription_id", sub.SubscriptionID),
		subscription.F("plan", sub.Plan),
		subscription.F("status", string(sub.Status)),
	)

	r.sendWelcome(ctx, session, sub)
	return sub, true, nil
}

// enrich performs the sequential provider lookups for a new subscription row.
func (r *Reconciler) enrich(ctx context.Context, session *CheckoutSession, meta subscription.Metadata, at time.Time) (*subscription.Subscription, error) {
	ps, err := r.provider.GetSubscription(ctx, session.SubscriptionID)
	if err != nil {
		return nil, upstream(err, "subscription")
	}

	var card subscription.PaymentMethod
	if ps.DefaultPaymentMethodID != "" {
		pm, err := r.provider.GetPaymentMethod(ctx, ps.DefaultPaymentMethodID)
		if err != nil {
			return nil, upstream(err, "payment method")
		}
		card = subscription.PaymentMethod{Brand: pm.Brand, Last4: pm.Last4}
	}

	var planName string
	if ps.ProductID != "" {
		product, err := r.provider.GetProduct(ctx, ps.ProductID)
		if err != nil {
			return nil, upstream(err, "product")
		}
		planName = product.Name
	}

	amount, currency := ps.UnitAmount, ps.Currency
	if ps.PriceID != "" {
		price, err := r.provider.GetPrice(ctx, ps.PriceID)
		if err != nil {
			return nil, upstream(err, "price")
		}
		if price.UnitAmount > 0 {
			amount = price.UnitAmount
		}
		if price.Currency != "" {
			currency = price.Currency
		}
	}

	plan := r.plans.Plan(ps.PriceID)
	if plan == "" && meta.Subscription != nil && meta.Subscription.Plan != "" {
		plan = strings.ToLower(meta.Subscription.Plan)
	}
	if plan == "" {
		plan = r.plans.PlanOrDefault(ps.PriceID)
		r.logger.Warn("price not mapped to a plan",
			subscription.F("price_id", ps.PriceID),
			subscription.F("plan", plan),
		)
	}

	quantity := ps.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	customerID := ps.CustomerID
	if customerID == "" {
		customerID = session.CustomerID
	}

	at = at.UTC()
	return &subscription.Subscription{
		ID:             r.newID(),
		UserID:         meta.UserID(),
		CustomerID:     customerID,
		SubscriptionID: ps.ID,
		Status:         ps.Status,
		Plan:           plan,
		PlanName:       planName,
		RenewsAt:       utc(ps.CurrentPeriodEnd),
		TrialEnd:       utc(ps.TrialEnd),
		CancelAt:       utc(ps.CancelAt),
		CanceledAt:     utc(ps.CanceledAt),
		EndedAt:        utc(ps.EndedAt),
		PriceAmount:    amount,
		Currency:       strings.ToLower(currency),
		Quantity:       quantity,
		PaymentMethod:  card,
		Metadata:       meta,
		LastEventAt:    &at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}, nil
}

func (r *Reconciler) sendWelcome(ctx context.Context, session *CheckoutSession, sub *subscription.Subscription) {
	if session.CustomerEmail == "" {
		r.logger.Warn("no customer email for welcome message",
			subscription.F("user_id", sub.UserID),
			subscription.F("session_id", session.ID),
		)
		return
	}
	planName := sub.PlanName
	if planName == "" {
		planName = sub.Plan
	}
	err := r.mailer.SendWelcome(ctx, WelcomeEmail{
		To:       session.CustomerEmail,
		Name:     session.CustomerName,
		PlanName: planName,
		RenewsAt: sub.RenewsAt,
	})
	if err != nil {
		r.logger.Error("failed to send welcome email",
			subscription.F("user_id", sub.UserID),
			subscription.F("error", err),
		)
	}
}

func (r *Reconciler) handleSubscriptionChanged(ctx context.Context, event *Event) error {
	ps, err := r.provider.DecodeSubscription(event.Data)
	if err != nil {
		return fmt.Errorf("%w: subscription: %v", subscription.ErrValidation, err)
	}
	if ps.ID == "" {
		return fmt.Errorf("%w: subscription event without id", subscription.ErrValidation)
	}

	status := ps.Status
	if status == "" {
		if event.Type != EventSubscriptionDeleted {
			return fmt.Errorf("%w: subscription %s without status", subscription.ErrValidation, ps.ID)
		}
		status = subscription.StatusCanceled
	}

	// Ownership is never taken from event metadata; the row is located by the
	// external id recorded at checkout.
	upd := &subscription.SubscriptionUpdate{
		SubscriptionID: ps.ID,
		CustomerID:     ps.CustomerID,
		Status:         status,
		RenewsAt:       utc(ps.CurrentPeriodEnd),
		TrialEnd:       utc(ps.TrialEnd),
		CancelAt:       utc(ps.CancelAt),
		CanceledAt:     utc(ps.CanceledAt),
		EndedAt:        utc(ps.EndedAt),
		Quantity:       ps.Quantity,
		PriceAmount:    ps.UnitAmount,
		Plan:           r.plans.Plan(ps.PriceID),
		EventAt:        event.Created,
	}

	res, err := r.store.ApplySubscriptionUpdate(ctx, upd)
	if errors.Is(err, subscription.ErrNotFound) {
		r.logger.Error("subscription event for unknown subscription",
			subscription.F("event_id", event.ID),
			subscription.F("event_type", event.Type),
			subscription.F("subscription_id", ps.ID),
		)
		return fmt.Errorf("%w: no local subscription %s for %s", subscription.ErrInconsistent, ps.ID, event.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to apply subscription update: %w", err)
	}

	if !res.Applied {
		r.logger.Info("skipping stale subscription event",
			subscription.F("event_id", event.ID),
			subscription.F("subscription_id", ps.ID),
		)
		return nil
	}
	if res.PreviousStatus != status {
		r.metrics.RecordStatusTransition(r.provider.Name(), string(res.PreviousStatus), string(status))
		r.logger.Info("subscription status changed",
			subscription.F("user_id", res.Subscription.UserID),
			subscription.F("subscription_id", ps.ID),
			subscription.F("from", string(res.PreviousStatus)),
			subscription.F("to", string(status)),
		)
	}
	return nil
}

// appendPayment records a completed one-off payment in the ledger. The
// checkout session id deduplicates redeliveries.
func (r *Reconciler) appendPayment(ctx context.Context, session *CheckoutSession, event *Event) error {
	meta, err := subscription.ParseMetadata(subscription.MetadataPayment, sessionMetadata(session))
	if err != nil {
		return err
	}

	method := "unknown"
	if len(session.PaymentMethodTypes) > 0 {
		method = session.PaymentMethodTypes[0]
	}

	tx := &subscription.Transaction{
		ID:              r.newID(),
		UserID:          meta.UserID(),
		Amount:          meta.Payment.Amount,
		Currency:        strings.ToLower(session.Currency),
		EventID:         session.ID,
		Payload:         append([]byte(nil), event.Data...),
		PaymentMethod:   method,
		Status:          session.PaymentStatus,
		TransactionType: subscription.TransactionTypePayment,
		Metadata:        meta,
		CreatedAt:       event.Created.UTC(),
	}

	created, err := r.store.AppendTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	result := "created"
	if !created {
		result = "duplicate"
	}
	r.metrics.RecordTransactionAppended(r.provider.Name(), result)
	r.logger.Info("payment recorded",
		subscription.F("user_id", tx.UserID),
		subscription.F("session_id", session.ID),
		subscription.F("amount", tx.Amount),
		subscription.F("result", result),
	)
	return nil
}

// sessionMetadata returns the session metadata, falling back to the client
// reference id for the owning user.
func sessionMetadata(session *CheckoutSession) map[string]string {
	out := make(map[string]string, len(session.Metadata)+1)
	for k, v := range session.Metadata {
		out[k] = v
	}
	if out[subscription.KeyUserID] == "" && session.ClientReferenceID != "" {
		out[subscription.KeyUserID] = session.ClientReferenceID
	}
	return out
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// WebhookHandler returns the HTTP handler for provider deliveries, rate
// limited per client IP.
func (r *Reconciler) WebhookHandler() http.Handler {
	return r.rateLimiter.Middleware(http.HandlerFunc(r.handleWebhook))
}
