package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/psicoid/billing/pkg/billing"
	"github.com/psicoid/billing/pkg/billing/stripe"
	"github.com/psicoid/billing/pkg/subscription"
	"github.com/psicoid/billing/storage/memory"
)

const (
	testSecret   = "whsec_billing_test"
	testUserID   = "user_1"
	testSubID    = "sub_123"
	testSession  = "cs_sub_1"
	testPriceID  = "price_pro"
	testRenewsAt = int64(1893456000) // 2030-01-01T00:00:00Z
)

var errGatewayDown = errors.New("gateway down")

// fakeProvider verifies real Stripe signatures and serves API lookups from maps.
type fakeProvider struct {
	*stripe.Verifier

	mu        sync.Mutex
	sessions  map[string]*billing.CheckoutSession
	subs      map[string]*billing.ProviderSubscription
	methods   map[string]*billing.PaymentMethod
	products  map[string]*billing.Product
	prices    map[string]*billing.Price
	fail      map[string]bool
	calls     []string
	checkouts []billing.SubscriptionCheckoutParams
	payments  []billing.PaymentCheckoutParams
	portals   []string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	v, err := stripe.NewVerifier(testSecret)
	require.NoError(t, err)
	return &fakeProvider{
		Verifier: v,
		sessions: make(map[string]*billing.CheckoutSession),
		subs:     make(map[string]*billing.ProviderSubscription),
		methods:  make(map[string]*billing.PaymentMethod),
		products: make(map[string]*billing.Product),
		prices:   make(map[string]*billing.Price),
		fail:     make(map[string]bool),
	}
}

func (f *fakeProvider) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.fail[call] {
		return errGatewayDown
	}
	return nil
}

func (f *fakeProvider) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeProvider) GetCheckoutSession(_ context.Context, id string) (*billing.CheckoutSession, error) {
	if err := f.record("session"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no such session %s", id)
	}
	c := *s
	return &c, nil
}

func (f *fakeProvider) GetSubscription(_ context.Context, id string) (*billing.ProviderSubscription, error) {
	if err := f.record("subscription"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	c := *s
	return &c, nil
}

func (f *fakeProvider) GetPaymentMethod(_ context.Context, id string) (*billing.PaymentMethod, error) {
	if err := f.record("payment_method"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pm, ok := f.methods[id]
	if !ok {
		return nil, fmt.Errorf("no such payment method %s", id)
	}
	return pm, nil
}

func (f *fakeProvider) GetProduct(_ context.Context, id string) (*billing.Product, error) {
	if err := f.record("product"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("no such product %s", id)
	}
	return p, nil
}

func (f *fakeProvider) GetPrice(_ context.Context, id string) (*billing.Price, error) {
	if err := f.record("price"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[id]
	if !ok {
		return nil, fmt.Errorf("no such price %s", id)
	}
	return p, nil
}

func (f *fakeProvider) CreateSubscriptionCheckout(_ context.Context, params billing.SubscriptionCheckoutParams) (*billing.CheckoutLink, error) {
	if err := f.record("create_checkout"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, params)
	id := fmt.Sprintf("cs_new_%d", len(f.checkouts))
	return &billing.CheckoutLink{SessionID: id, URL: "https://checkout.test/" + id}, nil
}

func (f *fakeProvider) CreatePaymentCheckout(_ context.Context, params billing.PaymentCheckoutParams) (*billing.CheckoutLink, error) {
	if err := f.record("create_payment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, params)
	id := fmt.Sprintf("cs_pay_%d", len(f.payments))
	return &billing.CheckoutLink{SessionID: id, URL: "https://checkout.test/" + id}, nil
}

func (f *fakeProvider) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	if err := f.record("portal"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portals = append(f.portals, customerID)
	return "https://portal.test/" + customerID, nil
}

// seedCheckout registers a completed subscription checkout for userID and
// the matching provider objects.
func (f *fakeProvider) seedCheckout(sessionID, userID, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	renews := time.Unix(testRenewsAt, 0).UTC()
	f.sessions[sessionID] = &billing.CheckoutSession{
		ID:             sessionID,
		Mode:           billing.CheckoutModeSubscription,
		Status:         billing.SessionStatusComplete,
		PaymentStatus:  billing.PaymentStatusPaid,
		CustomerID:     "cus_" + userID,
		CustomerEmail:  userID + "@clinic.test",
		CustomerName:   "Dra. Ana",
		SubscriptionID: subID,
		Metadata:       map[string]string{"user_id": userID, "plan": "pro"},
	}
	f.subs[subID] = &billing.ProviderSubscription{
		ID:                     subID,
		CustomerID:             "cus_" + userID,
		Status:                 subscription.StatusActive,
		CurrentPeriodEnd:       &renews,
		DefaultPaymentMethodID: "pm_1",
		PriceID:                testPriceID,
		ProductID:              "prod_pro",
		UnitAmount:             4990,
		Currency:               "brl",
		Quantity:               1,
	}
	f.methods["pm_1"] = &billing.PaymentMethod{ID: "pm_1", Brand: "visa", Last4: "4242"}
	f.products["prod_pro"] = &billing.Product{ID: "prod_pro", Name: "Psicoid Pro"}
	f.prices[testPriceID] = &billing.Price{ID: testPriceID, ProductID: "prod_pro", UnitAmount: 4990, Currency: "BRL"}
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []billing.WelcomeEmail
	err  error
}

func (m *recordingMailer) SendWelcome(_ context.Context, msg billing.WelcomeEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

type recordingMetrics struct {
	billing.NoopMetrics
	mu          sync.Mutex
	transitions []string
	created     []string
	appended    []string
	errors      []string
}

func (m *recordingMetrics) RecordStatusTransition(_, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+"->"+to)
}

func (m *recordingMetrics) RecordSubscriptionCreated(_, plan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, plan)
}

func (m *recordingMetrics) RecordTransactionAppended(_, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, result)
}

func (m *recordingMetrics) RecordWebhookError(_, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, kind)
}

type harness struct {
	provider *fakeProvider
	store    *memory.Storage
	mailer   *recordingMailer
	metrics  *recordingMetrics
	rec      *billing.Reconciler
	svc      *billing.Service
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		provider: newFakeProvider(t),
		store:    memory.New(),
		mailer:   &recordingMailer{},
		metrics:  &recordingMetrics{},
		now:      time.Date(2029, 12, 15, 9, 30, 0, 0, time.UTC),
	}
	rec, err := billing.NewReconciler(billing.Config{
		Provider:    h.provider,
		Storage:     h.store,
		PlanMapping: map[string]string{testPriceID: "pro", "price_basic": "basic"},
		Mailer:      h.mailer,
		Metrics:     h.metrics,
		Now:         func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.rec = rec
	h.svc = billing.NewService(rec, "")
	return h
}

// signedEvent builds a Stripe event envelope around object and signs it.
func signedEvent(t *testing.T, id, eventType string, created int64, object string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": created,
		"data":    map[string]json.RawMessage{"object": json.RawMessage(object)},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testSecret})
	return payload, signed.Header
}

func checkoutCompletedObject(sessionID, mode string, metadata string) string {
	return fmt.Sprintf(`{"id":%q,"object":"checkout.session","mode":%q,"status":"complete","payment_status":"paid",
		"currency":"brl","amount_total":5000,"payment_method_types":["card"],"subscription":%q,"metadata":%s}`,
		sessionID, mode, testSubID, metadata)
}

func subscriptionObject(subID, status string, periodEnd int64, extra string) string {
	if extra != "" {
		extra = "," + extra
	}
	return fmt.Sprintf(`{"id":%q,"object":"subscription","customer":"cus_user_1","status":%q,
		"current_period_end":%d,
		"items":{"data":[{"quantity":1,"price":{"id":"price_pro","unit_amount":4990,"currency":"brl","product":"prod_pro"}}]}%s}`,
		subID, status, periodEnd, extra)
}
