package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/psicoid/billing/pkg/subscription"
)

// Provider event types the reconciler acts on.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionPaused       = "customer.subscription.paused"
	EventSubscriptionResumed      = "customer.subscription.resumed"
)

// CheckoutMode distinguishes recurring subscriptions from one-off payments.
type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

// Event is a provider event whose origin has been verified.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Data    json.RawMessage // the event's data.object
}

// EventVerifier authenticates raw webhook deliveries.
type EventVerifier interface {
	// SignatureHeader names the HTTP header carrying the signature.
	SignatureHeader() string

	// VerifyEvent checks signature against the exact payload bytes and
	// returns the parsed envelope only when it matches.
	VerifyEvent(payload []byte, signature string) (*Event, error)
}

// EventDecoder turns verified event data into provider-neutral objects.
// Timestamp fields that are missing or malformed decode as nil.
type EventDecoder interface {
	DecodeCheckoutSession(data json.RawMessage) (*CheckoutSession, error)
	DecodeSubscription(data json.RawMessage) (*ProviderSubscription, error)
}

// Gateway is the outbound payment provider API.
type Gateway interface {
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error)
	GetPaymentMethod(ctx context.Context, id string) (*PaymentMethod, error)
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetPrice(ctx context.Context, id string) (*Price, error)

	CreateSubscriptionCheckout(ctx context.Context, params SubscriptionCheckoutParams) (*CheckoutLink, error)
	CreatePaymentCheckout(ctx context.Context, params PaymentCheckoutParams) (*CheckoutLink, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// Provider is the generic interface a payment backend must implement.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	EventVerifier
	EventDecoder
	Gateway
}

// CheckoutSession is a hosted checkout as seen by the provider.
type CheckoutSession struct {
	ID                 string
	Mode               CheckoutMode
	Status             string
	PaymentStatus      string
	CustomerID         string
	CustomerEmail      string
	CustomerName       string
	SubscriptionID     string
	ClientReferenceID  string
	AmountTotal        int64
	Currency           string
	PaymentMethodTypes []string
	Metadata           map[string]string
	URL                string
}

// Checkout session states that allow a subscription to be created.
const (
	SessionStatusComplete          = "complete"
	PaymentStatusPaid              = "paid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// Paid reports whether the session completed with payment settled, or with
// no payment due (trials).
func (s *CheckoutSession) Paid() bool {
	if s.Status != SessionStatusComplete {
		return false
	}
	return s.PaymentStatus == PaymentStatusPaid || s.PaymentStatus == PaymentStatusNoPaymentRequired
}

// ProviderSubscription is the provider's view of a subscription.
type ProviderSubscription struct {
	ID                     string
	CustomerID             string
	Status                 subscription.Status
	CurrentPeriodEnd       *time.Time
	TrialEnd               *time.Time
	CancelAt               *time.Time
	CanceledAt             *time.Time
	EndedAt                *time.Time
	DefaultPaymentMethodID string
	PriceID                string
	ProductID              string
	UnitAmount             int64
	Currency               string
	Quantity               int64
	Metadata               map[string]string
}

// PaymentMethod carries card display details.
type PaymentMethod struct {
	ID    string
	Brand string
	Last4 string
}

// Product is the catalog item a price belongs to.
type Product struct {
	ID   string
	Name string
}

// Price is a recurring or one-off price.
type Price struct {
	ID         string
	ProductID  string
	UnitAmount int64
	Currency   string
}

// SubscriptionCheckoutParams describes a subscription-mode checkout.
type SubscriptionCheckoutParams struct {
	CustomerID string
	Email      string
	PriceID    string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// PaymentCheckoutParams describes a one-off payment checkout.
// Amount is in minor currency units.
type PaymentCheckoutParams struct {
	CustomerID  string
	Email       string
	Amount      int64
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// CheckoutLink is where the caller is redirected to pay.
type CheckoutLink struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}
