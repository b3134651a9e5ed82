package subscription

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MetadataKind tags which checkout shape a metadata bag belongs to.
type MetadataKind string

const (
	MetadataSubscription MetadataKind = "subscription"
	MetadataPayment      MetadataKind = "payment"
)

// Provider metadata keys.
const (
	KeyUserID      = "user_id"
	KeyPlan        = "plan"
	KeyAmount      = "amount"
	KeyPatientID   = "patient_id"
	KeyDescription = "description"
)

// SubscriptionMetadata is attached to subscription-mode checkouts.
type SubscriptionMetadata struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Plan   string `json:"plan,omitempty" validate:"omitempty,max=64"`
}

// PaymentMetadata is attached to one-off patient payment checkouts.
// Amount is in minor currency units.
type PaymentMetadata struct {
	UserID      string `json:"user_id" validate:"required,max=128"`
	Amount      string `json:"amount" validate:"required,number,max=18"`
	PatientID   string `json:"patient_id,omitempty" validate:"omitempty,max=128"`
	Description string `json:"description,omitempty" validate:"omitempty,max=500"`
}

// Metadata is the checkout metadata bag. Exactly one of Subscription or
// Payment is set, matching Kind. Keys outside the known shape are kept in
// Extra and passed through untouched.
type Metadata struct {
	Kind         MetadataKind          `json:"kind,omitempty"`
	Subscription *SubscriptionMetadata `json:"subscription,omitempty"`
	Payment      *PaymentMetadata      `json:"payment,omitempty"`
	Extra        map[string]string     `json:"extra,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseMetadata builds the tagged metadata for kind from a provider map and
// validates it.
func ParseMetadata(kind MetadataKind, raw map[string]string) (Metadata, error) {
	m := Metadata{Kind: kind}
	known := map[string]bool{KeyUserID: true}

	switch kind {
	case MetadataSubscription:
		m.Subscription = &SubscriptionMetadata{
			UserID: raw[KeyUserID],
			Plan:   raw[KeyPlan],
		}
		known[KeyPlan] = true
	case MetadataPayment:
		m.Payment = &PaymentMetadata{
			UserID:      raw[KeyUserID],
			Amount:      raw[KeyAmount],
			PatientID:   raw[KeyPatientID],
			Description: raw[KeyDescription],
		}
		known[KeyAmount] = true
		known[KeyPatientID] = true
		known[KeyDescription] = true
	default:
		return Metadata{}, fmt.Errorf("%w: unknown metadata kind %q", ErrValidation, kind)
	}

	for k, v := range raw {
		if known[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		m.Extra[k] = v
	}

	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Validate checks that the variant matches Kind and that its fields are well formed.
func (m Metadata) Validate() error {
	var target interface{}
	switch m.Kind {
	case MetadataSubscription:
		if m.Subscription == nil || m.Payment != nil {
			return fmt.Errorf("%w: subscription metadata variant mismatch", ErrValidation)
		}
		target = m.Subscription
	case MetadataPayment:
		if m.Payment == nil || m.Subscription != nil {
			return fmt.Errorf("%w: payment metadata variant mismatch", ErrValidation)
		}
		target = m.Payment
	default:
		return fmt.Errorf("%w: unknown metadata kind %q", ErrValidation, m.Kind)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrValidation, err)
	}
	return nil
}

// UserID returns the owning user recorded in the metadata.
func (m Metadata) UserID() string {
	switch {
	case m.Subscription != nil:
		return m.Subscription.UserID
	case m.Payment != nil:
		return m.Payment.UserID
	default:
		return ""
	}
}

// Map flattens the metadata back into provider form.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if s := m.Subscription; s != nil {
		out[KeyUserID] = s.UserID
		if s.Plan != "" {
			out[KeyPlan] = s.Plan
		}
	}
	if p := m.Payment; p != nil {
		out[KeyUserID] = p.UserID
		out[KeyAmount] = p.Amount
		if p.PatientID != "" {
			out[KeyPatientID] = p.PatientID
		}
		if p.Description != "" {
			out[KeyDescription] = p.Description
		}
	}
	return out
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	c := Metadata{Kind: m.Kind}
	if m.Subscription != nil {
		s := *m.Subscription
		c.Subscription = &s
	}
	if m.Payment != nil {
		p := *m.Payment
		c.Payment = &p
	}
	if m.Extra != nil {
		c.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return c
}
