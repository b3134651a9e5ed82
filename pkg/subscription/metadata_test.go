package subscription

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadataSubscription(t *testing.T) {
	m, err := ParseMetadata(MetadataSubscription, map[string]string{
		"user_id":  "user_1",
		"plan":     "pro",
		"campaign": "spring",
	})
	require.NoError(t, err)

	assert.Equal(t, MetadataSubscription, m.Kind)
	require.NotNil(t, m.Subscription)
	assert.Nil(t, m.Payment)
	assert.Equal(t, "user_1", m.UserID())
	assert.Equal(t, "pro", m.Subscription.Plan)
	assert.Equal(t, map[string]string{"campaign": "spring"}, m.Extra)
}

func TestParseMetadataPayment(t *testing.T) {
	m, err := ParseMetadata(MetadataPayment, map[string]string{
		"user_id":    "user_1",
		"amount":     "5000",
		"patient_id": "pat_9",
	})
	require.NoError(t, err)

	require.NotNil(t, m.Payment)
	assert.Equal(t, "5000", m.Payment.Amount)
	assert.Equal(t, "pat_9", m.Payment.PatientID)
	assert.Empty(t, m.Extra)
}

func TestParseMetadataRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		kind MetadataKind
		raw  map[string]string
	}{
		{name: "missing user", kind: MetadataSubscription, raw: map[string]string{"plan": "pro"}},
		{name: "payment without amount", kind: MetadataPayment, raw: map[string]string{"user_id": "u"}},
		{name: "negative amount", kind: MetadataPayment, raw: map[string]string{"user_id": "u", "amount": "-5"}},
		{name: "decimal amount", kind: MetadataPayment, raw: map[string]string{"user_id": "u", "amount": "50.00"}},
		{name: "unknown kind", kind: "gift", raw: map[string]string{"user_id": "u"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMetadata(tt.kind, tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
}

func TestMetadataVariantMismatch(t *testing.T) {
	m := Metadata{
		Kind:    MetadataSubscription,
		Payment: &PaymentMetadata{UserID: "u", Amount: "1"},
	}
	assert.ErrorIs(t, m.Validate(), ErrValidation)
}

func TestMetadataMapRoundTrip(t *testing.T) {
	raw := map[string]string{"user_id": "u", "amount": "100", "description": "session", "ref": "x"}
	m, err := ParseMetadata(MetadataPayment, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, m.Map())

	c := m.Clone()
	c.Payment.Amount = "200"
	c.Extra["ref"] = "y"
	assert.Equal(t, "100", m.Payment.Amount)
	assert.Equal(t, "x", m.Extra["ref"])
}
