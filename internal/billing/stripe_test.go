package billing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func TestVerifyWebhookSignature(t *testing.T) {
	const secret = "whsec_test"
	svc := NewStripeService("sk_test_unused", secret)

	payload := []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":"checkout.session.completed","api_version":%q,"data":{"object":{"id":"cs_1"}}}`, stripe.APIVersion))

	t.Run("valid signature", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   payload,
			Secret:    secret,
			Timestamp: time.Now(),
		})

		event, err := svc.VerifyWebhookSignature(payload, signed.Header)
		require.NoError(t, err)
		assert.Equal(t, "evt_1", event.ID)
		assert.Equal(t, stripe.EventType("checkout.session.completed"), event.Type)
	})

	t.Run("wrong secret", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   payload,
			Secret:    "whsec_other",
			Timestamp: time.Now(),
		})

		_, err := svc.VerifyWebhookSignature(payload, signed.Header)
		assert.Error(t, err)
	})
}

func TestLineItem(t *testing.T) {
	t.Run("dynamic price", func(t *testing.T) {
		li := lineItem(CheckoutParams{AmountCents: 5500, Currency: "cad", ProductName: "Coaching session"})
		require.NotNil(t, li.PriceData)
		assert.Nil(t, li.Price)
		assert.Equal(t, int64(5500), *li.PriceData.UnitAmount)
		assert.Equal(t, "cad", *li.PriceData.Currency)
		assert.Equal(t, "Coaching session", *li.PriceData.ProductData.Name)
	})

	t.Run("configured price", func(t *testing.T) {
		li := lineItem(CheckoutParams{PriceID: "price_123", AmountCents: 3900})
		assert.Nil(t, li.PriceData)
		assert.Equal(t, "price_123", *li.Price)
	})
}
