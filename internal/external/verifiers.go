package external

import (
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"creditgate/internal/types"
)

// DefaultWebhookTolerance is how old a signed push may be.
const DefaultWebhookTolerance = 5 * time.Minute

var errNoWebhookSecret = errors.New("webhook secret not configured")

// SignatureVerifier checks "t=<unix>,v1=<hex hmac-sha256>" signatures, the
// scheme the platform shares with Stripe webhooks.
type SignatureVerifier struct {
	secret    types.SecretString
	tolerance time.Duration
}

// NewSignatureVerifier creates a SignatureVerifier. A non-positive tolerance
// uses DefaultWebhookTolerance.
func NewSignatureVerifier(secret types.SecretString, tolerance time.Duration) *SignatureVerifier {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &SignatureVerifier{secret: secret, tolerance: tolerance}
}

// Verify implements WebhookVerifier.
func (v *SignatureVerifier) Verify(payload []byte, header string) error {
	if v.secret.Unmask() == "" {
		return errNoWebhookSecret
	}
	return webhook.ValidatePayloadWithTolerance(payload, header, v.secret.Unmask(), v.tolerance)
}
