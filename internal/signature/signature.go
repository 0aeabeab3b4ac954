// Package signature computes and checks the HMAC-SHA256 signatures exchanged with providers.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cassiomorais/paygate/internal/domain/errors"
)

// Secrets are the shared keys configured for one provider.
type Secrets struct {
	WebhookSecret string
	APISecret     string
}

// Verifier holds per-provider secrets. It is immutable after construction.
type Verifier struct {
	secrets map[string]Secrets
}

func NewVerifier(secrets map[string]Secrets) *Verifier {
	cp := make(map[string]Secrets, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return &Verifier{secrets: cp}
}

// SignatureHeader returns the header a provider puts its webhook signature in.
func SignatureHeader(provider string) string {
	switch provider {
	case "orange-money":
		return "X-Orange-Signature"
	case "mtn-momo":
		return "X-MTN-Signature"
	case "cards":
		return "X-Webhook-Signature"
	default:
		return "X-Signature"
	}
}

// Verify checks headerSignature against the raw, unparsed body.
func (v *Verifier) Verify(provider string, rawBody []byte, headerSignature string) error {
	secret := v.secrets[provider].WebhookSecret
	if secret == "" {
		return errors.NewConfigurationError(provider, "webhook_secret", "is not configured")
	}
	sig := strings.TrimPrefix(strings.TrimSpace(headerSignature), "sha256=")
	if sig == "" {
		return &errors.SignatureVerificationError{Provider: provider, Reason: "missing signature header " + SignatureHeader(provider)}
	}
	if !equal(Compute(secret, rawBody), strings.ToLower(sig)) {
		return &errors.SignatureVerificationError{Provider: provider, Reason: "signature mismatch"}
	}
	return nil
}

// Sign produces the X-Signature for an outbound API call.
func (v *Verifier) Sign(provider, method, path, body string) (string, error) {
	secret := v.secrets[provider].APISecret
	if secret == "" {
		return "", errors.NewConfigurationError(provider, "api_secret", "is not configured")
	}
	return Compute(secret, []byte(StringToSign(method, path, body))), nil
}

// VerifyResponse checks a provider API response. Without an API secret there is nothing to check.
func (v *Verifier) VerifyResponse(provider string, body []byte, sig string) bool {
	secret := v.secrets[provider].APISecret
	if secret == "" {
		return true
	}
	return equal(Compute(secret, body), strings.ToLower(strings.TrimSpace(sig)))
}

// HasWebhookSecret reports whether Verify can run for provider.
func (v *Verifier) HasWebhookSecret(provider string) bool {
	return v.secrets[provider].WebhookSecret != ""
}

// StringToSign is UPPER(method) + "\n" + path + "\n" + body.
func StringToSign(method, path, body string) string {
	return strings.ToUpper(method) + "\n" + path + "\n" + body
}

// Compute returns the lowercase hex HMAC-SHA256 of data.
func Compute(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func equal(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}
