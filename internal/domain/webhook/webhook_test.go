package webhook_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newLog() *webhook.Log {
	h := http.Header{}
	h.Set("Authorization", "Bearer abc")
	h.Set("X-Orange-Signature", "deadbeef")
	return webhook.NewLog("orange-money", []byte(`{"reference":"CKD_ABCDEF123456"}`), h, "deadbeef", now)
}

func TestNewLog(t *testing.T) {
	l := newLog()
	assert.Equal(t, webhook.StatusPending, l.Status)
	assert.Equal(t, webhook.UnknownEventType, l.EventType)
	assert.Equal(t, "***MASKED***", l.Headers["Authorization"])
	assert.Equal(t, "deadbeef", l.Headers["X-Orange-Signature"])
	assert.Equal(t, 0, l.RetryCount)
}

func TestLog_Lifecycle(t *testing.T) {
	l := newLog()
	require.NoError(t, l.Start(now))

	txID := uuid.New()
	require.NoError(t, l.Succeed(&txID, nil, now))
	assert.Equal(t, webhook.StatusSuccess, l.Status)
	assert.Equal(t, &txID, l.TransactionID)
	require.NotNil(t, l.ProcessedAt)

	err := l.Fail("late", nil, now)
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
}

func TestLog_FailThenRetry(t *testing.T) {
	l := newLog()
	next := now.Add(5 * time.Minute)
	require.NoError(t, l.Fail("transaction not found", &next, now))

	assert.True(t, l.CanRetry(5))
	assert.False(t, l.Eligible(now, 5))
	assert.True(t, l.Eligible(next, 5))

	require.NoError(t, l.IncrementRetry(next))
	assert.Equal(t, 1, l.RetryCount)
	assert.Equal(t, webhook.StatusProcessing, l.Status)
}

func TestLog_StopsBeingEligible(t *testing.T) {
	l := newLog()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Fail("boom", nil, now))
		require.NoError(t, l.IncrementRetry(now))
	}
	require.NoError(t, l.Fail("boom", nil, now))
	assert.False(t, l.Eligible(now, 3))
	assert.True(t, l.Eligible(now, 4))
}

func TestLog_FailPermanently(t *testing.T) {
	l := newLog()
	require.NoError(t, l.Start(now))
	require.NoError(t, l.FailPermanently("malformed webhook payload", now))
	assert.Equal(t, webhook.StatusFailed, l.Status)
	assert.Nil(t, l.NextRetryAt)
	assert.False(t, l.CanRetry(5))
	assert.False(t, l.Eligible(now.Add(time.Hour), 5))
}

func TestLog_IgnoredIsTerminal(t *testing.T) {
	l := newLog()
	require.NoError(t, l.Ignore("event ignored", now))
	assert.False(t, l.CanRetry(5))
	assert.Error(t, l.Start(now))
}

func TestSanitizePayload_Nested(t *testing.T) {
	in := map[string]any{
		"reference": "CKD_ABCDEF123456",
		"customer": map[string]any{
			"pin":    "1234",
			"msisdn": "+22607123456",
		},
		"auth_token": "xyz",
		"items":      []any{map[string]any{"api_key": "k"}},
	}

	out := webhook.SanitizePayload(in, nil)

	assert.Equal(t, "CKD_ABCDEF123456", out["reference"])
	assert.Equal(t, "***MASKED***", out["auth_token"])
	assert.Equal(t, "***MASKED***", out["customer"].(map[string]any)["pin"])
	assert.Equal(t, "+22607123456", out["customer"].(map[string]any)["msisdn"])
	assert.Equal(t, "***MASKED***", out["items"].([]any)[0].(map[string]any)["api_key"])
	assert.Equal(t, "1234", in["customer"].(map[string]any)["pin"], "input must not be mutated")
}

func TestExtractReference_Order(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
		found   bool
	}{
		{"reference first", map[string]any{"reference": "A", "payment_reference": "B"}, "A", true},
		{"skips empty", map[string]any{"reference": "  ", "transaction_reference": "C"}, "C", true},
		{"merchant last", map[string]any{"merchant_reference": "M"}, "M", true},
		{"numeric", map[string]any{"external_reference": json.Number("42")}, "42", true},
		{"none", map[string]any{"amount": 10}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := webhook.ExtractReference(tt.payload)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractStatus(t *testing.T) {
	assert.Equal(t, "SUCCESS", webhook.ExtractStatus(map[string]any{"status": "SUCCESS", "transaction_status": "failed"}))
	assert.Equal(t, "failed", webhook.ExtractStatus(map[string]any{"transaction_status": "failed"}))
	assert.Equal(t, "unknown", webhook.ExtractStatus(map[string]any{}))
}

func TestDecode_KeepsNumbersExact(t *testing.T) {
	p, err := webhook.Decode([]byte(`{"amount": 12345678901234567}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("12345678901234567"), p["amount"])

	_, err = webhook.Decode([]byte(`not json`))
	assert.ErrorIs(t, err, errors.ErrMalformedPayload)
	_, err = webhook.Decode([]byte(`null`))
	assert.ErrorIs(t, err, errors.ErrMalformedPayload)
}
