package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
)

const masked = "***MASKED***"

// ReferenceFields are checked in order; the first non-empty value wins.
var ReferenceFields = []string{
	"reference",
	"payment_reference",
	"transaction_reference",
	"external_reference",
	"merchant_reference",
}

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"x-secret":      {},
}

// DefaultSensitiveFields are masked in payloads when no list is configured.
var DefaultSensitiveFields = []string{"api_key", "secret", "token", "password", "pin"}

// SanitizeHeaders flattens headers for storage and masks credentials.
func SanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = masked
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// SanitizePayload returns a copy of payload with sensitive keys masked at any depth.
func SanitizePayload(payload map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	return sanitizeMap(payload, fields)
}

func sanitizeMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitive(k, fields) {
			out[k] = masked
			continue
		}
		out[k] = sanitizeValue(v, fields)
	}
	return out
}

func sanitizeValue(v any, fields []string) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeMap(val, fields)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = sanitizeValue(item, fields)
		}
		return items
	default:
		return v
	}
}

func isSensitive(key string, fields []string) bool {
	k := strings.ToLower(key)
	for _, f := range fields {
		if k == f || strings.HasSuffix(k, "_"+f) || strings.HasPrefix(k, f+"_") {
			return true
		}
	}
	return false
}

// Decode parses a raw callback body. Numbers are kept as json.Number so amounts stay exact.
func Decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrMalformedPayload, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: empty body", domainErrors.ErrMalformedPayload)
	}
	return payload, nil
}

// ExtractReference returns the first non-empty reference candidate.
func ExtractReference(payload map[string]any) (string, bool) {
	for _, field := range ReferenceFields {
		if s := StringField(payload, field); s != "" {
			return s, true
		}
	}
	return "", false
}

// ExtractStatus reads the provider status, falling back to "unknown".
func ExtractStatus(payload map[string]any) string {
	if s := StringField(payload, "status"); s != "" {
		return s
	}
	if s := StringField(payload, "transaction_status"); s != "" {
		return s
	}
	return "unknown"
}

func ExtractEventType(payload map[string]any) string {
	if s := StringField(payload, "event_type"); s != "" {
		return s
	}
	return UnknownEventType
}

// StringField reads a scalar field as a trimmed string.
func StringField(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
