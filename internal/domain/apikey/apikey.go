package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/google/uuid"
)

type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

const (
	ScopePaymentsCreate  = "payments:create"
	ScopePaymentsRead    = "payments:read"
	ScopePaymentsCancel  = "payments:cancel"
	ScopeWebhooksReceive = "webhooks:receive"
	ScopeAdminRead       = "admin:read"
	ScopeAdminWrite      = "admin:write"
)

const (
	DefaultRateLimit = 1000

	keyIDLength  = 32
	secretLength = 48
	lowerAlnum   = "abcdefghijklmnopqrstuvwxyz0123456789"
	secretChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	AllScopes     = []string{ScopePaymentsCreate, ScopePaymentsRead, ScopePaymentsCancel, ScopeWebhooksReceive, ScopeAdminRead, ScopeAdminWrite}
	DefaultScopes = []string{ScopePaymentsCreate, ScopePaymentsRead}
)

// APIKey is a merchant credential. The secret is only ever held as a hash.
type APIKey struct {
	ID          uuid.UUID
	KeyID       string
	SecretHash  string
	Name        string
	Environment Environment
	Scopes      []string
	RateLimit   int
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Issued is returned once, at generation time. Secret is not stored anywhere.
type Issued struct {
	Key    *APIKey
	Secret string
}

// Credential is the "<key_id>.<secret>" pair a client presents.
func (i *Issued) Credential() string {
	return i.Key.KeyID + "." + i.Secret
}

type NewParams struct {
	Name        string
	Environment Environment
	Scopes      []string
	RateLimit   int
	ExpiresAt   *time.Time
}

// New generates a key and its one-time plaintext secret.
func New(p NewParams, pepper string, now time.Time) (*Issued, error) {
	if p.Name == "" {
		return nil, errors.NewValidationError("name", "cannot be empty")
	}
	if p.Environment == "" {
		p.Environment = EnvironmentSandbox
	}
	if p.Environment != EnvironmentSandbox && p.Environment != EnvironmentProduction {
		return nil, errors.NewValidationError("environment", "must be sandbox or production")
	}
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	for _, s := range scopes {
		if !slices.Contains(AllScopes, s) {
			return nil, errors.NewValidationError("scopes", "unknown scope "+s)
		}
	}
	if p.RateLimit <= 0 {
		p.RateLimit = DefaultRateLimit
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return nil, errors.NewValidationError("expires_at", "must be in the future")
	}

	suffix, err := randomString(lowerAlnum, keyIDLength)
	if err != nil {
		return nil, err
	}
	secret, err := randomString(secretChars, secretLength)
	if err != nil {
		return nil, err
	}

	key := &APIKey{
		ID:          uuid.New(),
		KeyID:       prefixFor(p.Environment) + suffix,
		SecretHash:  HashSecret(secret, pepper),
		Name:        p.Name,
		Environment: p.Environment,
		Scopes:      slices.Clone(scopes),
		RateLimit:   p.RateLimit,
		ExpiresAt:   p.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return &Issued{Key: key, Secret: secret}, nil
}

func prefixFor(env Environment) string {
	if env == EnvironmentProduction {
		return "ck_live_"
	}
	return "ck_test_"
}

// HashSecret is the one-way form stored in the database.
func HashSecret(secret, pepper string) string {
	sum := sha256.Sum256([]byte(secret + ":" + pepper))
	return hex.EncodeToString(sum[:])
}

// VerifySecret compares in constant time.
func (k *APIKey) VerifySecret(secret, pepper string) bool {
	got := HashSecret(secret, pepper)
	return subtle.ConstantTimeCompare([]byte(got), []byte(k.SecretHash)) == 1
}

func (k *APIKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// IsActive reports whether the key is neither revoked nor expired.
func (k *APIKey) IsActive(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Masked shows the environment prefix and the last four characters.
func (k *APIKey) Masked() string {
	const prefixLen = len("ck_test_")
	if len(k.KeyID) <= prefixLen+4 {
		return strings.Repeat("*", len(k.KeyID))
	}
	return k.KeyID[:prefixLen] + strings.Repeat("*", 20) + k.KeyID[len(k.KeyID)-4:]
}

func (k *APIKey) Revoke(now time.Time) error {
	if k.RevokedAt != nil {
		return errors.NewDomainError("ALREADY_REVOKED", "api key already revoked", errors.ErrInvalidInput)
	}
	k.RevokedAt = &now
	k.UpdatedAt = now
	return nil
}

func (k *APIKey) Touch(now time.Time) {
	k.LastUsedAt = &now
}

// ParseCredential splits "<key_id>.<secret>".
func ParseCredential(raw string) (keyID, secret string, err error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", errors.ErrUnauthorized
	}
	if !strings.HasPrefix(keyID, "ck_live_") && !strings.HasPrefix(keyID, "ck_test_") {
		return "", "", errors.ErrUnauthorized
	}
	return keyID, secret, nil
}

func randomString(alphabet string, n int) (string, error) {
	buf := make([]byte, n)
	size := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf), nil
}
