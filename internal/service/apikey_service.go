package service

import (
	"context"
	"errors"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/rs/zerolog"
)

// APIKeyService issues and checks merchant credentials.
type APIKeyService struct {
	repo   apikey.Repository
	pepper string
	logger zerolog.Logger
	now    func() time.Time
}

func NewAPIKeyService(repo apikey.Repository, pepper string, logger zerolog.Logger) *APIKeyService {
	return &APIKeyService{
		repo:   repo,
		pepper: pepper,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Generate stores a new key. The plaintext secret is only available in the result.
func (s *APIKeyService) Generate(ctx context.Context, in GenerateKeyInput) (*apikey.Issued, error) {
	now := s.now()
	var expiresAt *time.Time
	if in.ExpiresIn > 0 {
		t := now.Add(in.ExpiresIn)
		expiresAt = &t
	}

	issued, err := apikey.New(apikey.NewParams{
		Name:        in.Name,
		Environment: in.Environment,
		Scopes:      in.Scopes,
		RateLimit:   in.RateLimit,
		ExpiresAt:   expiresAt,
	}, s.pepper, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, issued.Key); err != nil {
		return nil, err
	}

	s.logger.Info().Str("key", issued.Key.Masked()).Strs("scopes", issued.Key.Scopes).Msg("api key generated")
	return issued, nil
}

// Authenticate resolves a presented key. Every failure is reported as ErrUnauthorized
// so callers cannot tell unknown keys from wrong secrets.
func (s *APIKeyService) Authenticate(ctx context.Context, keyID, secret string) (*apikey.APIKey, error) {
	key, err := s.repo.GetByKeyID(ctx, keyID)
	if errors.Is(err, domainErrors.ErrAPIKeyNotFound) {
		return nil, domainErrors.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !key.VerifySecret(secret, s.pepper) || !key.IsActive(now) {
		return nil, domainErrors.ErrUnauthorized
	}

	if err := s.repo.TouchLastUsed(ctx, key.KeyID); err != nil {
		s.logger.Warn().Err(err).Str("key", key.Masked()).Msg("failed to record key usage")
	}
	key.Touch(now)
	return key, nil
}

func (s *APIKeyService) Revoke(ctx context.Context, keyID string) (*apikey.APIKey, error) {
	key, err := s.repo.GetByKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if err := key.Revoke(s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, key); err != nil {
		return nil, err
	}
	s.logger.Info().Str("key", key.Masked()).Msg("api key revoked")
	return key, nil
}

func (s *APIKeyService) List(ctx context.Context, includeRevoked bool) ([]*apikey.APIKey, error) {
	return s.repo.List(ctx, includeRevoked)
}
