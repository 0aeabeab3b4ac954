package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const apiKeyColumns = `id, key_id, secret_hash, name, environment, scopes, rate_limit,
	expires_at, last_used_at, revoked_at, created_at, updated_at`

type APIKeyRepository struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepository(pool *pgxpool.Pool) *APIKeyRepository {
	return &APIKeyRepository{pool: pool}
}

func (r *APIKeyRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *APIKeyRepository) Create(ctx context.Context, k *apikey.APIKey) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		k.ID, k.KeyID, k.SecretHash, k.Name, string(k.Environment), k.Scopes, k.RateLimit,
		k.ExpiresAt, k.LastUsedAt, k.RevokedAt, k.CreatedAt, k.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("api key %s already exists: %w", k.KeyID, domainErrors.ErrInvalidInput)
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) GetByKeyID(ctx context.Context, keyID string) (*apikey.APIKey, error) {
	return scanAPIKey(r.db(ctx).QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_id = $1`, keyID))
}

func (r *APIKeyRepository) Update(ctx context.Context, k *apikey.APIKey) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE api_keys SET name=$1, scopes=$2, rate_limit=$3, expires_at=$4,
		  last_used_at=$5, revoked_at=$6, updated_at=$7
		 WHERE key_id=$8`,
		k.Name, k.Scopes, k.RateLimit, k.ExpiresAt, k.LastUsedAt, k.RevokedAt, k.UpdatedAt, k.KeyID,
	)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrAPIKeyNotFound
	}
	return nil
}

func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := r.db(ctx).Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE key_id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) List(ctx context.Context, includeRevoked bool) ([]*apikey.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	if !includeRevoked {
		query += ` WHERE revoked_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*apikey.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanAPIKey(s scanner) (*apikey.APIKey, error) {
	k := &apikey.APIKey{}
	var env string
	err := s.Scan(
		&k.ID, &k.KeyID, &k.SecretHash, &k.Name, &env, &k.Scopes, &k.RateLimit,
		&k.ExpiresAt, &k.LastUsedAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	k.Environment = apikey.Environment(env)
	return k, nil
}
