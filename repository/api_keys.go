package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"siza-core/internal/keys"
	"siza-core/models"
	"siza-core/observability"
)

const apiKeyColumns = `provider, encrypted_key, key_id, created_at, last_used_at, expires_at, is_default`

// pgKeyStore is the PostgreSQL Store of one user
type pgKeyStore struct {
	repo   *Repository
	userID string
}

// dbError records err against the query metrics and wraps it as a storage error
func dbError(op, table string, err error) error {
	observability.GetMetrics().RecordDBError(op, table)
	return models.NewStorageError(op, err)
}

func scanAPIKey(row pgx.Row) (*models.APIKeyRecord, error) {
	var (
		rec      models.APIKeyRecord
		provider string
	)
	err := row.Scan(
		&provider,
		&rec.EncryptedKey,
		&rec.KeyID,
		&rec.CreatedAt,
		&rec.LastUsedAt,
		&rec.ExpiresAt,
		&rec.IsDefault,
	)
	if err != nil {
		return nil, err
	}
	rec.Provider = models.Provider(provider)
	return &rec, nil
}

func (s *pgKeyStore) Init(ctx context.Context) error {
	if err := s.repo.Health(ctx); err != nil {
		return dbError("init", "api_keys", err)
	}
	return nil
}

func (s *pgKeyStore) StoreAPIKey(ctx context.Context, rec *models.APIKeyRecord, makeDefault bool) error {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("store", "api_keys")

	tx, txRepo, err := s.repo.BeginTx(ctx)
	if err != nil {
		return dbError("store api key", "api_keys", err)
	}
	defer tx.Rollback(ctx)

	if makeDefault {
		_, err := txRepo.db.Exec(ctx, `
			UPDATE api_keys SET is_default = FALSE
			WHERE user_id = $1 AND provider = $2 AND key_id <> $3 AND is_default
		`, s.userID, rec.Provider.String(), rec.KeyID)
		if err != nil {
			return dbError("store api key", "api_keys", err)
		}
	}

	_, err = txRepo.db.Exec(ctx, `
		INSERT INTO api_keys (user_id, key_id, provider, encrypted_key, created_at, last_used_at, expires_at, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, key_id)
		DO UPDATE SET
			encrypted_key = EXCLUDED.encrypted_key,
			last_used_at = GREATEST(api_keys.last_used_at, EXCLUDED.last_used_at),
			expires_at = EXCLUDED.expires_at,
			is_default = api_keys.is_default OR EXCLUDED.is_default
	`,
		s.userID,
		rec.KeyID,
		rec.Provider.String(),
		rec.EncryptedKey,
		rec.CreatedAt,
		rec.LastUsedAt,
		rec.ExpiresAt,
		makeDefault,
	)
	if err != nil {
		return dbError("store api key", "api_keys", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return dbError("store api key", "api_keys", err)
	}
	return nil
}

func (s *pgKeyStore) GetAPIKey(ctx context.Context, keyID string) (*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("get", "api_keys")

	rec, err := scanAPIKey(s.repo.db.QueryRow(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = $1 AND key_id = $2
	`, s.userID, keyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get api key", "api_keys", err)
	}
	return rec, nil
}

func (s *pgKeyStore) GetAPIKeys(ctx context.Context) ([]*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("list", "api_keys")

	rows, err := s.repo.db.Query(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at, key_id
	`, s.userID)
	if err != nil {
		return nil, dbError("get api keys", "api_keys", err)
	}
	defer rows.Close()

	var out []*models.APIKeyRecord
	for rows.Next() {
		rec, err := scanAPIKey(rows)
		if err != nil {
			return nil, dbError("get api keys", "api_keys", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("get api keys", "api_keys", err)
	}
	return out, nil
}

func (s *pgKeyStore) GetDefaultAPIKey(ctx context.Context, provider models.Provider) (*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("get_default", "api_keys")

	rec, err := scanAPIKey(s.repo.db.QueryRow(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = $1 AND provider = $2 AND is_default
	`, s.userID, provider.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get default api key", "api_keys", err)
	}
	return rec, nil
}

func (s *pgKeyStore) SetDefaultAPIKey(ctx context.Context, keyID string) (*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("set_default", "api_keys")

	tx, txRepo, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}
	defer tx.Rollback(ctx)

	var provider string
	err = txRepo.db.QueryRow(ctx, `
		SELECT provider FROM api_keys
		WHERE user_id = $1 AND key_id = $2
		FOR UPDATE
	`, s.userID, keyID).Scan(&provider)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFoundError("API key not found")
	}
	if err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}

	// Clear first so the partial unique index never sees two defaults
	if _, err := txRepo.db.Exec(ctx, `
		UPDATE api_keys SET is_default = FALSE
		WHERE user_id = $1 AND provider = $2 AND key_id <> $3 AND is_default
	`, s.userID, provider, keyID); err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}

	rec, err := scanAPIKey(txRepo.db.QueryRow(ctx, `
		UPDATE api_keys SET is_default = TRUE
		WHERE user_id = $1 AND key_id = $2
		RETURNING `+apiKeyColumns, s.userID, keyID))
	if err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}
	return rec, nil
}

func (s *pgKeyStore) RotateAPIKey(ctx context.Context, keyID, encryptedKey string, expiresAt time.Time) (*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("rotate", "api_keys")

	rec, err := scanAPIKey(s.repo.db.QueryRow(ctx, `
		UPDATE api_keys SET encrypted_key = $3, expires_at = $4
		WHERE user_id = $1 AND key_id = $2
		RETURNING `+apiKeyColumns, s.userID, keyID, encryptedKey, expiresAt.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFoundError("API key not found")
	}
	if err != nil {
		return nil, dbError("rotate api key", "api_keys", err)
	}
	return rec, nil
}

func (s *pgKeyStore) UpdateAPIKeyUsage(ctx context.Context, keyID string) error {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("update_usage", "api_keys")

	tag, err := s.repo.db.Exec(ctx, `
		UPDATE api_keys SET last_used_at = $3
		WHERE user_id = $1 AND key_id = $2
	`, s.userID, keyID, s.repo.now().UTC())
	if err != nil {
		return dbError("update api key usage", "api_keys", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NewNotFoundError("API key not found")
	}
	return nil
}

func (s *pgKeyStore) DeleteAPIKey(ctx context.Context, keyID string) error {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("delete", "api_keys")

	if _, err := s.repo.db.Exec(ctx, `DELETE FROM api_keys WHERE user_id = $1 AND key_id = $2`, s.userID, keyID); err != nil {
		return dbError("delete api key", "api_keys", err)
	}
	return nil
}

func (s *pgKeyStore) ClearAllData(ctx context.Context) error {
	tx, txRepo, err := s.repo.BeginTx(ctx)
	if err != nil {
		return dbError("clear all data", "api_keys", err)
	}
	defer tx.Rollback(ctx)

	if _, err := txRepo.db.Exec(ctx, `DELETE FROM api_keys WHERE user_id = $1`, s.userID); err != nil {
		return dbError("clear all data", "api_keys", err)
	}
	if _, err := txRepo.db.Exec(ctx, `DELETE FROM user_preferences WHERE user_id = $1`, s.userID); err != nil {
		return dbError("clear all data", "user_preferences", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return dbError("clear all data", "api_keys", err)
	}

	s.repo.sessions.set(s.userID, "")
	return nil
}

func (s *pgKeyStore) GetUserPreferences(ctx context.Context) (models.UserPreferences, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("get", "user_preferences")

	prefs := models.DefaultUserPreferences()
	var provider string
	err := s.repo.db.QueryRow(ctx, `
		SELECT default_provider, gemini_fallback_enabled, usage_tracking_enabled
		FROM user_preferences WHERE user_id = $1
	`, s.userID).Scan(&provider, &prefs.GeminiFallbackEnabled, &prefs.UsageTrackingEnabled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.UserPreferences{}, dbError("get user preferences", "user_preferences", err)
	}

	prefs.DefaultProvider = models.Provider(provider)
	prefs.EncryptionKey = s.repo.sessions.get(s.userID)
	return prefs, nil
}

func (s *pgKeyStore) SetUserPreferences(ctx context.Context, patch models.PreferencesPatch) error {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("upsert", "user_preferences")

	if patch.EncryptionKey != nil {
		s.repo.sessions.set(s.userID, *patch.EncryptionKey)
	}

	defaultProvider, fallback, tracking := preferenceArgs(patch)
	_, err := s.repo.db.Exec(ctx, `
		INSERT INTO user_preferences (user_id, default_provider, gemini_fallback_enabled, usage_tracking_enabled, updated_at)
		VALUES ($1, COALESCE($2::text, ''), COALESCE($3::boolean, TRUE), COALESCE($4::boolean, TRUE), $5)
		ON CONFLICT (user_id)
		DO UPDATE SET
			default_provider = COALESCE($2::text, user_preferences.default_provider),
			gemini_fallback_enabled = COALESCE($3::boolean, user_preferences.gemini_fallback_enabled),
			usage_tracking_enabled = COALESCE($4::boolean, user_preferences.usage_tracking_enabled),
			updated_at = $5
	`, s.userID, defaultProvider, fallback, tracking, s.repo.now().UTC())
	if err != nil {
		return dbError("set user preferences", "user_preferences", err)
	}
	return nil
}

func (s *pgKeyStore) GetStorageStats(ctx context.Context) (models.StorageStats, error) {
	var stats models.StorageStats
	err := s.repo.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(encrypted_key) + LENGTH(key_id) + LENGTH(provider) + 64), 0)
		FROM api_keys WHERE user_id = $1
	`, s.userID).Scan(&stats.APIKeysCount, &stats.TotalSize)
	if err != nil {
		return models.StorageStats{}, dbError("get storage stats", "api_keys", err)
	}
	return stats, nil
}

var _ keys.Store = (*pgKeyStore)(nil)
