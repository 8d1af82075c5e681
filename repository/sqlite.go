package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"siza-core/internal/keys"
	"siza-core/models"
	"siza-core/observability"
)

// SQLiteRepository is the single-node key store backed by an SQLite file
type SQLiteRepository struct {
	db       *sql.DB
	path     string
	sessions *sessionKeys
	now      func() time.Time
}

// NewSQLiteRepository opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := &SQLiteRepository{db: db, path: path, sessions: newSessionKeys(), now: time.Now}
	if err := repo.configure(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if r.path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := r.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// ForUser returns the key store of userID
func (r *SQLiteRepository) ForUser(userID string) keys.Store {
	return &sqliteKeyStore{repo: r, userID: userID}
}

// Health checks if the database is reachable
func (r *SQLiteRepository) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Path returns the database file path
func (r *SQLiteRepository) Path() string {
	return r.path
}

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAPIKey(row rowScanner) (*models.APIKeyRecord, error) {
	var (
		rec       models.APIKeyRecord
		provider  string
		createdAt string
		lastUsed  sql.NullString
		expires   sql.NullString
	)
	if err := row.Scan(&provider, &rec.EncryptedKey, &rec.KeyID, &createdAt, &lastUsed, &expires, &rec.IsDefault); err != nil {
		return nil, err
	}

	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if rec.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("invalid last_used_at: %w", err)
	}
	if rec.ExpiresAt, err = parseNullTime(expires); err != nil {
		return nil, fmt.Errorf("invalid expires_at: %w", err)
	}
	rec.Provider = models.Provider(provider)
	return &rec, nil
}

// sqliteKeyStore is the SQLite Store of one user
type sqliteKeyStore struct {
	repo   *SQLiteRepository
	userID string
}

func (s *sqliteKeyStore) Init(ctx context.Context) error {
	if err := s.repo.Health(ctx); err != nil {
		return dbError("init", "api_keys", err)
	}
	return nil
}

func (s *sqliteKeyStore) StoreAPIKey(ctx context.Context, rec *models.APIKeyRecord, makeDefault bool) error {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("store", "api_keys")

	tx, err := s.repo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("store api key", "api_keys", err)
	}
	defer tx.Rollback()

	if makeDefault {
		if _, err := tx.ExecContext(ctx, `
			UPDATE api_keys SET is_default = 0
			WHERE user_id = ? AND provider = ? AND key_id <> ? AND is_default = 1
		`, s.userID, rec.Provider.String(), rec.KeyID); err != nil {
			return dbError("store api key", "api_keys", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_keys (user_id, key_id, provider, encrypted_key, created_at, last_used_at, expires_at, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, key_id)
		DO UPDATE SET
			encrypted_key = excluded.encrypted_key,
			last_used_at = COALESCE(MAX(api_keys.last_used_at, excluded.last_used_at), api_keys.last_used_at, excluded.last_used_at),
			expires_at = excluded.expires_at,
			is_default = MAX(api_keys.is_default, excluded.is_default)
	`,
		s.userID,
		rec.KeyID,
		rec.Provider.String(),
		rec.EncryptedKey,
		formatTime(rec.CreatedAt),
		formatNullTime(rec.LastUsedAt),
		formatNullTime(rec.ExpiresAt),
		makeDefault,
	)
	if err != nil {
		return dbError("store api key", "api_keys", err)
	}

	if err := tx.Commit(); err != nil {
		return dbError("store api key", "api_keys", err)
	}
	return nil
}

func (s *sqliteKeyStore) GetAPIKey(ctx context.Context, keyID string) (*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("get", "api_keys")

	rec, err := scanSQLiteAPIKey(s.repo.db.QueryRowContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = ? AND key_id = ?
	`, s.userID, keyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get api key", "api_keys", err)
	}
	return rec, nil
}

func (s *sqliteKeyStore) GetAPIKeys(ctx context.Context) ([]*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("list", "api_keys")

	rows, err := s.repo.db.QueryContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = ?
		ORDER BY created_at, key_id
	`, s.userID)
	if err != nil {
		return nil, dbError("get api keys", "api_keys", err)
	}
	defer rows.Close()

	var out []*models.APIKeyRecord
	for rows.Next() {
		rec, err := scanSQLiteAPIKey(rows)
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

func (s *sqliteKeyStore) GetDefaultAPIKey(ctx context.Context, provider models.Provider) (*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("get_default", "api_keys")

	rec, err := scanSQLiteAPIKey(s.repo.db.QueryRowContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = ? AND provider = ? AND is_default = 1
	`, s.userID, provider.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("get default api key", "api_keys", err)
	}
	return rec, nil
}

func (s *sqliteKeyStore) SetDefaultAPIKey(ctx context.Context, keyID string) (*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("set_default", "api_keys")

	tx, err := s.repo.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}
	defer tx.Rollback()

	var provider string
	err = tx.QueryRowContext(ctx, `SELECT provider FROM api_keys WHERE user_id = ? AND key_id = ?`, s.userID, keyID).Scan(&provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("API key not found")
	}
	if err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE api_keys SET is_default = 0
		WHERE user_id = ? AND provider = ? AND key_id <> ? AND is_default = 1
	`, s.userID, provider, keyID); err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET is_default = 1 WHERE user_id = ? AND key_id = ?`, s.userID, keyID); err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}

	rec, err := scanSQLiteAPIKey(tx.QueryRowContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = ? AND key_id = ?
	`, s.userID, keyID))
	if err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, dbError("set default api key", "api_keys", err)
	}
	return rec, nil
}

func (s *sqliteKeyStore) RotateAPIKey(ctx context.Context, keyID, encryptedKey string, expiresAt time.Time) (*models.APIKeyRecord, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("rotate", "api_keys")

	rec, err := scanSQLiteAPIKey(s.repo.db.QueryRowContext(ctx, `
		UPDATE api_keys SET encrypted_key = ?, expires_at = ?
		WHERE user_id = ? AND key_id = ?
		RETURNING `+apiKeyColumns, encryptedKey, formatTime(expiresAt), s.userID, keyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("API key not found")
	}
	if err != nil {
		return nil, dbError("rotate api key", "api_keys", err)
	}
	return rec, nil
}

func (s *sqliteKeyStore) UpdateAPIKeyUsage(ctx context.Context, keyID string) error {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("update_usage", "api_keys")

	res, err := s.repo.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = ?
		WHERE user_id = ? AND key_id = ?
	`, formatTime(s.repo.now()), s.userID, keyID)
	if err != nil {
		return dbError("update api key usage", "api_keys", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NewNotFoundError("API key not found")
	}
	return nil
}

func (s *sqliteKeyStore) DeleteAPIKey(ctx context.Context, keyID string) error {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("delete", "api_keys")

	if _, err := s.repo.db.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ? AND key_id = ?`, s.userID, keyID); err != nil {
		return dbError("delete api key", "api_keys", err)
	}
	return nil
}

func (s *sqliteKeyStore) ClearAllData(ctx context.Context) error {
	tx, err := s.repo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("clear all data", "api_keys", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ?`, s.userID); err != nil {
		return dbError("clear all data", "api_keys", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_preferences WHERE user_id = ?`, s.userID); err != nil {
		return dbError("clear all data", "user_preferences", err)
	}
	if err := tx.Commit(); err != nil {
		return dbError("clear all data", "api_keys", err)
	}

	s.repo.sessions.set(s.userID, "")
	return nil
}

func (s *sqliteKeyStore) GetUserPreferences(ctx context.Context) (models.UserPreferences, error) {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("get", "user_preferences")

	prefs := models.DefaultUserPreferences()
	var provider string
	err := s.repo.db.QueryRowContext(ctx, `
		SELECT default_provider, gemini_fallback_enabled, usage_tracking_enabled
		FROM user_preferences WHERE user_id = ?
	`, s.userID).Scan(&provider, &prefs.GeminiFallbackEnabled, &prefs.UsageTrackingEnabled)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.UserPreferences{}, dbError("get user preferences", "user_preferences", err)
	}

	prefs.DefaultProvider = models.Provider(provider)
	prefs.EncryptionKey = s.repo.sessions.get(s.userID)
	return prefs, nil
}

func (s *sqliteKeyStore) SetUserPreferences(ctx context.Context, patch models.PreferencesPatch) error {
	timer := observability.GetMetrics().NewTimer()
	defer timer.ObserveDB("upsert", "user_preferences")

	if patch.EncryptionKey != nil {
		s.repo.sessions.set(s.userID, *patch.EncryptionKey)
	}

	defaultProvider, fallback, tracking := preferenceArgs(patch)
	_, err := s.repo.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, default_provider, gemini_fallback_enabled, usage_tracking_enabled, updated_at)
		VALUES (?, COALESCE(?, ''), COALESCE(?, 1), COALESCE(?, 1), ?)
		ON CONFLICT (user_id)
		DO UPDATE SET
			default_provider = COALESCE(?, user_preferences.default_provider),
			gemini_fallback_enabled = COALESCE(?, user_preferences.gemini_fallback_enabled),
			usage_tracking_enabled = COALESCE(?, user_preferences.usage_tracking_enabled),
			updated_at = excluded.updated_at
	`,
		s.userID, defaultProvider, fallback, tracking, formatTime(s.repo.now()),
		defaultProvider, fallback, tracking,
	)
	if err != nil {
		return dbError("set user preferences", "user_preferences", err)
	}
	return nil
}

func (s *sqliteKeyStore) GetStorageStats(ctx context.Context) (models.StorageStats, error) {
	var stats models.StorageStats
	err := s.repo.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(encrypted_key) + LENGTH(key_id) + LENGTH(provider) + 64), 0)
		FROM api_keys WHERE user_id = ?
	`, s.userID).Scan(&stats.APIKeysCount, &stats.TotalSize)
	if err != nil {
		return models.StorageStats{}, dbError("get storage stats", "api_keys", err)
	}
	return stats, nil
}

var _ keys.Store = (*sqliteKeyStore)(nil)
var _ keys.StoreFactory = (*SQLiteRepository)(nil)
