// Package db provides owner-isolated queries over the bridge's SQLite store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Credential Queries
// ----------------------------------------

// UpsertCredential overwrites the record for (owner, provider, environment).
func (q *UserQueries) UpsertCredential(ctx context.Context, rec CredentialRecord) error {
	if rec.OwnerID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credential_records (owner_id, provider, environment, ciphertext, scheme_version, masked_key, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, provider, environment) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			scheme_version = excluded.scheme_version,
			masked_key = excluded.masked_key,
			updated_at = excluded.updated_at
	`, rec.OwnerID, rec.Provider, rec.Environment, rec.Ciphertext, rec.SchemeVersion, rec.MaskedKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential returns ErrNotFound when no record exists.
func (q *UserQueries) GetCredential(ctx context.Context, ownerID, provider, environment string) (*CredentialRecord, error) {
	if ownerID == "" {
		return nil, ErrUserIDRequired
	}
	var rec CredentialRecord
	err := q.db.QueryRowContext(ctx, `
		SELECT owner_id, provider, environment, ciphertext, scheme_version, masked_key, updated_at
		FROM credential_records
		WHERE owner_id = ? AND provider = ? AND environment = ?
	`, ownerID, provider, environment).Scan(&rec.OwnerID, &rec.Provider, &rec.Environment,
		&rec.Ciphertext, &rec.SchemeVersion, &rec.MaskedKey, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &rec, nil
}

// ListCredentials returns every record of an owner without ciphertext.
func (q *UserQueries) ListCredentials(ctx context.Context, ownerID string) ([]CredentialRecord, error) {
	if ownerID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT owner_id, provider, environment, scheme_version, masked_key, updated_at
		FROM credential_records
		WHERE owner_id = ?
		ORDER BY provider, environment
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []CredentialRecord
	for rows.Next() {
		var rec CredentialRecord
		if err := rows.Scan(&rec.OwnerID, &rec.Provider, &rec.Environment, &rec.SchemeVersion, &rec.MaskedKey, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Settings Queries
// ----------------------------------------

// UpsertSettings writes all values of one category in a single transaction.
func (q *UserQueries) UpsertSettings(ctx context.Context, userID, category string, values map[string]string, descriptions map[string]string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO configurations (user_id, category, key, value, description, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, category, key) DO UPDATE SET
			value = excluded.value,
			description = excluded.description,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare settings upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, userID, category, key, value, descriptions[key], now); err != nil {
			return fmt.Errorf("upsert setting %s.%s: %w", category, key, err)
		}
	}
	return tx.Commit()
}

// ListSettings returns every stored value for a user.
func (q *UserQueries) ListSettings(ctx context.Context, userID string) ([]Setting, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, category, key, value, COALESCE(description, ''), updated_at
		FROM configurations
		WHERE user_id = ?
		ORDER BY category, key
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.UserID, &s.Category, &s.Key, &s.Value, &s.Description, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
