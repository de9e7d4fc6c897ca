package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is an account allowed to sign in to the bridge.
type User struct {
	ID                  string
	Username            string
	PasswordHash        string
	IsAdmin             bool
	IsActive            bool
	AccountLocked       bool
	FailedLoginAttempts int
	LastLogin           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CredentialRecord holds one encrypted provider secret bundle.
type CredentialRecord struct {
	OwnerID       string
	Provider      string
	Environment   string
	Ciphertext    string
	SchemeVersion int
	MaskedKey     string
	UpdatedAt     time.Time
}

// Setting is one persisted configuration value (JSON encoded).
type Setting struct {
	UserID      string
	Category    string
	Key         string
	Value       string
	Description string
	UpdatedAt   time.Time
}

const userColumns = `id, username, password_hash, is_admin, is_active, account_locked,
	failed_login_attempts, last_login, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u         User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.IsActive, &u.AccountLocked,
		&u.FailedLoginAttempts, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}

func (d *Database) CreateUser(ctx context.Context, u User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, is_admin, is_active, account_locked, failed_login_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, u.ID, u.Username, u.PasswordHash, u.IsAdmin, u.IsActive, u.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByUsername returns nil, nil when the user does not exist.
func (d *Database) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// GetUserByID returns nil, nil when the user does not exist.
func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (d *Database) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (d *Database) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// DeleteUser removes a user by username; ErrNotFound when absent.
func (d *Database) DeleteUser(ctx context.Context, username string) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordLoginFailure bumps the failure counter and locks the account once
// maxAttempts is reached. It reports whether the account is now locked.
func (d *Database) RecordLoginFailure(ctx context.Context, id string, maxAttempts int) (bool, error) {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users SET
			failed_login_attempts = failed_login_attempts + 1,
			account_locked = CASE WHEN ? > 0 AND failed_login_attempts + 1 >= ? THEN 1 ELSE account_locked END,
			updated_at = ?
		WHERE id = ?
	`, maxAttempts, maxAttempts, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("record login failure: %w", err)
	}
	var locked bool
	if err := d.DB.QueryRowContext(ctx, `SELECT account_locked FROM users WHERE id = ?`, id).Scan(&locked); err != nil {
		return false, fmt.Errorf("read lock flag: %w", err)
	}
	return locked, nil
}

// RecordLoginSuccess resets the failure counter and stamps last_login.
func (d *Database) RecordLoginSuccess(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users SET failed_login_attempts = 0, last_login = ?, updated_at = ? WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("record login success: %w", err)
	}
	return nil
}

func (d *Database) UpdatePassword(ctx context.Context, id, hash string) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// GetVaultKey returns the stored key material or ErrNotFound.
func (d *Database) GetVaultKey(ctx context.Context, id string) (string, error) {
	var material string
	err := d.DB.QueryRowContext(ctx, `SELECT material FROM vault_keys WHERE id = ?`, id).Scan(&material)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query vault key: %w", err)
	}
	return material, nil
}

func (d *Database) PutVaultKey(ctx context.Context, id, material string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO vault_keys (id, material, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET material = excluded.material
	`, id, material, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put vault key: %w", err)
	}
	return nil
}
