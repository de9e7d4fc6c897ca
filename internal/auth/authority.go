// Package auth issues, verifies and refreshes bearer session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/db"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// ScopesFor returns one of the two fixed scope sets.
func ScopesFor(isAdmin bool) []string {
	if isAdmin {
		return []string{ScopeRead, ScopeWrite, ScopeAdmin}
	}
	return []string{ScopeRead, ScopeWrite}
}

// Claims is the signed token body.
type Claims struct {
	UserID   string   `json:"uid"`
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	Admin    bool     `json:"admin"`
	jwt.RegisteredClaims
}

// Session is an immutable verified token.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Scopes    []string  `json:"scopes"`
	IsAdmin   bool      `json:"is_admin"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasScope reports whether the session covers scope.
func (s *Session) HasScope(scope string) bool {
	return slices.Contains(s.Scopes, scope)
}

// ExpiresIn is the remaining lifetime in whole seconds.
func (s *Session) ExpiresIn(now time.Time) int {
	return max(0, int(s.ExpiresAt.Sub(now).Seconds()))
}

// UserStore is the subset of the bridge store the authority needs.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*db.User, error)
	GetUserByID(ctx context.Context, id string) (*db.User, error)
	CreateUser(ctx context.Context, u db.User) error
	CountUsers(ctx context.Context) (int, error)
	RecordLoginFailure(ctx context.Context, id string, maxAttempts int) (bool, error)
	RecordLoginSuccess(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, hash string) error
}

// Authority signs HS256 tokens over a fixed TTL.
type Authority struct {
	secret      []byte
	ttl         time.Duration
	maxAttempts int
	users       UserStore
	now         func() time.Time
}

// Option adjusts an Authority.
type Option func(*Authority)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func NewAuthority(secret string, ttl time.Duration, maxAttempts int, users UserStore, opts ...Option) *Authority {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	a := &Authority{
		secret:      []byte(secret),
		ttl:         ttl,
		maxAttempts: maxAttempts,
		users:       users,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Now exposes the authority clock so callers compute expires_in consistently.
func (a *Authority) Now() time.Time { return a.now() }

// Issue verifies username/password and signs a new session.
func (a *Authority) Issue(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, apperr.ErrInvalidCredentials
	}
	user, err := a.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	if user == nil {
		return nil, apperr.ErrInvalidCredentials
	}
	if user.AccountLocked || !user.IsActive {
		return nil, apperr.ErrAccountLocked
	}

	if err := CheckPassword(user.PasswordHash, password); err != nil {
		locked, ferr := a.users.RecordLoginFailure(ctx, user.ID, a.maxAttempts)
		if ferr != nil {
			log.Printf("[AUTH] record failure for %s: %v", username, ferr)
		}
		if locked {
			log.Printf("[AUTH] "+i18n.Get("AccountLockedLog"), username, a.maxAttempts)
			return nil, apperr.ErrAccountLocked
		}
		return nil, apperr.ErrInvalidCredentials
	}
	if err := a.users.RecordLoginSuccess(ctx, user.ID); err != nil {
		log.Printf("[AUTH] record success for %s: %v", username, err)
	}
	return a.sign(user.ID, user.Username, ScopesFor(user.IsAdmin), user.IsAdmin)
}

func (a *Authority) sign(userID, username string, scopes []string, admin bool) (*Session, error) {
	now := a.now()
	exp := now.Add(a.ttl)
	claims := Claims{
		UserID:   userID,
		Username: username,
		Scopes:   scopes,
		Admin:    admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(fmt.Errorf("sign token: %w", err))
	}
	return &Session{
		Token:     token,
		UserID:    userID,
		Username:  username,
		Scopes:    scopes,
		IsAdmin:   admin,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks signature and expiry. It has no side effects.
func (a *Authority) Verify(token string) (*Session, error) {
	if token == "" {
		return nil, apperr.ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.ErrTokenExpired
		}
		return nil, apperr.ErrTokenInvalid.Wrap(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, apperr.ErrTokenInvalid
	}
	s := &Session{
		Token:     token,
		UserID:    claims.UserID,
		Username:  claims.Username,
		Scopes:    claims.Scopes,
		IsAdmin:   claims.Admin,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}
	return s, nil
}

// Refresh re-signs a still-valid token with a fresh expiry and the same scopes.
// An expired token fails with ErrTokenExpired.
func (a *Authority) Refresh(token string) (*Session, error) {
	s, err := a.Verify(token)
	if err != nil {
		return nil, err
	}
	return a.sign(s.UserID, s.Username, s.Scopes, s.IsAdmin)
}

// CreateUser registers a new account.
func (a *Authority) CreateUser(ctx context.Context, username, password string, isAdmin bool) (*db.User, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(password) < 6 {
		return nil, apperr.ErrInvalidRequest.WithDetail("username needs 3+ characters, password 6+")
	}
	existing, err := a.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	if existing != nil {
		return nil, apperr.ErrUserExists.WithDetail("%s", username)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}
	u := db.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		IsActive:     true,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.users.CreateUser(ctx, u); err != nil {
		return nil, apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	return &u, nil
}

// ChangePassword requires the current password.
func (a *Authority) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < 6 {
		return apperr.ErrInvalidRequest.WithDetail("new password needs 6+ characters")
	}
	user, err := a.users.GetUserByID(ctx, userID)
	if err != nil {
		return apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	if user == nil {
		return apperr.ErrUnknownUser
	}
	if err := CheckPassword(user.PasswordHash, current); err != nil {
		return apperr.ErrInvalidCredentials
	}
	hash, err := HashPassword(next)
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	if err := a.users.UpdatePassword(ctx, userID, hash); err != nil {
		return apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	return nil
}

// SeedAdmin creates the admin account when the user table is empty.
func (a *Authority) SeedAdmin(ctx context.Context, username, password string) (bool, error) {
	n, err := a.users.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if _, err := a.CreateUser(ctx, username, password, true); err != nil {
		return false, err
	}
	return true, nil
}

func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
