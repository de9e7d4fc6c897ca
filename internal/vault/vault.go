// Package vault stores provider secrets behind the layered sealing pipeline
// and validates them against the live providers.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/feng04-qyq/backend/internal/provider"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/crypto"
	"github.com/feng04-qyq/backend/pkg/db"
	"github.com/feng04-qyq/backend/pkg/i18n"
)

const (
	EnvDemo    = "demo"
	EnvTestnet = "testnet"
	EnvMainnet = "mainnet"
	EnvNone    = "none"
)

// ErrNotConfigured reports that no record exists for (owner, provider, environment).
var ErrNotConfigured = errors.New("credentials not configured")

// secretFields never leave the vault once submitted.
var secretFields = []string{"api_key", "api_secret", "encrypted", "payload"}

// Store is the persistence the vault writes through.
type Store interface {
	UpsertCredential(ctx context.Context, rec db.CredentialRecord) error
	GetCredential(ctx context.Context, ownerID, provider, environment string) (*db.CredentialRecord, error)
	ListCredentials(ctx context.Context, ownerID string) ([]db.CredentialRecord, error)
}

// Owner identifies the caller. SessionToken keys client-side payload decryption.
type Owner struct {
	ID           string
	SessionToken string
}

// Submission is the outcome of Submit.
type Submission struct {
	Result      provider.Result `json:"validation"`
	Environment string          `json:"environment"`
	Stored      bool            `json:"stored"`
	MaskedKey   string          `json:"masked_key,omitempty"`
	// Settings are the non-secret fields of the payload.
	Settings map[string]any `json:"-"`
}

// MaskedCredential is the only form of a record shown to clients.
type MaskedCredential struct {
	Provider      string    `json:"provider"`
	Environment   string    `json:"environment"`
	MaskedKey     string    `json:"masked_key"`
	SchemeVersion int       `json:"scheme_version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type sealedBundle struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret,omitempty"`
}

// Vault ties the sealing scheme, the record store and provider validation.
type Vault struct {
	store     Store
	scheme    *crypto.Scheme
	providers *provider.Registry
	locks     keyedMutex
	observe   func(op, outcome string)
}

func New(store Store, scheme *crypto.Scheme, providers *provider.Registry) *Vault {
	return &Vault{store: store, scheme: scheme, providers: providers}
}

// OnOperation registers a callback receiving (op, ok|error).
func (v *Vault) OnOperation(fn func(op, outcome string)) {
	v.observe = fn
}

func (v *Vault) record(op string, err error) {
	if v.observe == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	v.observe(op, outcome)
}

// Resolve turns a payload into plaintext fields. An encrypted payload that
// cannot be opened fails with ErrDecryptionFailed and is never read as plaintext.
func (v *Vault) Resolve(owner Owner, payload crypto.CredentialPayload) (map[string]any, error) {
	fields, err := payload.Resolve(owner.SessionToken)
	if err != nil {
		if payload.IsEncrypted() {
			log.Printf("[VAULT] "+i18n.Get("PayloadDecryptError"), owner.ID)
			v.record("decrypt", err)
			return nil, apperr.ErrDecryptionFailed.Wrap(err)
		}
		return nil, apperr.ErrInvalidRequest.Wrap(err)
	}
	if payload.IsEncrypted() {
		v.record("decrypt", nil)
	}
	return fields, nil
}

// Validate performs the live provider check.
func (v *Vault) Validate(ctx context.Context, providerName string, creds provider.Credentials) (provider.Result, error) {
	return v.providers.Validate(ctx, providerName, creds)
}

// ValidatePayload decrypts and validates without storing.
func (v *Vault) ValidatePayload(ctx context.Context, owner Owner, providerName string, payload crypto.CredentialPayload) (provider.Result, error) {
	fields, err := v.Resolve(owner, payload)
	if err != nil {
		return provider.Result{}, err
	}
	creds, _, err := credentialsFrom(providerName, fields)
	if err != nil {
		return provider.Result{}, err
	}
	return v.Validate(ctx, providerName, creds)
}

// Submit decrypts, validates against the provider and, when the provider
// accepts the key (soft pass included), stores it. A payload without api_key
// only carries settings and leaves the stored record untouched.
func (v *Vault) Submit(ctx context.Context, owner Owner, providerName string, payload crypto.CredentialPayload) (*Submission, error) {
	fields, err := v.Resolve(owner, payload)
	if err != nil {
		return nil, err
	}
	creds, env, err := credentialsFrom(providerName, fields)
	if err != nil {
		return nil, err
	}
	sub := &Submission{Environment: env, Settings: nonSecret(fields)}
	if creds.APIKey == "" {
		return sub, nil
	}

	res, err := v.Validate(ctx, providerName, creds)
	sub.Result = res
	if err != nil {
		return sub, err
	}
	if !res.Valid {
		return sub, apperr.ProviderRejected(res.ProviderCode, res.Message)
	}
	if err := v.Store(ctx, owner.ID, providerName, env, creds); err != nil {
		return sub, err
	}
	sub.Stored = true
	sub.MaskedKey = Mask(creds.APIKey)
	return sub, nil
}

// Store seals credentials and overwrites the record for (owner, provider, environment).
func (v *Vault) Store(ctx context.Context, ownerID, providerName, env string, creds provider.Credentials) (err error) {
	if ownerID == "" {
		return db.ErrUserIDRequired
	}
	defer func() { v.record("store", err) }()

	unlock := v.locks.Lock(ownerID + "|" + providerName + "|" + env)
	defer unlock()

	plain, err := json.Marshal(sealedBundle{APIKey: creds.APIKey, APISecret: creds.APISecret})
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	ciphertext, version, err := v.scheme.Seal(plain)
	if err != nil {
		log.Printf("[VAULT] "+i18n.Get("VaultStoreFailed"), ownerID, providerName, env, err)
		return apperr.ErrInternal.Wrap(err)
	}
	masked := Mask(creds.APIKey)
	if err := v.store.UpsertCredential(ctx, db.CredentialRecord{
		OwnerID:       ownerID,
		Provider:      providerName,
		Environment:   env,
		Ciphertext:    ciphertext,
		SchemeVersion: version,
		MaskedKey:     masked,
	}); err != nil {
		log.Printf("[VAULT] "+i18n.Get("VaultStoreFailed"), ownerID, providerName, env, err)
		return apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	log.Printf("[VAULT] "+i18n.Get("CredentialsStored"), ownerID, providerName, env, masked)
	return nil
}

// LoadForRuntime reverses the full pipeline for the engine configuration
// sync. The result must never be written to an HTTP response or a log.
func (v *Vault) LoadForRuntime(ctx context.Context, ownerID, providerName, env string) (creds provider.Credentials, err error) {
	defer func() {
		if !errors.Is(err, ErrNotConfigured) {
			v.record("load", err)
		}
	}()

	rec, err := v.store.GetCredential(ctx, ownerID, providerName, env)
	if errors.Is(err, db.ErrNotFound) {
		return provider.Credentials{}, ErrNotConfigured
	}
	if err != nil {
		return provider.Credentials{}, apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	plain, err := v.scheme.Open(rec.Ciphertext)
	if err != nil {
		return provider.Credentials{}, apperr.ErrInternal.Wrap(fmt.Errorf("open %s/%s record: %w", providerName, env, err))
	}
	var bundle sealedBundle
	if err := json.Unmarshal(plain, &bundle); err != nil {
		return provider.Credentials{}, apperr.ErrInternal.Wrap(err)
	}
	return provider.Credentials{APIKey: bundle.APIKey, APISecret: bundle.APISecret, Environment: env}, nil
}

// Masked lists the owner's records in masked form.
func (v *Vault) Masked(ctx context.Context, ownerID string) ([]MaskedCredential, error) {
	recs, err := v.store.ListCredentials(ctx, ownerID)
	if err != nil {
		return nil, apperr.ErrDatabaseUnavailable.Wrap(err)
	}
	out := make([]MaskedCredential, 0, len(recs))
	for _, r := range recs {
		out = append(out, MaskedCredential{
			Provider:      r.Provider,
			Environment:   r.Environment,
			MaskedKey:     r.MaskedKey,
			SchemeVersion: r.SchemeVersion,
			UpdatedAt:     r.UpdatedAt,
		})
	}
	return out, nil
}

// Mask keeps the first and last four characters. Secrets of eight characters
// or fewer are hidden entirely.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// NormalizeEnvironment maps engine modes and aliases onto stored environments.
func NormalizeEnvironment(providerName, env string) (string, error) {
	if providerName != provider.Bybit {
		return EnvNone, nil
	}
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", EnvDemo:
		return EnvDemo, nil
	case EnvTestnet:
		return EnvTestnet, nil
	case EnvMainnet, "live":
		return EnvMainnet, nil
	}
	return "", apperr.ErrInvalidRequest.WithDetail("unknown environment %q", env)
}

func credentialsFrom(providerName string, fields map[string]any) (provider.Credentials, string, error) {
	envField := str(fields, "environment")
	if envField == "" {
		envField = str(fields, "active_environment")
	}
	env, err := NormalizeEnvironment(providerName, envField)
	if err != nil {
		return provider.Credentials{}, "", err
	}
	return provider.Credentials{
		APIKey:      strings.TrimSpace(str(fields, "api_key")),
		APISecret:   strings.TrimSpace(str(fields, "api_secret")),
		Environment: env,
		BaseURL:     str(fields, "base_url"),
		Model:       str(fields, "model"),
	}, env, nil
}

func nonSecret(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, val := range fields {
		out[k] = val
	}
	for _, k := range secretFields {
		delete(out, k)
	}
	delete(out, "environment")
	return out
}

func str(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

// keyedMutex serializes work per key without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
