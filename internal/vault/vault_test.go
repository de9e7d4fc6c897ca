package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/feng04-qyq/backend/internal/provider"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/crypto"
	"github.com/feng04-qyq/backend/pkg/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	vault    *Vault
	database *db.Database
	keys     *crypto.KeyManager
}

func newFixture(t *testing.T, bybitRet int) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	master := make([]byte, crypto.KeySize)
	for i := range master {
		master[i] = byte(i + 1)
	}
	keys, err := crypto.NewKeyManagerWithKeys(map[int][]byte{1: master})
	require.NoError(t, err)

	priv, err := LoadOrCreateWrapKey(context.Background(), database, keys, 2048)
	require.NoError(t, err)
	scheme := crypto.NewScheme(keys, crypto.StandardPipeline("vault-password", 1000, crypto.NewRSAWrap(priv), keys))

	bybit := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"retCode": bybitRet, "retMsg": "stub", "result": map[string]any{}})
	}))
	t.Cleanup(bybit.Close)
	deepseek := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(deepseek.Close)

	registry := provider.NewRegistry(2*time.Second,
		provider.NewBybitValidator(provider.BybitURLs{Demo: bybit.URL, Testnet: bybit.URL, Mainnet: bybit.URL}),
		provider.NewDeepSeekValidator(deepseek.URL),
	)
	return &fixture{vault: New(database.Queries(), scheme, registry), database: database, keys: keys}
}

func TestStoreLoadRoundTripEveryPair(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	pairs := []struct{ provider, env string }{
		{provider.Bybit, EnvDemo},
		{provider.Bybit, EnvTestnet},
		{provider.Bybit, EnvMainnet},
		{provider.DeepSeek, EnvNone},
	}
	for _, p := range pairs {
		t.Run(p.provider+"/"+p.env, func(t *testing.T) {
			in := provider.Credentials{APIKey: "key-" + p.env + "-0123456789", APISecret: "secret-" + p.env}
			require.NoError(t, f.vault.Store(ctx, "user-1", p.provider, p.env, in))

			rec, err := f.database.Queries().GetCredential(ctx, "user-1", p.provider, p.env)
			require.NoError(t, err)
			assert.NotContains(t, rec.Ciphertext, in.APIKey)
			assert.NotContains(t, rec.Ciphertext, in.APISecret)
			assert.Equal(t, 1, rec.SchemeVersion)

			out, err := f.vault.LoadForRuntime(ctx, "user-1", p.provider, p.env)
			require.NoError(t, err)
			assert.Equal(t, in.APIKey, out.APIKey)
			assert.Equal(t, in.APISecret, out.APISecret)
			assert.Equal(t, p.env, out.Environment)
		})
	}
}

func TestStoreOverwritesRecord(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.vault.Store(ctx, "u", provider.DeepSeek, EnvNone, provider.Credentials{APIKey: "first-key-0000"}))
	require.NoError(t, f.vault.Store(ctx, "u", provider.DeepSeek, EnvNone, provider.Credentials{APIKey: "second-key-1111"}))

	out, err := f.vault.LoadForRuntime(ctx, "u", provider.DeepSeek, EnvNone)
	require.NoError(t, err)
	assert.Equal(t, "second-key-1111", out.APIKey)

	masked, err := f.vault.Masked(ctx, "u")
	require.NoError(t, err)
	require.Len(t, masked, 1)
	assert.Equal(t, "seco...1111", masked[0].MaskedKey)
}

func TestConcurrentStoresSameKey(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := strings.Repeat(string(rune('a'+i)), 16)
			assert.NoError(t, f.vault.Store(ctx, "u", provider.Bybit, EnvDemo, provider.Credentials{APIKey: key, APISecret: key}))
		}(i)
	}
	wg.Wait()

	out, err := f.vault.LoadForRuntime(ctx, "u", provider.Bybit, EnvDemo)
	require.NoError(t, err)
	assert.Equal(t, out.APIKey, out.APISecret, "key and secret come from the same write")
}

func TestLoadMissing(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.vault.LoadForRuntime(context.Background(), "nobody", provider.Bybit, EnvDemo)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSubmitEncryptedPayload(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	owner := Owner{ID: "u", SessionToken: "session-token"}

	env, err := crypto.SealClientPayload([]byte(`{"api_key":"bybit-key-0123456789","api_secret":"bybit-secret","environment":"testnet","active_environment":"testnet"}`), owner.SessionToken)
	require.NoError(t, err)

	sub, err := f.vault.Submit(ctx, owner, provider.Bybit, crypto.CredentialPayload{Encrypted: &env})
	require.NoError(t, err)
	assert.True(t, sub.Stored)
	assert.True(t, sub.Result.Valid)
	assert.Equal(t, EnvTestnet, sub.Environment)
	assert.Equal(t, "bybi...6789", sub.MaskedKey)
	assert.Equal(t, "testnet", sub.Settings["active_environment"])
	assert.NotContains(t, sub.Settings, "api_key")
	assert.NotContains(t, sub.Settings, "api_secret")

	out, err := f.vault.LoadForRuntime(ctx, "u", provider.Bybit, EnvTestnet)
	require.NoError(t, err)
	assert.Equal(t, "bybit-secret", out.APISecret)
}

func TestSubmitTamperedPayloadNeverStores(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	owner := Owner{ID: "u", SessionToken: "session-token"}

	env, err := crypto.SealClientPayload([]byte(`{"api_key":"bybit-key-0123456789","api_secret":"s"}`), owner.SessionToken)
	require.NoError(t, err)
	env.Tag = flipFirstByte(t, env.Tag)

	_, err = f.vault.Submit(ctx, owner, provider.Bybit, crypto.CredentialPayload{Encrypted: &env})
	assert.ErrorIs(t, err, apperr.ErrDecryptionFailed)

	// Malformed envelope fails the same way.
	broken := crypto.EncryptedPayload{Encrypted: true, Salt: "AA==", IV: "not base64", Data: "AA==", Tag: "AA=="}
	_, err = f.vault.Submit(ctx, owner, provider.Bybit, crypto.CredentialPayload{Encrypted: &broken})
	assert.ErrorIs(t, err, apperr.ErrDecryptionFailed)

	_, err = f.vault.LoadForRuntime(ctx, "u", provider.Bybit, EnvDemo)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSubmitRejectedKeyIsNotStored(t *testing.T) {
	f := newFixture(t, 10003)
	ctx := context.Background()
	payload := crypto.CredentialPayload{Plain: map[string]any{"api_key": "bad-key-0123456789", "api_secret": "x"}}

	sub, err := f.vault.Submit(ctx, Owner{ID: "u"}, provider.Bybit, payload)
	require.ErrorIs(t, err, apperr.ErrProviderRejected)
	assert.Equal(t, "10003", apperr.From(err).ProviderCode)
	assert.False(t, sub.Stored)

	_, err = f.vault.LoadForRuntime(ctx, "u", provider.Bybit, EnvDemo)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSubmitSoftPassStores(t *testing.T) {
	f := newFixture(t, 10006)
	payload := crypto.CredentialPayload{Plain: map[string]any{"api_key": "rl-key-0123456789", "api_secret": "x"}}

	sub, err := f.vault.Submit(context.Background(), Owner{ID: "u"}, provider.Bybit, payload)
	require.NoError(t, err)
	assert.True(t, sub.Result.SoftPass)
	assert.True(t, sub.Stored)
}

func TestSubmitSettingsOnly(t *testing.T) {
	f := newFixture(t, 0)
	payload := crypto.CredentialPayload{Plain: map[string]any{"temperature": 0.5}}
	sub, err := f.vault.Submit(context.Background(), Owner{ID: "u"}, provider.DeepSeek, payload)
	require.NoError(t, err)
	assert.False(t, sub.Stored)
	assert.Equal(t, 0.5, sub.Settings["temperature"])
}

func TestWrapKeyPersistsAndRotates(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	first, err := LoadOrCreateWrapKey(ctx, f.database, f.keys, 2048)
	require.NoError(t, err)

	v1key, _ := f.keys.Key(1)
	v2key := make([]byte, crypto.KeySize)
	copy(v2key, v1key)
	v2key[0] ^= 0xFF
	rotated, err := crypto.NewKeyManagerWithKeys(map[int][]byte{1: v1key, 2: v2key})
	require.NoError(t, err)

	second, err := LoadOrCreateWrapKey(ctx, f.database, rotated, 2048)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	stored, err := f.database.GetVaultKey(ctx, wrapKeyID)
	require.NoError(t, err)
	assert.Equal(t, 2, crypto.ParseVersion(stored))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "abcd...wxyz", Mask("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "****", Mask("12345678"))
	assert.Equal(t, "****", Mask(""))
}

func flipFirstByte(t *testing.T, b64 string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	raw[0] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}
