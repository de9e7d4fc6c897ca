package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func TestUserQueriesRequireUserID(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("UpsertCredential requires owner", func(t *testing.T) {
		err := q.UpsertCredential(ctx, CredentialRecord{Provider: "bybit"})
		assert.ErrorIs(t, err, ErrUserIDRequired)
	})
	t.Run("GetCredential requires owner", func(t *testing.T) {
		_, err := q.GetCredential(ctx, "", "bybit", "demo")
		assert.ErrorIs(t, err, ErrUserIDRequired)
	})
	t.Run("ListSettings requires user", func(t *testing.T) {
		_, err := q.ListSettings(ctx, "")
		assert.ErrorIs(t, err, ErrUserIDRequired)
	})
}

func TestCredentialUpsertOverwrites(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	_, err := q.GetCredential(ctx, "u1", "bybit", "demo")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, q.UpsertCredential(ctx, CredentialRecord{
		OwnerID: "u1", Provider: "bybit", Environment: "demo", Ciphertext: "c1", SchemeVersion: 1, MaskedKey: "abcd...wxyz",
	}))
	require.NoError(t, q.UpsertCredential(ctx, CredentialRecord{
		OwnerID: "u1", Provider: "bybit", Environment: "demo", Ciphertext: "c2", SchemeVersion: 1, MaskedKey: "efgh...wxyz",
	}))
	require.NoError(t, q.UpsertCredential(ctx, CredentialRecord{
		OwnerID: "u1", Provider: "bybit", Environment: "testnet", Ciphertext: "c3", SchemeVersion: 1,
	}))

	rec, err := q.GetCredential(ctx, "u1", "bybit", "demo")
	require.NoError(t, err)
	assert.Equal(t, "c2", rec.Ciphertext)
	assert.Equal(t, "efgh...wxyz", rec.MaskedKey)

	list, err := q.ListCredentials(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	other, err := q.ListCredentials(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSettingsRoundTrip(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	require.NoError(t, q.UpsertSettings(ctx, "u1", "trading", map[string]string{
		"max_leverage": "10",
		"stop_loss_pct": "2.5",
	}, map[string]string{"max_leverage": "max leverage"}))
	require.NoError(t, q.UpsertSettings(ctx, "u1", "trading", map[string]string{"max_leverage": "12"}, nil))

	settings, err := q.ListSettings(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, settings, 2)
	byKey := map[string]Setting{}
	for _, s := range settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, "12", byKey["max_leverage"].Value)
	assert.Equal(t, "2.5", byKey["stop_loss_pct"].Value)
}

func TestUserLockout(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.CreateUser(ctx, User{ID: "id-1", Username: "alice", PasswordHash: "h", IsActive: true}))
	u, err := database.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.False(t, u.AccountLocked)
	assert.Nil(t, u.LastLogin)

	for i := 0; i < 2; i++ {
		locked, err := database.RecordLoginFailure(ctx, "id-1", 3)
		require.NoError(t, err)
		assert.False(t, locked)
	}
	require.NoError(t, database.RecordLoginSuccess(ctx, "id-1"))
	for i := 0; i < 2; i++ {
		locked, _ := database.RecordLoginFailure(ctx, "id-1", 3)
		assert.False(t, locked)
	}
	locked, err := database.RecordLoginFailure(ctx, "id-1", 3)
	require.NoError(t, err)
	assert.True(t, locked)

	u, err = database.GetUserByID(ctx, "id-1")
	require.NoError(t, err)
	assert.True(t, u.AccountLocked)
	assert.NotNil(t, u.LastLogin)

	missing, err := database.GetUserByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.ErrorIs(t, database.DeleteUser(ctx, "bob"), ErrNotFound)
	require.NoError(t, database.DeleteUser(ctx, "alice"))
	n, err := database.CountUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVaultKeys(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	_, err := database.GetVaultKey(ctx, "rsa")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, database.PutVaultKey(ctx, "rsa", "ENC[v1]:abc"))
	require.NoError(t, database.PutVaultKey(ctx, "rsa", "ENC[v2]:def"))
	got, err := database.GetVaultKey(ctx, "rsa")
	require.NoError(t, err)
	assert.Equal(t, "ENC[v2]:def", got)
}
