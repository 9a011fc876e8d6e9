package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seoul = time.FixedZone("KST", 9*60*60)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

// TestFileTokenStore_RoundTrip tests saving and loading the YAML token file
func TestFileTokenStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.yaml")
	store := NewFileTokenStore(path, seoul)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, seoul)
	store.now = func() time.Time { return now }

	cred := &Credential{
		AccessToken: "tok-abc",
		IssuedAt:    now.Add(-time.Hour),
		ExpiresAt:   now.Add(23 * time.Hour),
	}
	require.NoError(t, store.Save(context.Background(), cred))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "token: tok-abc")
	assert.Contains(t, string(data), "2026-03-03 08:00:00")

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "tok-abc", loaded.AccessToken)
	assert.True(t, cred.ExpiresAt.Equal(loaded.ExpiresAt))
	assert.True(t, cred.IssuedAt.Equal(loaded.IssuedAt))
}

// TestFileTokenStore_Missing tests that an absent file is not an error
func TestFileTokenStore_Missing(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "none.yaml"), seoul)
	cred, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)
}

// TestFileTokenStore_ExpiredAndLegacy tests expiry filtering and files without issued-at
func TestFileTokenStore_ExpiredAndLegacy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.yaml")
	store := NewFileTokenStore(path, seoul)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, seoul)
	store.now = func() time.Time { return now }

	require.NoError(t, os.WriteFile(path, []byte("token: old\nvalid-date: \"2026-03-02 11:59:59\"\n"), 0o600))
	cred, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred, "expired token should not be returned")

	require.NoError(t, os.WriteFile(path, []byte("token: legacy\nvalid-date: \"2026-03-03 10:00:00\"\n"), 0o600))
	cred, err = store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, seoul), cred.IssuedAt.In(seoul))
}

// TestFileTokenStore_Corrupt tests that an unparsable file is reported
func TestFileTokenStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: x\nvalid-date: tomorrow\n"), 0o600))

	_, err := NewFileTokenStore(path, seoul).Load(context.Background())
	assert.Error(t, err)
}

// TestNewRedisTokenStore_NilClient tests optional Redis support
func TestNewRedisTokenStore_NilClient(t *testing.T) {
	assert.Nil(t, NewRedisTokenStore(nil, "k"))
}

// TestRedisTokenStore_RoundTrip tests Redis persistence with TTL
func TestRedisTokenStore_RoundTrip(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisTokenStore(client, "")
	require.NotNil(t, store)

	now := time.Now()
	cred := &Credential{AccessToken: "shared", IssuedAt: now, ExpiresAt: now.Add(2 * time.Hour)}
	require.NoError(t, store.Save(context.Background(), cred))

	assert.True(t, mr.Exists("brokercore:token"))
	ttl := mr.TTL("brokercore:token")
	assert.Greater(t, ttl, 119*time.Minute)
	assert.LessOrEqual(t, ttl, 2*time.Hour)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "shared", loaded.AccessToken)
}

// TestRedisTokenStore_MissAndExpired tests cache misses and expiry handling
func TestRedisTokenStore_MissAndExpired(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewRedisTokenStore(client, "tok")

	cred, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)

	past := &Credential{AccessToken: "x", ExpiresAt: time.Now().Add(-time.Minute)}
	assert.Error(t, store.Save(context.Background(), past))
}

// TestRedisTokenStore_Unavailable tests error propagation when Redis is down
func TestRedisTokenStore_Unavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisTokenStore(client, "tok")
	mr.Close()

	_, err := store.Load(context.Background())
	assert.Error(t, err)
}
