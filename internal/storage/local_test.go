package storage

import (
	"context"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalService(t *testing.T) *LocalService {
	t.Helper()
	svc, err := NewLocalService("local", &LocalConfig{
		Root:       t.TempDir(),
		PublicBase: "/files",
		Secret:     "test-secret",
	})
	require.NoError(t, err)
	return svc
}

func TestLocalService_RoundTrip(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	payloads := map[string][]byte{
		"plain.txt":         []byte("hello"),
		"nested/dir/b.bin":  {0x00, 0xff, 0x10},
		"unicode/✅.dat":     []byte("päyload"),
		"no-extension-file": []byte(strings.Repeat("x", 1<<16)),
	}

	for key, payload := range payloads {
		err := svc.Put(ctx, key, strings.NewReader(string(payload)), int64(len(payload)), nil)
		require.NoError(t, err, key)

		got, err := svc.Get(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, payload, got, key)
	}
}

func TestLocalService_PutOverwrites(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	require.NoError(t, svc.Put(ctx, "k", strings.NewReader("one"), 3, nil))
	require.NoError(t, svc.Put(ctx, "k", strings.NewReader("two"), 3, nil))

	got, err := svc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestLocalService_GetMissing_IsNotFound(t *testing.T) {
	svc := newLocalService(t)

	_, err := svc.Get(context.Background(), "nope.txt")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestLocalService_DeleteIdempotent(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	require.NoError(t, svc.Put(ctx, "doomed.txt", strings.NewReader("x"), 1, nil))

	assert.NoError(t, svc.Delete(ctx, "doomed.txt"))
	assert.NoError(t, svc.Delete(ctx, "doomed.txt"))
	assert.NoError(t, svc.Delete(ctx, "never-existed.txt"))
}

func TestLocalService_Exists(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	assert.False(t, svc.Exists(ctx, "a.txt"))
	require.NoError(t, svc.Put(ctx, "a.txt", strings.NewReader("x"), 1, nil))
	assert.True(t, svc.Exists(ctx, "a.txt"))
	assert.False(t, svc.Exists(ctx, "../a.txt"))
}

func TestLocalService_RejectsTraversalKeys(t *testing.T) {
	svc := newLocalService(t)
	ctx := context.Background()

	for _, key := range []string{"../escape", "a/../../b", "/absolute", `back\slash`} {
		err := svc.Put(ctx, key, strings.NewReader("x"), 1, nil)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestLocalService_PublicURL(t *testing.T) {
	svc := newLocalService(t)
	assert.Equal(t, "/files/abc/def.png", svc.PublicURL("abc/def.png"))

	bare, err := NewLocalService("local", &LocalConfig{Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "/key.png", bare.PublicURL("key.png"))
}

func TestLocalService_SignedURL_RoundTrip(t *testing.T) {
	svc := newLocalService(t)

	signed, err := svc.SignedURL(context.Background(), "secret.pdf", time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	q := u.Query()

	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, expires, time.Now().Unix())

	assert.True(t, svc.VerifySignature("secret.pdf", expires, q.Get("signature")))
	assert.False(t, svc.VerifySignature("other.pdf", expires, q.Get("signature")))
	assert.False(t, svc.VerifySignature("secret.pdf", expires-1, q.Get("signature")))
}

func TestLocalService_SignedURL_RequiresSecret(t *testing.T) {
	svc, err := NewLocalService("local", &LocalConfig{Root: t.TempDir()})
	require.NoError(t, err)

	_, err = svc.SignedURL(context.Background(), "a.txt", time.Minute)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "secret", cfgErr.Field)
}

func TestLocalService_DefaultRootUnderTemp(t *testing.T) {
	svc, err := NewLocalService("local", &LocalConfig{})
	require.NoError(t, err)
	assert.DirExists(t, svc.Root())
	assert.True(t, filepath.IsAbs(svc.Root()))
}

func TestLocalService_UpdateMetadata_NoOp(t *testing.T) {
	svc := newLocalService(t)
	assert.NoError(t, svc.UpdateMetadata(context.Background(), "whatever", map[string]string{"a": "b"}))
}
