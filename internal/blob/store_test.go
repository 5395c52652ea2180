package blob

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blobdepot/blobdepot/internal/db"
	"github.com/blobdepot/blobdepot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, storage.Service) {
	t.Helper()

	reg, err := storage.NewRegistry([]storage.BackendConfig{{
		Name:   "local",
		Kind:   storage.KindLocal,
		Config: map[string]any{"root": t.TempDir(), "secret": "test-secret"},
	}}, "local")
	require.NoError(t, err)

	database, err := db.NewSqliteDB(db.WithPath(filepath.Join(t.TempDir(), "meta.db")))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := NewStore(database, reg)
	require.NoError(t, err)

	svc, err := reg.Get("local")
	require.NoError(t, err)
	return store, svc
}

// failingService rejects every upload, for compensation tests.
type failingService struct{}

func (f *failingService) Name() string { return "broken" }

func (f *failingService) Put(ctx context.Context, key string, body io.Reader, size int64, opts *storage.PutOptions) error {
	return &storage.BackendError{Detail: "injected put failure"}
}

func (f *failingService) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, &storage.NotFoundError{Key: key}
}

func (f *failingService) Delete(ctx context.Context, key string) error { return nil }

func (f *failingService) Exists(ctx context.Context, key string) bool { return false }

func (f *failingService) PublicURL(key string) string { return "/" + key }

func (f *failingService) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", &storage.BackendError{Detail: "unsupported"}
}

func (f *failingService) UpdateMetadata(ctx context.Context, key string, metadata map[string]string) error {
	return nil
}

func TestCreateAndUpload_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	payloads := [][]byte{
		[]byte("hello"),
		{0x00, 0x01, 0xfe, 0xff},
		[]byte(strings.Repeat("payload-", 1<<12)),
	}

	for i, payload := range payloads {
		b, err := store.CreateAndUpload(ctx, payload, &UploadAttrs{Filename: fmt.Sprintf("f%d.bin", i)})
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), b.ByteSize)
		assert.Equal(t, ComputeChecksum(payload), b.Checksum)
		assert.Equal(t, "local", b.ServiceName)

		got, err := store.Get(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestCreateAndUpload_InfersContentType(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	b, err := store.CreateAndUpload(ctx, []byte("hello"), &UploadAttrs{Filename: "a.txt"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(b.ContentType, "text/plain"), b.ContentType)

	b, err = store.CreateAndUpload(ctx, []byte("x"), &UploadAttrs{
		Filename:    "a.txt",
		ContentType: "application/x-custom",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-custom", b.ContentType)
}

func TestCreateAndUpload_UsageErrors(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var usageErr *UsageError
	_, err := store.CreateAndUpload(ctx, nil, &UploadAttrs{Filename: "a.txt"})
	assert.ErrorAs(t, err, &usageErr)

	_, err = store.CreateAndUpload(ctx, []byte("x"), &UploadAttrs{})
	assert.ErrorAs(t, err, &usageErr)

	_, err = store.CreateAndUpload(ctx, []byte("x"), nil)
	assert.ErrorAs(t, err, &usageErr)
}

func TestCreateAndUpload_UnknownService(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.CreateAndUpload(context.Background(), []byte("x"), &UploadAttrs{
		Filename:    "a.txt",
		ServiceName: "missing",
	})
	assert.ErrorIs(t, err, storage.ErrUnknownService)
}

func TestGenerateKey_Unique(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for range n {
		key := generateKey("photo.JPG")
		_, dup := seen[key]
		require.False(t, dup, "duplicate key %q", key)
		seen[key] = struct{}{}
		assert.True(t, strings.HasSuffix(key, ".jpg"), key)
	}
}

func TestGenerateKey_SanitizesExtension(t *testing.T) {
	assert.True(t, strings.HasSuffix(generateKey("report.pdf"), ".pdf"))
	assert.False(t, strings.Contains(generateKey("noext"), "."))
	// hostile extensions are dropped, never embedded
	assert.False(t, strings.Contains(generateKey("evil.p df"), " "))
	assert.False(t, strings.Contains(generateKey("x...."), "...."))
}

func TestCreateAndUpload_KeysNeverDeriveFromFilename(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	b, err := store.CreateAndUpload(ctx, []byte("x"), &UploadAttrs{Filename: "my secret report.pdf"})
	require.NoError(t, err)
	assert.NotContains(t, b.Key, "secret")
	assert.True(t, storage.ValidateKey(b.Key))
}

// If the backend upload fails, the metadata row inserted beforehand
// must be gone when the error returns.
func TestCreateAndUpload_CompensatesOnPutFailure(t *testing.T) {
	reg, err := storage.NewStaticRegistry("broken", &failingService{})
	require.NoError(t, err)

	database, err := db.NewSqliteDB(db.WithPath(filepath.Join(t.TempDir(), "meta.db")))
	require.NoError(t, err)
	defer database.Close()

	store, err := NewStore(database, reg)
	require.NoError(t, err)

	_, err = store.CreateAndUpload(context.Background(), []byte("x"), &UploadAttrs{Filename: "a.txt"})
	var backendErr *storage.BackendError
	require.ErrorAs(t, err, &backendErr)

	count, _, err := store.Totals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "orphan metadata row left behind")
}

func TestFindByKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	b, err := store.CreateAndUpload(ctx, []byte("x"), &UploadAttrs{Filename: "a.txt"})
	require.NoError(t, err)

	found, err := store.FindByKey(ctx, b.Key)
	require.NoError(t, err)
	assert.Equal(t, b.ID, found.ID)
	assert.Equal(t, b.Checksum, found.Checksum)

	_, err = store.FindByKey(ctx, "no-such-key")
	assert.True(t, storage.IsNotFound(err))

	_, err = store.Find(ctx, "no-such-id")
	assert.True(t, storage.IsNotFound(err))
}

func TestDelete_RemovesRowAndBytes(t *testing.T) {
	store, svc := newTestStore(t)
	ctx := context.Background()

	b, err := store.CreateAndUpload(ctx, []byte("x"), &UploadAttrs{Filename: "a.txt"})
	require.NoError(t, err)
	require.True(t, svc.Exists(ctx, b.Key))

	require.NoError(t, store.Delete(ctx, b))

	_, err = store.Find(ctx, b.ID)
	assert.True(t, storage.IsNotFound(err))
	assert.False(t, svc.Exists(ctx, b.Key))

	// deleting again: row gone is fine, bytes delete is idempotent
	assert.NoError(t, store.Delete(ctx, b))
}

func TestUpdateMetadataAndContentType(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	b, err := store.CreateAndUpload(ctx, []byte("x"), &UploadAttrs{
		Filename: "a.txt",
		Metadata: Metadata{"origin": "test"},
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdateMetadata(ctx, b, Metadata{"origin": "edited", "extra": "1"}))
	require.NoError(t, store.UpdateContentType(ctx, b, "text/markdown"))

	found, err := store.Find(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, Metadata{"origin": "edited", "extra": "1"}, found.Metadata)
	assert.Equal(t, "text/markdown", found.ContentType)
	// identity fields untouched
	assert.Equal(t, b.Key, found.Key)
	assert.Equal(t, b.Checksum, found.Checksum)

	var usageErr *UsageError
	assert.ErrorAs(t, store.UpdateContentType(ctx, b, ""), &usageErr)
}

func backdate(t *testing.T, store *Store, b *Blob, age time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-age).Format(time.RFC3339)
	_, err := store.db.Exec(`UPDATE blobs SET created_at = ? WHERE id = ?`, past, b.ID)
	require.NoError(t, err)
}

func TestPurgeUnattached(t *testing.T) {
	store, svc := newTestStore(t)
	index := NewIndex(store, testOwnerKinds())
	ctx := context.Background()

	oldLoose, err := store.CreateAndUpload(ctx, []byte("old loose"), &UploadAttrs{Filename: "a.txt"})
	require.NoError(t, err)
	backdate(t, store, oldLoose, 48*time.Hour)

	oldAttached, err := store.CreateAndUpload(ctx, []byte("old attached"), &UploadAttrs{Filename: "b.txt"})
	require.NoError(t, err)
	backdate(t, store, oldAttached, 48*time.Hour)
	require.NoError(t, index.AttachOne(ctx, Owner{Kind: "user", ID: "u1"}, "doc", oldAttached))

	freshLoose, err := store.CreateAndUpload(ctx, []byte("fresh loose"), &UploadAttrs{Filename: "c.txt"})
	require.NoError(t, err)

	result, err := store.PurgeUnattached(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Scanned)
	assert.Equal(t, int64(1), result.Purged)
	assert.Equal(t, int64(0), result.Failed)

	_, err = store.Find(ctx, oldLoose.ID)
	assert.True(t, storage.IsNotFound(err))
	assert.False(t, svc.Exists(ctx, oldLoose.Key))

	_, err = store.Find(ctx, oldAttached.ID)
	assert.NoError(t, err)
	_, err = store.Find(ctx, freshLoose.ID)
	assert.NoError(t, err)
}

// The purge delete path rechecks the reference count inside its
// transaction, so a blob that gained an attachment after the
// unattached scan is left alone.
func TestDeleteIfUnattached_BacksOffWhenReferenced(t *testing.T) {
	store, svc := newTestStore(t)
	index := NewIndex(store, testOwnerKinds())
	ctx := context.Background()

	b, err := store.CreateAndUpload(ctx, []byte("late attach"), &UploadAttrs{Filename: "a.txt"})
	require.NoError(t, err)
	require.NoError(t, index.AttachOne(ctx, Owner{Kind: "user", ID: "u1"}, "doc", b))

	err = store.deleteIfUnattached(ctx, b)
	require.ErrorIs(t, err, errBlobStillReferenced)

	_, err = store.Find(ctx, b.ID)
	assert.NoError(t, err)
	assert.True(t, svc.Exists(ctx, b.Key))

	// once detached it goes through
	require.NoError(t, index.DetachOne(ctx, Owner{Kind: "user", ID: "u1"}, "doc"))
	require.NoError(t, store.deleteIfUnattached(ctx, b))
	_, err = store.Find(ctx, b.ID)
	assert.True(t, storage.IsNotFound(err))
	assert.False(t, svc.Exists(ctx, b.Key))
}

func TestTotals(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	count, size, err := store.Totals(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, size)

	_, err = store.CreateAndUpload(ctx, []byte("12345"), &UploadAttrs{Filename: "a.txt"})
	require.NoError(t, err)
	_, err = store.CreateAndUpload(ctx, []byte("123"), &UploadAttrs{Filename: "b.txt"})
	require.NoError(t, err)

	count, size, err = store.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(8), size)
}

// End-to-end scenario: upload to a temp-rooted local service, attach,
// purge, and observe both metadata and bytes disappear.
func TestScenario_UploadAttachPurge(t *testing.T) {
	store, svc := newTestStore(t)
	index := NewIndex(store, testOwnerKinds())
	ctx := context.Background()

	b, err := store.CreateAndUpload(ctx, []byte("hello"), &UploadAttrs{Filename: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.ByteSize)
	assert.True(t, strings.HasPrefix(b.ContentType, "text/plain"))

	got, err := store.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	owner := Owner{Kind: "user", ID: "owner1"}
	require.NoError(t, index.AttachOne(ctx, owner, "doc", b))
	require.NoError(t, index.PurgeAttached(ctx, owner, "doc"))

	_, err = store.Find(ctx, b.ID)
	assert.True(t, storage.IsNotFound(err))

	_, err = svc.Get(ctx, b.Key)
	assert.True(t, storage.IsNotFound(err))
}
