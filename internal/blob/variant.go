package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/blobdepot/blobdepot/internal/storage"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const variantKnownKeys = 4096

// Transformation is one named operation with its parameters. The order
// of a transformation list is semantically significant: resize-then-
// format is not format-then-resize.
type Transformation struct {
	Op     string
	Params map[string]string
}

// Transformer is the external image-processing capability: apply a
// named operation to raw bytes and return the new bytes.
type Transformer interface {
	Apply(ctx context.Context, op string, params map[string]string, src []byte) ([]byte, error)
}

// VariantRecord is the cache marker row for one derived artifact.
type VariantRecord struct {
	ID              string `db:"id" json:"id"`
	BlobID          string `db:"blob_id" json:"blobId"`
	VariationDigest string `db:"variation_digest" json:"variationDigest"`
}

// VariantCache computes and caches derived artifacts of image blobs.
//
// Concurrent Ensure calls for the same (blob, transformations) may
// both compute the variant; both write the same derived key with
// equivalent bytes, so the race wastes work but stays correct. Callers
// needing exactly-once derivation must lock on the derived key
// themselves.
type VariantCache struct {
	store       *Store
	transformer Transformer
	known       *lru.Cache[string, struct{}]
}

func NewVariantCache(store *Store, transformer Transformer) (*VariantCache, error) {
	known, err := lru.New[string, struct{}](variantKnownKeys)
	if err != nil {
		return nil, err
	}
	return &VariantCache{store: store, transformer: transformer, known: known}, nil
}

// VariationDigest hashes the ordered transformation list. List order is
// preserved; only the keys inside a single transformation's parameter
// map are sorted, since map iteration order carries no meaning.
//
// Every field is length-prefixed and each transformation carries its
// param count, so no op or param value can fake a record boundary.
func VariationDigest(transformations []Transformation) string {
	h := sha256.New()
	for _, t := range transformations {
		hashField(h, t.Op)

		keys := make([]string, 0, len(t.Params))
		for k := range t.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(h, "%d;", len(keys))
		for _, k := range keys {
			hashField(h, k)
			hashField(h, t.Params[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashField(h io.Writer, s string) {
	fmt.Fprintf(h, "%d:%s", len(s), s)
}

// DerivedKey composes the parent key and the variation digest into the
// deterministic backend key of the derived artifact.
func DerivedKey(b *Blob, transformations []Transformation) string {
	return derivedKeyFor(b.Key, VariationDigest(transformations))
}

func derivedKeyFor(blobKey, digest string) string {
	return "variants/" + blobKey + "/" + digest
}

// Ensure returns the derived key, computing and uploading the variant
// on first use. Only image blobs are eligible.
func (v *VariantCache) Ensure(ctx context.Context, b *Blob, transformations []Transformation) (string, error) {
	if !b.IsImage() {
		return "", &UsageError{Detail: fmt.Sprintf("variant of non-image blob %q (%s)", b.Key, b.ContentType)}
	}
	if len(transformations) == 0 {
		return "", &UsageError{Detail: "at least one transformation required"}
	}

	digest := VariationDigest(transformations)
	derivedKey := derivedKeyFor(b.Key, digest)

	if v.known.Contains(derivedKey) {
		return derivedKey, nil
	}

	svc, err := v.store.registry.Get(b.ServiceName)
	if err != nil {
		return "", err
	}

	if svc.Exists(ctx, derivedKey) {
		v.known.Add(derivedKey, struct{}{})
		return derivedKey, nil
	}

	src, err := v.store.Get(ctx, b)
	if err != nil {
		return "", fmt.Errorf("fetch original %q: %w", b.Key, err)
	}

	out := src
	for _, t := range transformations {
		out, err = v.transformer.Apply(ctx, t.Op, t.Params, out)
		if err != nil {
			return "", fmt.Errorf("apply %q to %q: %w", t.Op, b.Key, err)
		}
	}

	if err := svc.Put(ctx, derivedKey, bytes.NewReader(out), int64(len(out)), &storage.PutOptions{
		ContentType: derivedContentType(b, transformations),
	}); err != nil {
		return "", fmt.Errorf("store variant %q: %w", derivedKey, err)
	}

	// Bookkeeping row, best effort: the cached object is addressed by
	// its deterministic key whether or not the row exists.
	if _, err := v.store.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO variant_records (id, blob_id, variation_digest) VALUES (?, ?, ?)`,
		uuid.NewString(), b.ID, digest); err != nil {
		slog.Warn("variant record insert failed", "blob", b.ID, "digest", digest, "error", err)
	}

	v.known.Add(derivedKey, struct{}{})
	slog.Info("variant derived", "key", derivedKey, "ops", len(transformations))
	return derivedKey, nil
}

// Records returns the cache marker rows of a blob, mostly for
// inspection and tests.
func (v *VariantCache) Records(ctx context.Context, b *Blob) ([]*VariantRecord, error) {
	var records []*VariantRecord
	if err := v.store.db.SelectContext(ctx, &records,
		`SELECT * FROM variant_records WHERE blob_id = ?`, b.ID); err != nil {
		return nil, fmt.Errorf("query variant records of %q: %w", b.ID, err)
	}
	return records, nil
}

// derivedContentType keeps the parent's content type unless a "format"
// transformation names a new one.
func derivedContentType(b *Blob, transformations []Transformation) string {
	contentType := b.ContentType
	for _, t := range transformations {
		if t.Op == "format" {
			if ct, ok := t.Params["content_type"]; ok && ct != "" {
				contentType = ct
			}
		}
	}
	return contentType
}
