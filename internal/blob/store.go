package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blobdepot/blobdepot/internal/storage"
	"github.com/blobdepot/blobdepot/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
)

const purgeWorkers = 8

// Store owns the blob metadata lifecycle. Bytes live in a registered
// storage backend; metadata lives in sqlite. The two are kept
// consistent through compensation, not two-phase commit.
type Store struct {
	db       *sqlx.DB
	registry *storage.Registry
}

func NewStore(db *sqlx.DB, registry *storage.Registry) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("initialize blob schema: %w", err)
	}
	return &Store{db: db, registry: registry}, nil
}

// UploadAttrs carries the caller-supplied attributes of an upload.
// ContentType and ServiceName are optional; Filename is required.
type UploadAttrs struct {
	Filename    string
	ContentType string
	ServiceName string
	Metadata    Metadata
}

// CreateAndUpload writes the metadata row, then the backend bytes. If
// the byte upload fails the row is deleted again before returning, so
// the store never holds a row with no backing object.
func (s *Store) CreateAndUpload(ctx context.Context, data []byte, attrs *UploadAttrs) (*Blob, error) {
	if len(data) == 0 {
		return nil, &UsageError{Detail: "byte_size must be positive"}
	}
	if attrs == nil || attrs.Filename == "" {
		return nil, &UsageError{Detail: "filename required"}
	}

	contentType := attrs.ContentType
	if contentType == "" {
		contentType = utils.DetectContentType(attrs.Filename)
	}

	serviceName := attrs.ServiceName
	if serviceName == "" {
		serviceName = s.registry.DefaultName()
	}
	svc, err := s.registry.Get(serviceName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	b := &Blob{
		ID:          uuid.NewString(),
		Key:         generateKey(attrs.Filename),
		Filename:    attrs.Filename,
		ContentType: contentType,
		ServiceName: serviceName,
		ByteSize:    int64(len(data)),
		Checksum:    ComputeChecksum(data),
		Metadata:    attrs.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (id, key, filename, content_type, service_name, byte_size, checksum, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Key, b.Filename, b.ContentType, b.ServiceName, b.ByteSize, b.Checksum, b.Metadata, b.CreatedAt, b.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{Detail: fmt.Sprintf("blob key %q already exists", b.Key)}
		}
		return nil, fmt.Errorf("insert blob row: %w", err)
	}

	if err := svc.Put(ctx, b.Key, bytes.NewReader(data), b.ByteSize, &storage.PutOptions{
		ContentType: b.ContentType,
		Metadata:    b.Metadata,
	}); err != nil {
		// Compensation: the row must not outlive a failed upload.
		if _, compErr := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, b.ID); compErr != nil {
			return nil, errors.Join(
				fmt.Errorf("upload %q to %q: %w", b.Key, serviceName, err),
				fmt.Errorf("compensating row delete: %w", compErr),
			)
		}
		return nil, fmt.Errorf("upload %q to %q: %w", b.Key, serviceName, err)
	}

	slog.Info("blob uploaded",
		"key", b.Key,
		"service", serviceName,
		"size", humanize.IBytes(uint64(b.ByteSize)))
	return b, nil
}

// Get returns the blob's bytes from its backend.
func (s *Store) Get(ctx context.Context, b *Blob) ([]byte, error) {
	svc, err := s.registry.Get(b.ServiceName)
	if err != nil {
		return nil, err
	}
	return svc.Get(ctx, b.Key)
}

// Find returns the blob with the given id.
func (s *Store) Find(ctx context.Context, id string) (*Blob, error) {
	return s.findOne(ctx, `SELECT * FROM blobs WHERE id = ?`, id)
}

// FindByKey returns the blob with the given backend key.
func (s *Store) FindByKey(ctx context.Context, key string) (*Blob, error) {
	return s.findOne(ctx, `SELECT * FROM blobs WHERE key = ?`, key)
}

func (s *Store) findOne(ctx context.Context, query string, arg string) (*Blob, error) {
	var b Blob
	if err := s.db.GetContext(ctx, &b, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &storage.NotFoundError{Key: arg}
		}
		return nil, fmt.Errorf("query blob: %w", err)
	}
	return &b, nil
}

// Delete removes the blob unconditionally: metadata row first, then
// backend bytes (original and any variants). It bypasses reference
// checks; reference-counted deletion goes through Index.PurgeAttached.
//
// If a byte deletion fails the row stays removed and the failure is
// reported: leaking database purity beats leaking storage cost.
func (s *Store) Delete(ctx context.Context, b *Blob) error {
	svc, err := s.registry.Get(b.ServiceName)
	if err != nil {
		return err
	}

	var digests []string
	if err := s.db.SelectContext(ctx, &digests,
		`SELECT variation_digest FROM variant_records WHERE blob_id = ?`, b.ID); err != nil {
		return fmt.Errorf("list variants of %q: %w", b.ID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE blob_id = ?`, b.ID); err != nil {
		return fmt.Errorf("delete attachments of %q: %w", b.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM variant_records WHERE blob_id = ?`, b.ID); err != nil {
		return fmt.Errorf("delete variant records of %q: %w", b.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, b.ID); err != nil {
		return fmt.Errorf("delete blob row %q: %w", b.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	return s.deleteBytes(ctx, svc, b.Key, digests)
}

// errBlobStillReferenced aborts a conditional delete when the blob
// gained an attachment after it was selected for purging.
var errBlobStillReferenced = errors.New("blob still referenced")

// deleteIfUnattached removes the blob like Delete, but rechecks the
// reference count inside the transaction and backs off when a new
// attachment appeared since the caller's scan.
func (s *Store) deleteIfUnattached(ctx context.Context, b *Blob) error {
	svc, err := s.registry.Get(b.ServiceName)
	if err != nil {
		return err
	}

	var digests []string
	if err := s.db.SelectContext(ctx, &digests,
		`SELECT variation_digest FROM variant_records WHERE blob_id = ?`, b.ID); err != nil {
		return fmt.Errorf("list variants of %q: %w", b.ID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	var refs int
	if err := tx.GetContext(ctx, &refs,
		`SELECT COUNT(*) FROM attachments WHERE blob_id = ?`, b.ID); err != nil {
		return fmt.Errorf("recount references of %q: %w", b.ID, err)
	}
	if refs > 0 {
		return errBlobStillReferenced
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM variant_records WHERE blob_id = ?`, b.ID); err != nil {
		return fmt.Errorf("delete variant records of %q: %w", b.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, b.ID); err != nil {
		return fmt.Errorf("delete blob row %q: %w", b.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	return s.deleteBytes(ctx, svc, b.Key, digests)
}

// deleteBytes removes the original object and every derived variant
// object. Failures are collected, not short-circuited.
func (s *Store) deleteBytes(ctx context.Context, svc storage.Service, key string, digests []string) error {
	errs := []error{}
	if err := svc.Delete(ctx, key); err != nil {
		errs = append(errs, fmt.Errorf("delete bytes %q: %w", key, err))
	}
	for _, digest := range digests {
		derived := derivedKeyFor(key, digest)
		if err := svc.Delete(ctx, derived); err != nil {
			errs = append(errs, fmt.Errorf("delete variant bytes %q: %w", derived, err))
		}
	}
	return errors.Join(errs...)
}

// UpdateMetadata replaces the blob's metadata map. The backend copy is
// refreshed best-effort.
func (s *Store) UpdateMetadata(ctx context.Context, b *Blob, metadata Metadata) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE blobs SET metadata = ?, updated_at = ? WHERE id = ?`,
		metadata, now, b.ID); err != nil {
		return fmt.Errorf("update metadata of %q: %w", b.ID, err)
	}
	b.Metadata = metadata
	b.UpdatedAt = now

	if svc, err := s.registry.Get(b.ServiceName); err == nil {
		if err := svc.UpdateMetadata(ctx, b.Key, metadata); err != nil {
			slog.Warn("backend metadata update failed", "key", b.Key, "error", err)
		}
	}
	return nil
}

// UpdateContentType overrides the stored content type. Identity fields
// (key, size, checksum) are never mutated.
func (s *Store) UpdateContentType(ctx context.Context, b *Blob, contentType string) error {
	if contentType == "" {
		return &UsageError{Detail: "content_type required"}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE blobs SET content_type = ?, updated_at = ? WHERE id = ?`,
		contentType, now, b.ID); err != nil {
		return fmt.Errorf("update content type of %q: %w", b.ID, err)
	}
	b.ContentType = contentType
	b.UpdatedAt = now
	return nil
}

// PurgeResult aggregates one PurgeUnattached batch.
type PurgeResult struct {
	Scanned int64
	Purged  int64
	Failed  int64
}

// PurgeUnattached deletes every blob with zero attachments created
// before the cutoff. The reference count is rechecked inside each
// delete transaction, so a blob attached after the scan survives.
// Per-blob failures are isolated: the batch always runs to completion
// and reports aggregate counts.
func (s *Store) PurgeUnattached(ctx context.Context, olderThan time.Duration) (*PurgeResult, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)

	var blobs []*Blob
	if err := s.db.SelectContext(ctx, &blobs, `
		SELECT b.* FROM blobs b
		LEFT JOIN attachments a ON a.blob_id = b.id
		WHERE a.id IS NULL AND b.created_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("query unattached blobs: %w", err)
	}

	result := &PurgeResult{Scanned: int64(len(blobs))}
	var purged, failed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(purgeWorkers)
	for _, b := range blobs {
		g.Go(func() error {
			switch err := s.deleteIfUnattached(ctx, b); {
			case err == nil:
				purged.Add(1)
			case errors.Is(err, errBlobStillReferenced):
				// attached after the scan, leave it alone
			default:
				failed.Add(1)
				slog.Warn("purge failed", "key", b.Key, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	result.Purged = purged.Load()
	result.Failed = failed.Load()
	slog.Info("purge complete", "scanned", result.Scanned, "purged", result.Purged, "failed", result.Failed)
	return result, nil
}

// Totals returns the number of blobs and their combined byte size.
func (s *Store) Totals(ctx context.Context) (int64, int64, error) {
	var row struct {
		Count int64 `db:"count"`
		Bytes int64 `db:"bytes"`
	}
	if err := s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS count, COALESCE(SUM(byte_size), 0) AS bytes FROM blobs`); err != nil {
		return 0, 0, fmt.Errorf("query totals: %w", err)
	}
	return row.Count, row.Bytes, nil
}

// ComputeChecksum returns the base64-encoded MD5 of the payload,
// computed once at upload time and never implicitly recomputed.
func ComputeChecksum(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

var regexKeyExt = regexp.MustCompile(`^\.[a-z0-9]+$`)

// generateKey returns a fresh random key: uuid plus the original
// (sanitized) extension. Filenames never feed into the key itself.
func generateKey(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !regexKeyExt.MatchString(ext) {
		ext = ""
	}
	return uuid.NewString() + ext
}
