package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Attachment is a polymorphic join row linking an owning entity to a
// blob under a named role.
type Attachment struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	OwnerType string `db:"owner_type" json:"ownerType"`
	OwnerID   string `db:"owner_id" json:"ownerId"`
	BlobID    string `db:"blob_id" json:"blobId"`
	CreatedAt string `db:"created_at" json:"createdAt"`
	UpdatedAt string `db:"updated_at" json:"updatedAt"`
}

// Index manages attachments and the reference-counted purge cascade
// into the blob store.
type Index struct {
	db     *sqlx.DB
	store  *Store
	owners *OwnerKinds
}

func NewIndex(store *Store, owners *OwnerKinds) *Index {
	return &Index{db: store.db, store: store, owners: owners}
}

func (ix *Index) checkOwner(owner Owner, name string) error {
	if owner.ID == "" || name == "" {
		return &UsageError{Detail: "owner id and attachment name required"}
	}
	if !ix.owners.Known(owner.Kind) {
		return &UsageError{Detail: fmt.Sprintf("unregistered owner kind %q", owner.Kind)}
	}
	return nil
}

// AttachOne replaces whatever is attached under (owner, name) with the
// given blob. Detach of the previous row and insert of the new one
// happen in one transaction; the replaced blob itself is retained.
func (ix *Index) AttachOne(ctx context.Context, owner Owner, name string, b *Blob) error {
	if err := ix.checkOwner(owner, name); err != nil {
		return err
	}

	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attach: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attachments WHERE owner_type = ? AND owner_id = ? AND name = ?`,
		owner.Kind, owner.ID, name); err != nil {
		return fmt.Errorf("detach previous %s %q: %w", owner, name, err)
	}
	if err := insertAttachment(ctx, tx, owner, name, b.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attach: %w", err)
	}
	return nil
}

// AttachMany adds one attachment row per blob under (owner, name)
// without touching existing rows.
func (ix *Index) AttachMany(ctx context.Context, owner Owner, name string, blobs []*Blob) error {
	if err := ix.checkOwner(owner, name); err != nil {
		return err
	}
	if len(blobs) == 0 {
		return nil
	}

	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attach: %w", err)
	}
	defer tx.Rollback()

	for _, b := range blobs {
		if err := insertAttachment(ctx, tx, owner, name, b.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attach: %w", err)
	}
	return nil
}

func insertAttachment(ctx context.Context, tx *sqlx.Tx, owner Owner, name, blobID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attachments (id, name, owner_type, owner_id, blob_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), name, owner.Kind, owner.ID, blobID, now, now); err != nil {
		if isUniqueViolation(err) {
			return &ConflictError{Detail: fmt.Sprintf("blob %q already attached to %s as %q", blobID, owner, name)}
		}
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// DetachOne removes the attachment rows for (owner, name). The blobs
// are retained.
func (ix *Index) DetachOne(ctx context.Context, owner Owner, name string) error {
	return ix.detach(ctx, owner, name)
}

// DetachMany removes all attachment rows for (owner, name). The blobs
// are retained.
func (ix *Index) DetachMany(ctx context.Context, owner Owner, name string) error {
	return ix.detach(ctx, owner, name)
}

func (ix *Index) detach(ctx context.Context, owner Owner, name string) error {
	if err := ix.checkOwner(owner, name); err != nil {
		return err
	}
	if _, err := ix.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE owner_type = ? AND owner_id = ? AND name = ?`,
		owner.Kind, owner.ID, name); err != nil {
		return fmt.Errorf("detach %s %q: %w", owner, name, err)
	}
	return nil
}

// Attached reports whether (owner, name) has at least one attachment.
func (ix *Index) Attached(ctx context.Context, owner Owner, name string) bool {
	var count int
	if err := ix.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM attachments WHERE owner_type = ? AND owner_id = ? AND name = ?`,
		owner.Kind, owner.ID, name); err != nil {
		return false
	}
	return count > 0
}

// GetOne returns the blob attached under (owner, name), or nil when
// nothing is attached.
func (ix *Index) GetOne(ctx context.Context, owner Owner, name string) (*Blob, error) {
	blobs, err := ix.GetMany(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		return nil, nil
	}
	return blobs[0], nil
}

// GetMany returns all blobs attached under (owner, name), oldest
// attachment first.
func (ix *Index) GetMany(ctx context.Context, owner Owner, name string) ([]*Blob, error) {
	if err := ix.checkOwner(owner, name); err != nil {
		return nil, err
	}

	var blobs []*Blob
	if err := ix.db.SelectContext(ctx, &blobs, `
		SELECT b.* FROM blobs b
		JOIN attachments a ON a.blob_id = b.id
		WHERE a.owner_type = ? AND a.owner_id = ? AND a.name = ?
		ORDER BY a.created_at, a.id`,
		owner.Kind, owner.ID, name); err != nil {
		return nil, fmt.Errorf("query attachments of %s %q: %w", owner, name, err)
	}
	return blobs, nil
}

// releasedBlob captures what is needed to delete backend bytes after
// the metadata transaction commits.
type releasedBlob struct {
	key         string
	serviceName string
	digests     []string
}

// PurgeAttached removes the attachment rows for (owner, name) and
// deletes every blob whose reference count thereby drops to zero.
//
// The recount and conditional row delete run inside one immediate
// transaction: sqlite's write lock serializes two concurrent purges of
// the same blob's last two attachments, so the blob can neither
// survive unreferenced nor be deleted twice.
func (ix *Index) PurgeAttached(ctx context.Context, owner Owner, name string) error {
	if err := ix.checkOwner(owner, name); err != nil {
		return err
	}

	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	var blobIDs []string
	if err := tx.SelectContext(ctx, &blobIDs,
		`SELECT DISTINCT blob_id FROM attachments WHERE owner_type = ? AND owner_id = ? AND name = ?`,
		owner.Kind, owner.ID, name); err != nil {
		return fmt.Errorf("list purge candidates: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attachments WHERE owner_type = ? AND owner_id = ? AND name = ?`,
		owner.Kind, owner.ID, name); err != nil {
		return fmt.Errorf("delete attachments of %s %q: %w", owner, name, err)
	}

	var released []releasedBlob
	for _, blobID := range blobIDs {
		var remaining int
		if err := tx.GetContext(ctx, &remaining,
			`SELECT COUNT(*) FROM attachments WHERE blob_id = ?`, blobID); err != nil {
			return fmt.Errorf("recount references of %q: %w", blobID, err)
		}
		if remaining > 0 {
			continue
		}

		var b Blob
		if err := tx.GetContext(ctx, &b, `SELECT * FROM blobs WHERE id = ?`, blobID); err != nil {
			return fmt.Errorf("load blob %q: %w", blobID, err)
		}
		var digests []string
		if err := tx.SelectContext(ctx, &digests,
			`SELECT variation_digest FROM variant_records WHERE blob_id = ?`, blobID); err != nil {
			return fmt.Errorf("list variants of %q: %w", blobID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM variant_records WHERE blob_id = ?`, blobID); err != nil {
			return fmt.Errorf("delete variant records of %q: %w", blobID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, blobID); err != nil {
			return fmt.Errorf("delete blob row %q: %w", blobID, err)
		}
		released = append(released, releasedBlob{key: b.Key, serviceName: b.ServiceName, digests: digests})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}

	// Byte deletion happens after the commit. A failure here leaves no
	// metadata behind, only unreferenced backend objects, and is
	// reported to the caller.
	var errs []error
	for _, rb := range released {
		svc, err := ix.store.registry.Get(rb.serviceName)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := ix.store.deleteBytes(ctx, svc, rb.key, rb.digests); err != nil {
			errs = append(errs, err)
		}
	}
	if len(released) > 0 {
		slog.Info("purged attachments", "owner", owner.String(), "name", name, "blobs_released", len(released))
	}
	return errors.Join(errs...)
}
