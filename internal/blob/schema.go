package blob

const schemaSQL = `
CREATE TABLE IF NOT EXISTS blobs (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	service_name TEXT NOT NULL,
	byte_size INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blobs_created_at ON blobs(created_at);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_type TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	blob_id TEXT NOT NULL REFERENCES blobs(id),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (owner_type, owner_id, name, blob_id)
);

CREATE INDEX IF NOT EXISTS idx_attachments_owner ON attachments(owner_type, owner_id, name);
CREATE INDEX IF NOT EXISTS idx_attachments_blob ON attachments(blob_id);

CREATE TABLE IF NOT EXISTS variant_records (
	id TEXT PRIMARY KEY,
	blob_id TEXT NOT NULL REFERENCES blobs(id) ON DELETE CASCADE,
	variation_digest TEXT NOT NULL,
	UNIQUE (blob_id, variation_digest)
);
`
