package sqlite

// schema is applied with CREATE TABLE IF NOT EXISTS on every Open, so
// opening an existing database is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS resources (
	internal_id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id   TEXT NOT NULL UNIQUE,
	kind        INTEGER NOT NULL,
	parent_id   INTEGER NOT NULL DEFAULT 0,
	protected   INTEGER NOT NULL DEFAULT 0,
	last_touch  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_resources_parent ON resources(parent_id);
CREATE INDEX IF NOT EXISTS idx_resources_kind_touch ON resources(kind, last_touch);

CREATE TABLE IF NOT EXISTS main_tags (
	resource_id INTEGER NOT NULL,
	tag         TEXT NOT NULL,
	value       TEXT NOT NULL,
	PRIMARY KEY (resource_id, tag)
);

CREATE TABLE IF NOT EXISTS identifier_tags (
	resource_id      INTEGER NOT NULL,
	tag              TEXT NOT NULL,
	normalized_value TEXT NOT NULL,
	PRIMARY KEY (resource_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_identifier_tags_lookup ON identifier_tags(tag, normalized_value);

CREATE TABLE IF NOT EXISTS metadata (
	resource_id INTEGER NOT NULL,
	kind        INTEGER NOT NULL,
	value       TEXT NOT NULL,
	PRIMARY KEY (resource_id, kind)
);

CREATE TABLE IF NOT EXISTS attachments (
	resource_id       INTEGER NOT NULL,
	kind              INTEGER NOT NULL,
	uuid              TEXT NOT NULL,
	compressed_size   INTEGER NOT NULL,
	uncompressed_size INTEGER NOT NULL,
	compressed_hash   TEXT NOT NULL,
	uncompressed_hash TEXT NOT NULL,
	compression       INTEGER NOT NULL,
	PRIMARY KEY (resource_id, kind)
);

CREATE TABLE IF NOT EXISTS changes (
	sequence      INTEGER PRIMARY KEY AUTOINCREMENT,
	kind          INTEGER NOT NULL,
	resource_kind INTEGER NOT NULL,
	public_id     TEXT NOT NULL,
	timestamp     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exported_resources (
	sequence        INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_kind   INTEGER NOT NULL,
	public_id       TEXT NOT NULL,
	remote_modality TEXT NOT NULL,
	timestamp       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS global_properties (
	key   INTEGER PRIMARY KEY,
	value TEXT NOT NULL
);
`
