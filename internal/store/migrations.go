package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
// The SQL is shared by SQLite and Postgres, so it sticks to the common
// subset of both dialects.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS commit_heads (
	account_id TEXT   NOT NULL,
	obj_type   TEXT   NOT NULL,
	head       BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, obj_type)
);

CREATE TABLE IF NOT EXISTS entities (
	id          TEXT      NOT NULL,
	account_id  TEXT      NOT NULL,
	obj_type    TEXT      NOT NULL,
	revision    BIGINT    NOT NULL,
	owner_id    TEXT      NOT NULL DEFAULT '',
	creator_id  TEXT      NOT NULL DEFAULT '',
	deleted     BOOLEAN   NOT NULL DEFAULT FALSE,
	commit_id   BIGINT    NOT NULL,
	fields      TEXT      NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, obj_type, id)
);

CREATE INDEX IF NOT EXISTS idx_entities_commit ON entities(account_id, obj_type, commit_id);

CREATE TABLE IF NOT EXISTS entity_changes (
	account_id TEXT      NOT NULL,
	obj_type   TEXT      NOT NULL,
	commit_id  BIGINT    NOT NULL,
	entity_id  TEXT      NOT NULL,
	action     TEXT      NOT NULL CHECK(action IN ('create', 'update', 'delete')),
	revision   BIGINT    NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, obj_type, commit_id)
);

CREATE INDEX IF NOT EXISTS idx_entity_changes_entity ON entity_changes(account_id, obj_type, entity_id)
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS partners (
	id         TEXT PRIMARY KEY,
	account_id TEXT      NOT NULL,
	owner_id   TEXT      NOT NULL DEFAULT '',
	last_sync  TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_partners_account ON partners(account_id);

CREATE TABLE IF NOT EXISTS collections (
	id             TEXT PRIMARY KEY,
	partner_id     TEXT      NOT NULL REFERENCES partners(id) ON DELETE CASCADE,
	obj_type       TEXT      NOT NULL,
	scope_field    TEXT      NOT NULL DEFAULT '',
	scope_value    TEXT      NOT NULL DEFAULT '',
	filter         TEXT      NOT NULL DEFAULT '[]',
	last_commit_id BIGINT    NOT NULL DEFAULT 0,
	revision       BIGINT    NOT NULL DEFAULT 1,
	initialized    BOOLEAN   NOT NULL DEFAULT FALSE,
	last_sync      TIMESTAMP,
	created_at     TIMESTAMP NOT NULL,
	UNIQUE (partner_id, obj_type, scope_field, scope_value)
);

CREATE TABLE IF NOT EXISTS export_ledger (
	collection_id TEXT      NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	unique_id     TEXT      NOT NULL,
	commit_id     BIGINT    NOT NULL,
	action        TEXT      NOT NULL CHECK(action IN ('create', 'update', 'delete')),
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (collection_id, unique_id)
);

CREATE TABLE IF NOT EXISTS import_records (
	collection_id   TEXT      NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	obj_type        TEXT      NOT NULL,
	local_id        TEXT      NOT NULL,
	local_revision  BIGINT    NOT NULL DEFAULT 0,
	local_commit_id BIGINT    NOT NULL DEFAULT 0,
	remote_id       TEXT      NOT NULL,
	remote_revision BIGINT    NOT NULL DEFAULT 0,
	deleted         BOOLEAN   NOT NULL DEFAULT FALSE,
	updated_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (collection_id, remote_id)
);

CREATE INDEX IF NOT EXISTS idx_import_records_local ON import_records(collection_id, local_id)
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE collections ADD COLUMN generation BIGINT NOT NULL DEFAULT 0
`,
	},
}
