package store

// Timestamps are stored as RFC3339 text so the same schema logic serves
// both SQLite and PostgreSQL.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS task_states (
	namespace        TEXT NOT NULL,
	todoist_task_id  TEXT NOT NULL,
	notion_page_id   TEXT NOT NULL DEFAULT '',
	payload_hash     TEXT NOT NULL DEFAULT '',
	echo_hash        TEXT NOT NULL DEFAULT '',
	sync_status      TEXT NOT NULL DEFAULT 'ok',
	sync_source      TEXT NOT NULL DEFAULT '',
	last_synced_at   TEXT NOT NULL DEFAULT '',
	error_note       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (namespace, todoist_task_id)
);
CREATE INDEX IF NOT EXISTS idx_task_states_status ON task_states(namespace, sync_status);

CREATE TABLE IF NOT EXISTS project_states (
	namespace           TEXT NOT NULL,
	todoist_project_id  TEXT NOT NULL,
	notion_page_id      TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL DEFAULT '',
	name_last_written   TEXT NOT NULL DEFAULT '',
	echo_hash           TEXT NOT NULL DEFAULT '',
	areas_frozen_at     TEXT NOT NULL DEFAULT '',
	last_synced_at      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (namespace, todoist_project_id)
);

CREATE TABLE IF NOT EXISTS resolver_cache (
	namespace  TEXT NOT NULL,
	cache_key  TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (namespace, cache_key)
);

CREATE TABLE IF NOT EXISTS sync_queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace   TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	message     TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	visible_at  TEXT NOT NULL DEFAULT '',
	acked       INTEGER NOT NULL DEFAULT 0,
	dead        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_ready ON sync_queue(namespace, acked, dead, visible_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS task_states (
	namespace        TEXT NOT NULL,
	todoist_task_id  TEXT NOT NULL,
	notion_page_id   TEXT NOT NULL DEFAULT '',
	payload_hash     TEXT NOT NULL DEFAULT '',
	echo_hash        TEXT NOT NULL DEFAULT '',
	sync_status      TEXT NOT NULL DEFAULT 'ok',
	sync_source      TEXT NOT NULL DEFAULT '',
	last_synced_at   TEXT NOT NULL DEFAULT '',
	error_note       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (namespace, todoist_task_id)
);
CREATE INDEX IF NOT EXISTS idx_task_states_status ON task_states(namespace, sync_status);

CREATE TABLE IF NOT EXISTS project_states (
	namespace           TEXT NOT NULL,
	todoist_project_id  TEXT NOT NULL,
	notion_page_id      TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL DEFAULT '',
	name_last_written   TEXT NOT NULL DEFAULT '',
	echo_hash           TEXT NOT NULL DEFAULT '',
	areas_frozen_at     TEXT NOT NULL DEFAULT '',
	last_synced_at      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (namespace, todoist_project_id)
);

CREATE TABLE IF NOT EXISTS resolver_cache (
	namespace  TEXT NOT NULL,
	cache_key  TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (namespace, cache_key)
);

CREATE TABLE IF NOT EXISTS sync_queue (
	id          BIGSERIAL PRIMARY KEY,
	namespace   TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	message     TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	visible_at  TEXT NOT NULL DEFAULT '',
	acked       INTEGER NOT NULL DEFAULT 0,
	dead        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_ready ON sync_queue(namespace, acked, dead, visible_at);
`
