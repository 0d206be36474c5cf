package eventlog

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT    NOT NULL UNIQUE,
	ts_unix_ns INTEGER NOT NULL,
	type       TEXT    NOT NULL,
	source     TEXT    NOT NULL,
	symbol     TEXT    NOT NULL DEFAULT '',
	details    TEXT    NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_type_seq ON events(type, seq);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_unix_ns);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT      NOT NULL UNIQUE,
	ts_unix_ns BIGINT    NOT NULL,
	type       TEXT      NOT NULL,
	source     TEXT      NOT NULL,
	symbol     TEXT      NOT NULL DEFAULT '',
	details    JSONB     NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_type_seq ON events(type, seq);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_unix_ns);
`
