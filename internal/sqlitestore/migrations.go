package sqlitestore

import "fmt"

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Timestamps are unix milliseconds. An empty tenant_id marks public memory.
var migrations = []migration{
	{
		Version:     1,
		Description: "packets, access log and embeddings",
		SQL: `
CREATE TABLE packets (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL DEFAULT '',
    org_id           TEXT NOT NULL DEFAULT '',
    user_id          TEXT NOT NULL DEFAULT '',
    correlation_id   TEXT NOT NULL DEFAULT '',
    packet_type      TEXT NOT NULL,
    payload          TEXT NOT NULL,
    labels           TEXT NOT NULL DEFAULT '{}',
    scope            TEXT NOT NULL DEFAULT 'shared' CHECK (scope IN ('shared', 'restricted-a', 'restricted-b')),
    importance_score REAL NOT NULL DEFAULT 0.5 CHECK (importance_score >= 0 AND importance_score <= 1),
    access_count     INTEGER NOT NULL DEFAULT 0,
    last_accessed    INTEGER,
    last_decayed     INTEGER,
    content_hash     TEXT NOT NULL,
    is_chunked       INTEGER NOT NULL DEFAULT 0,
    chunk_index      INTEGER NOT NULL DEFAULT 0,
    chunk_count      INTEGER NOT NULL DEFAULT 1,
    created_at       INTEGER NOT NULL,
    expires_at       INTEGER,

    UNIQUE (tenant_id, content_hash),
    CHECK (is_chunked = 0 OR chunk_count > 1)
);

CREATE INDEX idx_packets_tenant_org  ON packets(tenant_id, org_id);
CREATE INDEX idx_packets_importance  ON packets(tenant_id, importance_score DESC);
CREATE INDEX idx_packets_correlation ON packets(tenant_id, correlation_id);
CREATE INDEX idx_packets_user        ON packets(tenant_id, user_id);
CREATE INDEX idx_packets_expires     ON packets(expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE access_log (
    id             TEXT PRIMARY KEY,
    packet_id      TEXT NOT NULL REFERENCES packets(id) ON DELETE CASCADE,
    agent_id       TEXT NOT NULL,
    relevance      REAL,
    useful         INTEGER,
    accessed_at    INTEGER NOT NULL,
    tenant_id      TEXT NOT NULL DEFAULT '',
    org_id         TEXT NOT NULL DEFAULT '',
    user_id        TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_access_log_packet ON access_log(packet_id, accessed_at DESC);

CREATE TABLE embeddings (
    packet_id      TEXT NOT NULL REFERENCES packets(id) ON DELETE CASCADE,
    space          TEXT NOT NULL CHECK (space IN ('content', 'context', 'entity', 'summary', 'reasoning')),
    chunk_index    INTEGER NOT NULL DEFAULT -1,
    vector         BLOB NOT NULL,
    dimensions     INTEGER NOT NULL,
    chunk_text     TEXT NOT NULL DEFAULT '',
    tenant_id      TEXT NOT NULL DEFAULT '',
    org_id         TEXT NOT NULL DEFAULT '',
    user_id        TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,

    PRIMARY KEY (packet_id, space, chunk_index)
);
`,
	},
	{
		Version:     2,
		Description: "facts and entity relationships",
		SQL: `
CREATE TABLE facts (
    id                      TEXT PRIMARY KEY,
    tenant_id               TEXT NOT NULL DEFAULT '',
    org_id                  TEXT NOT NULL DEFAULT '',
    user_id                 TEXT NOT NULL DEFAULT '',
    correlation_id          TEXT NOT NULL DEFAULT '',
    subject                 TEXT NOT NULL,
    subject_normalized      TEXT NOT NULL,
    predicate               TEXT NOT NULL,
    object                  TEXT NOT NULL,
    object_normalized       TEXT NOT NULL,
    object_type             TEXT NOT NULL DEFAULT 'string',
    confidence              REAL NOT NULL CHECK (confidence >= 0.1 AND confidence <= 1),
    supporting_packet_count INTEGER NOT NULL DEFAULT 0,
    contradiction_count     INTEGER NOT NULL DEFAULT 0,
    source_packet_id        TEXT NOT NULL DEFAULT '',
    scope                   TEXT NOT NULL DEFAULT 'shared',
    last_confidence_update  INTEGER NOT NULL,
    access_count            INTEGER NOT NULL DEFAULT 0,
    last_accessed           INTEGER,
    created_at              INTEGER NOT NULL,

    UNIQUE (tenant_id, subject_normalized, predicate, object_normalized)
);

CREATE INDEX idx_facts_subject    ON facts(tenant_id, subject_normalized);
CREATE INDEX idx_facts_confidence ON facts(tenant_id, confidence DESC);
CREATE INDEX idx_facts_source     ON facts(source_packet_id);

CREATE TABLE relationships (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL DEFAULT '',
    org_id            TEXT NOT NULL DEFAULT '',
    user_id           TEXT NOT NULL DEFAULT '',
    correlation_id    TEXT NOT NULL DEFAULT '',
    source_entity     TEXT NOT NULL,
    source_normalized TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    target_entity     TEXT NOT NULL,
    target_normalized TEXT NOT NULL,
    confidence        REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    mention_count     INTEGER NOT NULL DEFAULT 1,
    source_packet_id  TEXT NOT NULL DEFAULT '',
    first_seen        INTEGER NOT NULL,
    last_seen         INTEGER NOT NULL,

    UNIQUE (tenant_id, source_normalized, relationship_type, target_normalized)
);

CREATE INDEX idx_relationships_source ON relationships(tenant_id, source_normalized);
CREATE INDEX idx_relationships_target ON relationships(tenant_id, target_normalized);
`,
	},
	{
		Version:     3,
		Description: "summaries and reflections",
		SQL: `
CREATE TABLE summaries (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL DEFAULT '',
    org_id            TEXT NOT NULL DEFAULT '',
    user_id           TEXT NOT NULL DEFAULT '',
    correlation_id    TEXT NOT NULL DEFAULT '',
    scope_kind        TEXT NOT NULL CHECK (scope_kind IN ('thread', 'agent', 'topic', 'time_period', 'project', 'task')),
    scope_key         TEXT NOT NULL,
    summary_text      TEXT NOT NULL,
    key_facts         TEXT NOT NULL DEFAULT '[]',
    key_entities      TEXT NOT NULL DEFAULT '[]',
    decisions         TEXT NOT NULL DEFAULT '[]',
    source_packet_ids TEXT NOT NULL DEFAULT '[]',
    packet_count      INTEGER NOT NULL,
    embedding         BLOB,
    confidence        REAL NOT NULL,
    coverage_start    INTEGER NOT NULL,
    coverage_end      INTEGER NOT NULL,
    valid_until       INTEGER NOT NULL,
    created_at        INTEGER NOT NULL,

    UNIQUE (tenant_id, scope_kind, scope_key),
    CHECK (packet_count = json_array_length(source_packet_ids))
);

CREATE TABLE reflections (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL DEFAULT '',
    org_id           TEXT NOT NULL DEFAULT '',
    user_id          TEXT NOT NULL DEFAULT '',
    correlation_id   TEXT NOT NULL DEFAULT '',
    type             TEXT NOT NULL CHECK (type IN ('lesson', 'pattern', 'failure', 'success', 'insight')),
    content          TEXT NOT NULL,
    context          TEXT NOT NULL DEFAULT '',
    entities         TEXT NOT NULL DEFAULT '[]',
    tags             TEXT NOT NULL DEFAULT '[]',
    confidence       REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    priority         INTEGER NOT NULL DEFAULT 3 CHECK (priority BETWEEN 1 AND 5),
    source_agent_id  TEXT NOT NULL DEFAULT '',
    source_packet_id TEXT NOT NULL DEFAULT '',
    access_count     INTEGER NOT NULL DEFAULT 0,
    last_accessed    INTEGER,
    last_decayed     INTEGER,
    embedding        BLOB,
    created_at       INTEGER NOT NULL,
    expires_at       INTEGER
);

CREATE INDEX idx_reflections_tenant  ON reflections(tenant_id, type);
CREATE INDEX idx_reflections_expires ON reflections(expires_at) WHERE expires_at IS NOT NULL;
`,
	},
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
