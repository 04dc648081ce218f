package db

// SQLiteSchema contains the SQL schema for the matrixvault tables on SQLite.
const SQLiteSchema = `
-- ----------------------------------------------------------------------------
-- Capability table: lookup hash of a secret -> namespace key + tier
-- ----------------------------------------------------------------------------

CREATE TABLE IF NOT EXISTS mv_capabilities (
    lookup_hash TEXT PRIMARY KEY,       -- domain-separated SHA-256 of the secret
    namespace_key TEXT UNIQUE NOT NULL, -- SHA-256 hex of the secret
    tier TEXT NOT NULL,                 -- 'decoy' or 'real'
    description TEXT,
    active INTEGER NOT NULL DEFAULT 1,  -- 1 = active, 0 = inactive (BOOLEAN)
    created_at INTEGER NOT NULL,        -- Unix timestamp
    updated_at INTEGER NOT NULL         -- Unix timestamp
);

CREATE INDEX IF NOT EXISTS idx_capabilities_tier ON mv_capabilities(tier);

-- ----------------------------------------------------------------------------
-- Encrypted sparse cells
-- ----------------------------------------------------------------------------

CREATE TABLE IF NOT EXISTS mv_cells (
    namespace_key TEXT NOT NULL,
    row_index INTEGER NOT NULL,
    col_index INTEGER NOT NULL,
    ciphertext TEXT NOT NULL CHECK (ciphertext <> ''), -- base64url(nonce || AEAD ciphertext)
    salt TEXT NOT NULL,                 -- base64url per-cell KDF salt
    tier TEXT NOT NULL,
    created_at INTEGER NOT NULL,        -- Unix timestamp
    updated_at INTEGER NOT NULL,        -- Unix timestamp
    PRIMARY KEY (namespace_key, row_index, col_index)
);

CREATE INDEX IF NOT EXISTS idx_cells_ns_col ON mv_cells(namespace_key, col_index);

-- ----------------------------------------------------------------------------
-- Per-namespace revision counter (bumped by every mutation)
-- ----------------------------------------------------------------------------

CREATE TABLE IF NOT EXISTS mv_namespaces (
    namespace_key TEXT PRIMARY KEY,
    revision INTEGER NOT NULL,
    updated_at INTEGER NOT NULL         -- Unix timestamp
);

-- ----------------------------------------------------------------------------
-- Access log (append-only)
-- ----------------------------------------------------------------------------

CREATE TABLE IF NOT EXISTS mv_access_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT UNIQUE NOT NULL,            -- UUID
    actor TEXT NOT NULL,
    occurred_at INTEGER NOT NULL,       -- Unix milliseconds
    origin TEXT,                        -- client IP
    tier TEXT NOT NULL,                 -- 'decoy', 'real' or 'unknown'
    success INTEGER NOT NULL,           -- BOOLEAN
    action TEXT NOT NULL,
    client_id TEXT                      -- user agent
);

CREATE INDEX IF NOT EXISTS idx_access_log_actor ON mv_access_log(actor);
CREATE INDEX IF NOT EXISTS idx_access_log_occurred_at ON mv_access_log(occurred_at);

CREATE TRIGGER IF NOT EXISTS mv_access_log_no_update
BEFORE UPDATE ON mv_access_log
BEGIN
    SELECT RAISE(ABORT, 'mv_access_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS mv_access_log_no_delete
BEFORE DELETE ON mv_access_log
BEGIN
    SELECT RAISE(ABORT, 'mv_access_log is append-only');
END;
`

// PostgresSchema contains the same tables for Postgres, one statement per
// element because the extended protocol rejects multi-statement strings.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS mv_capabilities (
    lookup_hash TEXT PRIMARY KEY,
    namespace_key TEXT UNIQUE NOT NULL,
    tier TEXT NOT NULL,
    description TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_capabilities_tier ON mv_capabilities(tier)`,
	`CREATE TABLE IF NOT EXISTS mv_cells (
    namespace_key TEXT NOT NULL,
    row_index BIGINT NOT NULL,
    col_index BIGINT NOT NULL,
    ciphertext TEXT NOT NULL CHECK (ciphertext <> ''),
    salt TEXT NOT NULL,
    tier TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (namespace_key, row_index, col_index)
)`,
	`CREATE INDEX IF NOT EXISTS idx_cells_ns_col ON mv_cells(namespace_key, col_index)`,
	`CREATE TABLE IF NOT EXISTS mv_namespaces (
    namespace_key TEXT PRIMARY KEY,
    revision BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS mv_access_log (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT UNIQUE NOT NULL,
    actor TEXT NOT NULL,
    occurred_at BIGINT NOT NULL,
    origin TEXT,
    tier TEXT NOT NULL,
    success INTEGER NOT NULL,
    action TEXT NOT NULL,
    client_id TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_access_log_actor ON mv_access_log(actor)`,
	`CREATE INDEX IF NOT EXISTS idx_access_log_occurred_at ON mv_access_log(occurred_at)`,
	`CREATE OR REPLACE FUNCTION mv_access_log_guard() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'mv_access_log is append-only';
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS mv_access_log_append_only ON mv_access_log`,
	`CREATE TRIGGER mv_access_log_append_only
BEFORE UPDATE OR DELETE ON mv_access_log
FOR EACH ROW EXECUTE FUNCTION mv_access_log_guard()`,
}
