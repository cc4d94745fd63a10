package db

const schema = `
CREATE TABLE IF NOT EXISTS dilemmas (
    id          TEXT PRIMARY KEY,
    language    TEXT NOT NULL,
    base_id     TEXT NOT NULL DEFAULT '',
    doc         TEXT NOT NULL,
    yes_count   INTEGER NOT NULL DEFAULT 0 CHECK(yes_count >= 0),
    no_count    INTEGER NOT NULL DEFAULT 0 CHECK(no_count >= 0),
    created_at  DATETIME DEFAULT (datetime('now')),
    updated_at  DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_dilemmas_language ON dilemmas(language);
CREATE INDEX IF NOT EXISTS idx_dilemmas_base ON dilemmas(base_id) WHERE base_id != '';

CREATE TABLE IF NOT EXISTS story_flows (
    id          TEXT PRIMARY KEY,
    language    TEXT NOT NULL,
    base_id     TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL DEFAULT '',
    doc         TEXT NOT NULL,
    created_at  DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_story_flows_language ON story_flows(language);
`
