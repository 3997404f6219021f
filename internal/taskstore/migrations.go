package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    issue_key TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    status TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);

CREATE TABLE IF NOT EXISTS cancel_flags (
    issue_key TEXT PRIMARY KEY,
    requested_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS orchestration_params (
    issue_key TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    saved_at TIMESTAMP NOT NULL
);
`

// pragmas let a cancelling CLI process and a running orchestrator share the file
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}
