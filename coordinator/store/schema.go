package store

// migration is one versioned, forward-only schema change. Each runs inside
// its own transaction and is recorded in schema_migrations before the next
// one starts.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS nodes (
				node_id       TEXT PRIMARY KEY,
				display_name  TEXT NOT NULL DEFAULT '',
				ip            TEXT NOT NULL DEFAULT '',
				port          INTEGER NOT NULL DEFAULT 0,
				status        TEXT NOT NULL DEFAULT 'UNKNOWN',
				tags          TEXT NOT NULL DEFAULT '[]',
				capabilities  TEXT NOT NULL DEFAULT '{}',
				metrics       TEXT NOT NULL DEFAULT '{}',
				policy        TEXT NOT NULL DEFAULT '{}',
				last_seen     DATETIME,
				created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_last_seen ON nodes(last_seen)`,

			`CREATE TABLE IF NOT EXISTS jobs (
				id           TEXT PRIMARY KEY,
				type         TEXT NOT NULL,
				status       TEXT NOT NULL DEFAULT 'QUEUED',
				error        TEXT NOT NULL DEFAULT '',
				created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				started_at   DATETIME,
				completed_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type)`,

			`CREATE TABLE IF NOT EXISTS tasks (
				id                 TEXT PRIMARY KEY,
				job_id             TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				type               TEXT NOT NULL,
				priority           INTEGER NOT NULL DEFAULT 0,
				payload            BLOB,
				status             TEXT NOT NULL DEFAULT 'QUEUED',
				assigned_node_id   TEXT,
				retries            INTEGER NOT NULL DEFAULT 0,
				max_retries        INTEGER NOT NULL DEFAULT 2,
				lease_expires_at   DATETIME,
				error              TEXT NOT NULL DEFAULT '',
				created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				started_at         DATETIME,
				completed_at       DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_job_id ON tasks(job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_node_id ON tasks(assigned_node_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_lease_expires_at ON tasks(lease_expires_at)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_created_at_id ON tasks(created_at, id)`,

			`CREATE TABLE IF NOT EXISTS results (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				node_id     TEXT NOT NULL,
				success     INTEGER NOT NULL,
				output      BLOB,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_results_task_id ON results(task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_results_node_id ON results(node_id)`,
			`CREATE INDEX IF NOT EXISTS idx_results_created_at ON results(created_at)`,
		},
	},
}
