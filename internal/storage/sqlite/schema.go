package sqlite

const schemaSQL = `
-- Tasks: the unit of work. JSON blobs hold context files, expected outputs,
-- metadata, retry policy, and the structured result payload.
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt TEXT NOT NULL,
	working_dir TEXT,
	context_files TEXT,
	expected_outputs TEXT,
	metadata TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	worker_id TEXT,
	job_id TEXT,
	parent_task_id INTEGER,
	created_at INTEGER NOT NULL,
	claimed_at INTEGER,
	started_at INTEGER,
	completed_at INTEGER,
	result TEXT,
	error TEXT,
	last_error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	retry_policy TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (parent_task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id, status);

-- Workers: one row per registered worker, last registration wins.
CREATE TABLE IF NOT EXISTS workers (
	worker_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	current_task_id INTEGER,
	started_at INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL,
	stats TEXT
);

-- Jobs: named task groups created by one orchestrator run.
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	description TEXT,
	orchestrator_id TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at INTEGER NOT NULL,
	completed_at INTEGER,
	metadata TEXT
);

-- Task dependencies: directed edges "task_id depends on depends_on_task_id".
CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id INTEGER NOT NULL,
	depends_on_task_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (task_id, depends_on_task_id),
	FOREIGN KEY (task_id) REFERENCES tasks(id),
	FOREIGN KEY (depends_on_task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_task_dependencies ON task_dependencies(task_id);

-- Checkpoints: resumable mid-task state, one row per task.
CREATE TABLE IF NOT EXISTS checkpoints (
	task_id INTEGER PRIMARY KEY,
	checkpoint_data TEXT,
	files_created TEXT,
	files_modified TEXT,
	last_step TEXT,
	completion_percentage INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);

-- Task changes: the side-effect journal rollback replays in reverse.
CREATE TABLE IF NOT EXISTS task_changes (
	change_id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	operation TEXT NOT NULL,
	file_path TEXT NOT NULL,
	before_content TEXT,
	after_content TEXT,
	timestamp INTEGER NOT NULL,
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_task_changes ON task_changes(task_id, timestamp);

-- Shared context: key/value coordination hints. Global entries use the
-- empty-string job scope so the UNIQUE constraint applies (SQLite treats
-- NULLs as distinct in unique indexes).
CREATE TABLE IF NOT EXISTS shared_context (
	context_id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL DEFAULT '',
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(job_id, key)
);

CREATE INDEX IF NOT EXISTS idx_shared_context_job ON shared_context(job_id);

-- Worker logs: append-only progress log for live views.
CREATE TABLE IF NOT EXISTS worker_logs (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id TEXT NOT NULL,
	task_id INTEGER,
	timestamp INTEGER NOT NULL,
	message TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT 'info',
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_worker_logs_task ON worker_logs(task_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_worker_logs_worker ON worker_logs(worker_id, timestamp DESC);
`

// migrate applies the base schema and any additive column migrations.
// The schema is additive-only; CREATE IF NOT EXISTS keeps it idempotent.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	s.logger.Debug().Msg("Database schema initialized")

	return s.migrateColumns()
}

// migrateColumns adds columns introduced after the initial schema to
// databases created by older builds.
func (s *Store) migrateColumns() error {
	existing, err := s.tableColumns("tasks")
	if err != nil {
		return err
	}

	additions := map[string]string{
		"last_error":   `ALTER TABLE tasks ADD COLUMN last_error TEXT`,
		"retry_count":  `ALTER TABLE tasks ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0`,
		"max_retries":  `ALTER TABLE tasks ADD COLUMN max_retries INTEGER NOT NULL DEFAULT 0`,
		"retry_policy": `ALTER TABLE tasks ADD COLUMN retry_policy TEXT`,
	}

	for column, stmt := range additions {
		if existing[column] {
			continue
		}
		s.logger.Info().Str("column", column).Msg("Running migration: adding tasks column")
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

// tableColumns returns the set of column names for a table.
func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
