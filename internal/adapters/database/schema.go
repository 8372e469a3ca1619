package database

// Schema is the relational layout of the engine. Applied by deployments
// out of band and by the test harness directly.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id UUID PRIMARY KEY,
	name VARCHAR(255) NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_versions (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflows(id),
	version VARCHAR(100) NOT NULL,
	definition_json JSONB NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (workflow_id, version)
);

CREATE TABLE IF NOT EXISTS workflow_executions (
	id UUID PRIMARY KEY,
	workflow_version_id UUID NOT NULL REFERENCES workflow_versions(id),
	execution_id VARCHAR(100) NOT NULL UNIQUE,
	status TEXT NOT NULL,
	current_state VARCHAR(255) NOT NULL,
	input_data JSONB NOT NULL DEFAULT '{}',
	output_data JSONB,
	error_message TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS execution_steps (
	id UUID PRIMARY KEY,
	execution_id UUID NOT NULL REFERENCES workflow_executions(id),
	step_name VARCHAR(255) NOT NULL,
	step_type TEXT NOT NULL,
	status TEXT NOT NULL,
	input_data JSONB NOT NULL DEFAULT '{}',
	output_data JSONB,
	error_type TEXT,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	backoff_multiplier DOUBLE PRECISION NOT NULL DEFAULT 2.0,
	initial_interval_ms BIGINT NOT NULL DEFAULT 1000,
	timeout_seconds INTEGER,
	run_after_ts TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS execution_queue (
	id UUID PRIMARY KEY,
	execution_id UUID NOT NULL REFERENCES workflow_executions(id),
	priority INTEGER NOT NULL DEFAULT 0,
	scheduled_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL DEFAULT 'QUEUED',
	retry_count INTEGER NOT NULL DEFAULT 0,
	run_after_ts TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS execution_history (
	id UUID PRIMARY KEY,
	execution_id UUID NOT NULL REFERENCES workflow_executions(id),
	step_name VARCHAR(255),
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	id UUID PRIMARY KEY,
	key_hash VARCHAR(255) NOT NULL UNIQUE,
	resource_type VARCHAR(100) NOT NULL,
	resource_id VARCHAR(100) NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_queue_claim ON execution_queue(status, scheduled_at, priority);
CREATE INDEX IF NOT EXISTS idx_queue_run_after ON execution_queue(run_after_ts);
CREATE INDEX IF NOT EXISTS idx_queue_execution ON execution_queue(execution_id);
CREATE INDEX IF NOT EXISTS idx_steps_execution_name ON execution_steps(execution_id, step_name);
CREATE INDEX IF NOT EXISTS idx_steps_stuck ON execution_steps(status, started_at);
CREATE INDEX IF NOT EXISTS idx_steps_wait ON execution_steps(status, run_after_ts);
CREATE INDEX IF NOT EXISTS idx_history_execution_ts ON execution_history(execution_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_executions_execution_id ON workflow_executions(execution_id);
CREATE INDEX IF NOT EXISTS idx_idempotency_key_hash ON idempotency_keys(key_hash);
`
