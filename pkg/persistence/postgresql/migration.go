package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE agents (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				entrypoint TEXT NOT NULL,
				risk_level VARCHAR(32) NOT NULL CHECK (risk_level IN ('AUTO', 'APPROVAL_REQUIRED')),
				actions JSONB NOT NULL,
				input_schemas JSONB,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(32) NOT NULL CHECK (status IN ('ACTIVE', 'INACTIVE')),
				trigger_kind VARCHAR(32) NOT NULL,
				trigger_pattern TEXT NOT NULL DEFAULT '',
				trigger_schedule TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_trigger_kind ON workflows(trigger_kind);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);
			CREATE INDEX idx_workflows_deleted_at ON workflows(deleted_at);

			CREATE TABLE workflow_nodes (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				position INT NOT NULL,
				agent_id VARCHAR(255) NOT NULL,
				action VARCHAR(255) NOT NULL,
				input_template JSONB,
				depends_on JSONB NOT NULL DEFAULT '[]',
				approval_required BOOLEAN,
				timeout_seconds INT NOT NULL DEFAULT 0,
				PRIMARY KEY (workflow_id, id)
			);

			CREATE INDEX idx_workflow_nodes_agent_id ON workflow_nodes(agent_id);
		`,
		2: `
			CREATE TABLE workflow_runs (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				trigger_kind VARCHAR(32) NOT NULL,
				trigger_event_id VARCHAR(255),
				context JSONB,
				status VARCHAR(32) NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_runs_workflow_id ON workflow_runs(workflow_id, created_at DESC);
			CREATE INDEX idx_workflow_runs_status ON workflow_runs(status);
			CREATE UNIQUE INDEX idx_workflow_runs_trigger_event
				ON workflow_runs(workflow_id, trigger_event_id)
				WHERE trigger_event_id IS NOT NULL;

			CREATE TABLE agent_runs (
				id VARCHAR(255) PRIMARY KEY,
				workflow_run_id VARCHAR(255) NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				agent_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				approved BOOLEAN NOT NULL DEFAULT false,
				approved_by VARCHAR(255) NOT NULL DEFAULT '',
				resolved_input JSONB,
				output JSONB,
				error TEXT NOT NULL DEFAULT '',
				error_code VARCHAR(64) NOT NULL DEFAULT '',
				gated_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (workflow_run_id, node_id)
			);

			CREATE INDEX idx_agent_runs_status ON agent_runs(status);
		`,
	}
}
