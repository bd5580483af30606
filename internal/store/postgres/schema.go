package postgres

import (
	"context"
	"fmt"
)

func (c *Client) EnsureSchema(ctx context.Context) error {
	// All statements go out in one simple-protocol call, which PostgreSQL runs
	// in a single implicit transaction.
	ddl := `
CREATE TABLE IF NOT EXISTS projects (
    entity     TEXT NOT NULL,
    project    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (entity, project)
);

CREATE TABLE IF NOT EXISTS objects (
    seq               BIGINT GENERATED ALWAYS AS IDENTITY,
    project_id        TEXT NOT NULL,
    object_id         TEXT NOT NULL,
    digest            TEXT NOT NULL,
    kind              TEXT NOT NULL,
    base_object_class TEXT NOT NULL DEFAULT '',
    leaf_object_class TEXT NOT NULL DEFAULT '',
    val               TEXT NOT NULL,
    version_index     INTEGER NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (project_id, object_id, digest)
);

CREATE TABLE IF NOT EXISTS object_aliases (
    project_id TEXT NOT NULL,
    object_id  TEXT NOT NULL,
    alias      TEXT NOT NULL,
    digest     TEXT NOT NULL,
    PRIMARY KEY (project_id, object_id, alias)
);

CREATE TABLE IF NOT EXISTS table_rows (
    project_id TEXT NOT NULL,
    digest     TEXT NOT NULL,
    val        TEXT NOT NULL,
    PRIMARY KEY (project_id, digest)
);

CREATE TABLE IF NOT EXISTS tables (
    project_id  TEXT NOT NULL,
    digest      TEXT NOT NULL,
    row_digests TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (project_id, digest)
);

CREATE TABLE IF NOT EXISTS calls (
    project_id   TEXT NOT NULL,
    id           TEXT NOT NULL,
    trace_id     TEXT NOT NULL DEFAULT '',
    parent_id    TEXT NOT NULL DEFAULT '',
    op_name      TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ,
    ended_at     TIMESTAMPTZ,
    inputs       JSONB,
    output       JSONB,
    exception    TEXT NOT NULL DEFAULT '',
    attributes   JSONB,
    summary      JSONB,
    thread_id    TEXT NOT NULL DEFAULT '',
    turn_id      TEXT NOT NULL DEFAULT '',
    input_refs   TEXT[] NOT NULL DEFAULT '{}',
    output_refs  TEXT[] NOT NULL DEFAULT '{}',
    deleted_at   TIMESTAMPTZ,
    PRIMARY KEY (project_id, id)
);

CREATE TABLE IF NOT EXISTS feedback (
    id            TEXT NOT NULL,
    project_id    TEXT NOT NULL,
    weave_ref     TEXT NOT NULL,
    feedback_type TEXT NOT NULL,
    payload       JSONB NOT NULL,
    creator       TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (project_id, id)
);

CREATE TABLE IF NOT EXISTS llm_token_prices (
    id                         TEXT NOT NULL,
    project_id                 TEXT NOT NULL,
    llm_id                     TEXT NOT NULL,
    provider_id                TEXT NOT NULL DEFAULT '',
    prompt_token_cost          DOUBLE PRECISION NOT NULL,
    completion_token_cost      DOUBLE PRECISION NOT NULL,
    prompt_token_cost_unit     TEXT NOT NULL DEFAULT '',
    completion_token_cost_unit TEXT NOT NULL DEFAULT '',
    effective_date             TIMESTAMPTZ NOT NULL,
    created_by                 TEXT NOT NULL DEFAULT '',
    created_at                 TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (project_id, id)
);

CREATE TABLE IF NOT EXISTS files (
    project_id TEXT NOT NULL,
    digest     TEXT NOT NULL,
    name       TEXT NOT NULL,
    content    BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (project_id, digest)
);

CREATE INDEX IF NOT EXISTS idx_objects_seq ON objects (project_id, seq);
CREATE INDEX IF NOT EXISTS idx_objects_version ON objects (project_id, object_id, version_index);
CREATE INDEX IF NOT EXISTS idx_objects_classes ON objects (project_id, base_object_class, leaf_object_class);
CREATE INDEX IF NOT EXISTS idx_calls_started ON calls (project_id, started_at, id);
CREATE INDEX IF NOT EXISTS idx_calls_trace ON calls (project_id, trace_id);
CREATE INDEX IF NOT EXISTS idx_calls_parent ON calls (project_id, parent_id);
CREATE INDEX IF NOT EXISTS idx_calls_op ON calls (project_id, op_name text_pattern_ops);
CREATE INDEX IF NOT EXISTS idx_calls_input_refs ON calls USING GIN (input_refs);
CREATE INDEX IF NOT EXISTS idx_calls_output_refs ON calls USING GIN (output_refs);
CREATE INDEX IF NOT EXISTS idx_feedback_ref ON feedback (project_id, weave_ref);
CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback (project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_prices_llm ON llm_token_prices (project_id, llm_id, effective_date DESC);
`
	_, err := c.pool.Exec(ctx, ddl)
	if err != nil {
		return mapErr(fmt.Errorf("ensuring schema: %w", err))
	}
	return nil
}
