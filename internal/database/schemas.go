package database

// schemas maps database names to their embedded DDL. All statements are
// idempotent so Migrate can run on every startup.
var schemas = map[string]string{
	"viewcache": `
CREATE TABLE IF NOT EXISTS computed_values (
    cycle_key   TEXT NOT NULL,
    spec_key    TEXT NOT NULL,
    value       BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (cycle_key, spec_key)
);
CREATE INDEX IF NOT EXISTS idx_computed_values_cycle ON computed_values(cycle_key);
`,

	"results": `
CREATE TABLE IF NOT EXISTS job_results (
    view_name        TEXT NOT NULL,
    calc_config_name TEXT NOT NULL,
    valuation_time   INTEGER NOT NULL,
    job_id           INTEGER NOT NULL,
    node_id          TEXT NOT NULL,
    duration_ns      INTEGER NOT NULL,
    created_at       INTEGER NOT NULL,
    PRIMARY KEY (view_name, calc_config_name, valuation_time, job_id)
);

CREATE TABLE IF NOT EXISTS job_result_items (
    view_name        TEXT NOT NULL,
    calc_config_name TEXT NOT NULL,
    valuation_time   INTEGER NOT NULL,
    job_id           INTEGER NOT NULL,
    item_index       INTEGER NOT NULL,
    function_id      TEXT NOT NULL,
    target_type      TEXT NOT NULL,
    target_id        TEXT NOT NULL,
    result           TEXT NOT NULL,
    failure_reason   TEXT NOT NULL DEFAULT '',
    outputs          BLOB,
    created_at       INTEGER NOT NULL,
    PRIMARY KEY (view_name, calc_config_name, valuation_time, job_id, item_index)
);
CREATE INDEX IF NOT EXISTS idx_job_result_items_cycle
    ON job_result_items(view_name, calc_config_name, valuation_time);
`,
}
