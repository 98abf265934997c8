package repository

// Schema definitions for the claimscore database.
// Compatible with both SQLite and PostgreSQL.

const schemaProcessedClaims = `
CREATE TABLE IF NOT EXISTS processed_claims (
    claim_id TEXT PRIMARY KEY,
    batch_id TEXT,
    patient_id TEXT NOT NULL,
    patient_age INTEGER NOT NULL,
    patient_gender TEXT NOT NULL,
    service_code TEXT NOT NULL,
    billed_amount REAL NOT NULL,
    allowed_amount REAL NOT NULL,
    provider_id TEXT NOT NULL,
    provider_specialty TEXT NOT NULL,
    claim_date TEXT NOT NULL,
    rule_flags TEXT NOT NULL,
    repriced_amount REAL NOT NULL,
    discount_percentage REAL NOT NULL,
    risk_score REAL NOT NULL,
    score_outlier REAL NOT NULL DEFAULT 0,
    score_classifier REAL NOT NULL DEFAULT 0,
    score_reconstruction REAL NOT NULL DEFAULT 0,
    high_risk INTEGER NOT NULL DEFAULT 0,
    model_version BIGINT NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    processed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_claims_risk ON processed_claims(risk_score);
CREATE INDEX IF NOT EXISTS idx_processed_claims_service ON processed_claims(service_code);
CREATE INDEX IF NOT EXISTS idx_processed_claims_batch ON processed_claims(batch_id);
CREATE INDEX IF NOT EXISTS idx_processed_claims_processed_at ON processed_claims(processed_at);
`

const schemaBatches = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    source TEXT NOT NULL,
    filename TEXT,
    submitted_by TEXT,
    received INTEGER NOT NULL,
    processed INTEGER NOT NULL,
    rejected INTEGER NOT NULL,
    errors TEXT NOT NULL,
    scored_with_version BIGINT NOT NULL DEFAULT 0,
    trained_version BIGINT NOT NULL DEFAULT 0,
    training_error TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_created ON batches(created_at);
`

// schemaRuleConfigs keeps every saved version; the latest update wins.
const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaProcessedClaims,
		schemaBatches,
		schemaRuleConfigs,
	}
}
