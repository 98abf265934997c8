// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/claimscore/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const claimColumns = `
	claim_id, batch_id, patient_id, patient_age, patient_gender, service_code,
	billed_amount, allowed_amount, provider_id, provider_specialty, claim_date,
	rule_flags, repriced_amount, discount_percentage, risk_score,
	score_outlier, score_classifier, score_reconstruction,
	high_risk, model_version, status, processed_at`

// SaveClaims upserts processed claims in a single transaction.
// A claim ID that already exists is overwritten with the newer result.
func (r *SQLRepository) SaveClaims(ctx context.Context, claims []*domain.ProcessedClaim) error {
	if len(claims) == 0 {
		return nil
	}
	for _, c := range claims {
		if c == nil || c.ClaimID == "" {
			return fmt.Errorf("%w: claim_id is required", ErrInvalidInput)
		}
	}

	query := `
		INSERT INTO processed_claims (` + claimColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(claim_id) DO UPDATE SET
			batch_id = excluded.batch_id,
			patient_id = excluded.patient_id,
			patient_age = excluded.patient_age,
			patient_gender = excluded.patient_gender,
			service_code = excluded.service_code,
			billed_amount = excluded.billed_amount,
			allowed_amount = excluded.allowed_amount,
			provider_id = excluded.provider_id,
			provider_specialty = excluded.provider_specialty,
			claim_date = excluded.claim_date,
			rule_flags = excluded.rule_flags,
			repriced_amount = excluded.repriced_amount,
			discount_percentage = excluded.discount_percentage,
			risk_score = excluded.risk_score,
			score_outlier = excluded.score_outlier,
			score_classifier = excluded.score_classifier,
			score_reconstruction = excluded.score_reconstruction,
			high_risk = excluded.high_risk,
			model_version = excluded.model_version,
			status = excluded.status,
			processed_at = excluded.processed_at
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range claims {
		flags := c.RuleFlags
		if flags == nil {
			flags = []string{}
		}
		encoded, _ := json.Marshal(flags)

		highRisk := 0
		if c.HighRisk {
			highRisk = 1
		}

		if _, err := stmt.ExecContext(ctx,
			c.ClaimID, c.BatchID, c.PatientID, c.PatientAge, string(c.PatientGender), c.ServiceCode,
			c.BilledAmount, c.AllowedAmount, c.ProviderID, c.ProviderSpecialty, c.RawClaimDate,
			string(encoded), c.RepricedAmount, c.DiscountPercent, c.RiskScore,
			c.Breakdown.Outlier, c.Breakdown.Classifier, c.Breakdown.Reconstruction,
			highRisk, int64(c.ModelVersion), c.Status, c.ProcessedAt.UTC(),
		); err != nil {
			return fmt.Errorf("save claim %s: %w", c.ClaimID, err)
		}
	}

	return tx.Commit()
}

// GetClaim retrieves a processed claim by ID.
func (r *SQLRepository) GetClaim(ctx context.Context, claimID string) (*domain.ProcessedClaim, error) {
	if claimID == "" {
		return nil, fmt.Errorf("%w: claimID is required", ErrInvalidInput)
	}

	query := `SELECT ` + claimColumns + ` FROM processed_claims WHERE claim_id = ?`

	c, err := scanClaim(r.db.QueryRowContext(ctx, r.rebind(query), claimID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListClaims returns one page of processed claims matching the filter and
// the total number of matches. Newest results come first.
func (r *SQLRepository) ListClaims(ctx context.Context, filter domain.ClaimFilter) ([]*domain.ProcessedClaim, int, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidInput)
	}

	var conds []string
	var args []any
	if filter.MinRiskScore != nil {
		conds = append(conds, "risk_score >= ?")
		args = append(args, *filter.MinRiskScore)
	}
	if filter.ServiceCode != "" {
		conds = append(conds, "service_code = ?")
		args = append(args, filter.ServiceCode)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM processed_claims` + where
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + claimColumns + ` FROM processed_claims` + where +
		` ORDER BY processed_at DESC, claim_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		// SQLite requires a LIMIT before OFFSET; -1 means unbounded there
		// while postgres accepts LIMIT ALL.
		if r.driver == "postgres" {
			query += ` LIMIT ALL OFFSET ?`
		} else {
			query += ` LIMIT -1 OFFSET ?`
		}
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	claims := []*domain.ProcessedClaim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		claims = append(claims, c)
	}

	return claims, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (*domain.ProcessedClaim, error) {
	var c domain.ProcessedClaim
	var batchID sql.NullString
	var gender, flags string
	var highRisk int
	var version int64

	if err := row.Scan(
		&c.ClaimID, &batchID, &c.PatientID, &c.PatientAge, &gender, &c.ServiceCode,
		&c.BilledAmount, &c.AllowedAmount, &c.ProviderID, &c.ProviderSpecialty, &c.RawClaimDate,
		&flags, &c.RepricedAmount, &c.DiscountPercent, &c.RiskScore,
		&c.Breakdown.Outlier, &c.Breakdown.Classifier, &c.Breakdown.Reconstruction,
		&highRisk, &version, &c.Status, &c.ProcessedAt,
	); err != nil {
		return nil, err
	}

	c.BatchID = batchID.String
	c.PatientGender = domain.Gender(gender)
	c.HighRisk = highRisk == 1
	c.ModelVersion = uint64(version)
	c.ProcessedAt = c.ProcessedAt.UTC()
	c.RuleFlags = []string{}
	if flags != "" {
		if err := json.Unmarshal([]byte(flags), &c.RuleFlags); err != nil {
			return nil, fmt.Errorf("decode rule flags for claim %s: %w", c.ClaimID, err)
		}
	}
	c.Normalize()

	return &c, nil
}

// SaveBatch stores or replaces a batch record.
func (r *SQLRepository) SaveBatch(ctx context.Context, batch *domain.Batch) error {
	if batch == nil || batch.ID == "" {
		return fmt.Errorf("%w: batch id is required", ErrInvalidInput)
	}

	recordErrors := batch.Errors
	if recordErrors == nil {
		recordErrors = []domain.RecordError{}
	}
	encoded, _ := json.Marshal(recordErrors)

	createdAt := batch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := batch.Status
	if status == "" {
		status = domain.BatchCompleted
	}

	query := `
		INSERT INTO batches (
			id, status, source, filename, submitted_by, received, processed, rejected,
			errors, scored_with_version, trained_version, training_error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			source = excluded.source,
			filename = excluded.filename,
			submitted_by = excluded.submitted_by,
			received = excluded.received,
			processed = excluded.processed,
			rejected = excluded.rejected,
			errors = excluded.errors,
			scored_with_version = excluded.scored_with_version,
			trained_version = excluded.trained_version,
			training_error = excluded.training_error
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		batch.ID, status, batch.Source, batch.Filename, batch.SubmittedBy,
		batch.Received, batch.Processed, batch.Rejected,
		string(encoded), int64(batch.ScoredWithVersion), int64(batch.TrainedVersion),
		batch.TrainingError, createdAt.UTC(),
	)
	return err
}

// GetBatch retrieves a batch record by ID.
func (r *SQLRepository) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	if batchID == "" {
		return nil, fmt.Errorf("%w: batchID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, status, source, filename, submitted_by, received, processed, rejected,
			   errors, scored_with_version, trained_version, training_error, created_at
		FROM batches
		WHERE id = ?
	`

	var b domain.Batch
	var filename, submittedBy, trainingError sql.NullString
	var recordErrors string
	var scored, trained int64

	err := r.db.QueryRowContext(ctx, r.rebind(query), batchID).Scan(
		&b.ID, &b.Status, &b.Source, &filename, &submittedBy,
		&b.Received, &b.Processed, &b.Rejected,
		&recordErrors, &scored, &trained, &trainingError, &b.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	b.Filename = filename.String
	b.SubmittedBy = submittedBy.String
	b.TrainingError = trainingError.String
	b.ScoredWithVersion = uint64(scored)
	b.TrainedVersion = uint64(trained)
	b.CreatedAt = b.CreatedAt.UTC()
	if recordErrors != "" {
		if err := json.Unmarshal([]byte(recordErrors), &b.Errors); err != nil {
			return nil, fmt.Errorf("decode errors for batch %s: %w", b.ID, err)
		}
	}

	return &b, nil
}

// SaveRuleConfig stores a rule configuration. Saving the same ID and
// version again updates it in place.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description,
		rule.Version, rule.Expression, enabled,
		createdAt.UTC(), now,
	)
	return err
}

// GetRuleConfig retrieves the most recently updated version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	if ruleID == "" {
		return nil, fmt.Errorf("%w: ruleID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, description, version, expression, enabled, created_at
		FROM rule_configs
		WHERE id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`

	cfg, err := scanRuleConfig(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs returns the latest version of every stored rule,
// disabled ones included, ordered by ID.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, enabled, created_at
		FROM rule_configs
		ORDER BY id, updated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []*domain.RuleConfig{}
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		if n := len(configs); n > 0 && configs[n-1].ID == cfg.ID {
			continue
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRuleConfig(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &enabled, &cfg.CreatedAt,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	cfg.CreatedAt = cfg.CreatedAt.UTC()
	return &cfg, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
