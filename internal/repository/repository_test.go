package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/opensource-finance/claimscore/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "claimscore-test.db"),
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func processedClaim(id string, score float64, code string, at time.Time) *domain.ProcessedClaim {
	c := &domain.ProcessedClaim{
		Claim: domain.Claim{
			ClaimID:           id,
			PatientID:         "P" + id,
			PatientAge:        40,
			PatientGender:     domain.GenderFemale,
			ServiceCode:       code,
			BilledAmount:      200,
			AllowedAmount:     150,
			ProviderID:        "PR1",
			ProviderSpecialty: "Cardiology",
			RawClaimDate:      "2024-03-10",
		},
		RuleFlags:       []string{},
		RepricedAmount:  160,
		DiscountPercent: 20,
		RiskScore:       score,
		Breakdown:       domain.ScoreBreakdown{Outlier: score, Classifier: 0, Reconstruction: score},
		HighRisk:        score >= 70,
		ModelVersion:    2,
		Status:          domain.StatusProcessed,
		BatchID:         "batch-1",
		ProcessedAt:     at,
	}
	c.Normalize()
	return c
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetClaim", func(t *testing.T) {
		c := processedClaim("C001", 82.5, "99213", base)
		c.RuleFlags = []string{domain.FlagExcessiveBilledAmount}

		if err := repo.SaveClaims(ctx, []*domain.ProcessedClaim{c}); err != nil {
			t.Fatalf("SaveClaims failed: %v", err)
		}

		got, err := repo.GetClaim(ctx, "C001")
		if err != nil {
			t.Fatalf("GetClaim failed: %v", err)
		}
		if diff := cmp.Diff(c, got); diff != "" {
			t.Errorf("claim mismatch (-want +got):\n%s", diff)
		}
		if got.ClaimDate.Month() != time.March || got.ClaimDate.Day() != 10 {
			t.Errorf("expected claim date 2024-03-10, got %v", got.ClaimDate)
		}
	})

	t.Run("SaveClaimsUpserts", func(t *testing.T) {
		c := processedClaim("C001", 12, "99213", base.Add(time.Minute))
		if err := repo.SaveClaims(ctx, []*domain.ProcessedClaim{c}); err != nil {
			t.Fatalf("SaveClaims failed: %v", err)
		}

		got, err := repo.GetClaim(ctx, "C001")
		if err != nil {
			t.Fatalf("GetClaim failed: %v", err)
		}
		if got.RiskScore != 12 {
			t.Errorf("expected overwritten score 12, got %.2f", got.RiskScore)
		}
		if len(got.RuleFlags) != 0 {
			t.Errorf("expected flags cleared, got %v", got.RuleFlags)
		}

		_, total, err := repo.ListClaims(ctx, domain.ClaimFilter{})
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if total != 1 {
			t.Errorf("expected 1 stored claim after upsert, got %d", total)
		}
	})

	t.Run("ListClaimsFilters", func(t *testing.T) {
		var claims []*domain.ProcessedClaim
		for i := 2; i <= 6; i++ {
			code := "97110"
			if i%2 == 0 {
				code = "99214"
			}
			claims = append(claims, processedClaim(fmt.Sprintf("C%03d", i), float64(i*15), code, base.Add(time.Duration(i)*time.Hour)))
		}
		if err := repo.SaveClaims(ctx, claims); err != nil {
			t.Fatalf("SaveClaims failed: %v", err)
		}

		min := 60.0
		got, total, err := repo.ListClaims(ctx, domain.ClaimFilter{MinRiskScore: &min})
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if total != 3 || len(got) != 3 {
			t.Fatalf("expected 3 claims with score >= 60, got total=%d len=%d", total, len(got))
		}
		if got[0].ClaimID != "C006" {
			t.Errorf("expected newest claim first, got %s", got[0].ClaimID)
		}

		got, total, err = repo.ListClaims(ctx, domain.ClaimFilter{ServiceCode: "99214"})
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if total != 3 {
			t.Errorf("expected 3 claims for 99214, got %d", total)
		}
		for _, c := range got {
			if c.ServiceCode != "99214" {
				t.Errorf("unexpected service code %s", c.ServiceCode)
			}
		}
	})

	t.Run("ListClaimsPagination", func(t *testing.T) {
		page, total, err := repo.ListClaims(ctx, domain.ClaimFilter{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if total != 6 {
			t.Errorf("expected total 6, got %d", total)
		}
		ids := []string{page[0].ClaimID, page[1].ClaimID}
		if diff := cmp.Diff([]string{"C005", "C004"}, ids); diff != "" {
			t.Errorf("page mismatch (-want +got):\n%s", diff)
		}

		rest, _, err := repo.ListClaims(ctx, domain.ClaimFilter{Offset: 4})
		if err != nil {
			t.Fatalf("ListClaims failed: %v", err)
		}
		if len(rest) != 2 {
			t.Errorf("expected 2 claims after offset 4, got %d", len(rest))
		}

		if _, _, err := repo.ListClaims(ctx, domain.ClaimFilter{Limit: -1}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for negative limit, got %v", err)
		}
	})

	t.Run("SaveAndGetBatch", func(t *testing.T) {
		b := &domain.Batch{
			ID:                "batch-1",
			Status:            domain.BatchCompleted,
			Source:            "upload",
			Filename:          "claims.csv",
			Received:          3,
			Processed:         2,
			Rejected:          1,
			Errors:            []domain.RecordError{{Row: 3, ClaimID: "C9", Field: "patient_gender", Reason: "must be M or F"}},
			ScoredWithVersion: 1,
			TrainedVersion:    2,
			CreatedAt:         base,
		}
		if err := repo.SaveBatch(ctx, b); err != nil {
			t.Fatalf("SaveBatch failed: %v", err)
		}

		got, err := repo.GetBatch(ctx, "batch-1")
		if err != nil {
			t.Fatalf("GetBatch failed: %v", err)
		}
		if diff := cmp.Diff(b, got); diff != "" {
			t.Errorf("batch mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("RuleConfigs", func(t *testing.T) {
		rule := &domain.RuleConfig{
			ID:         "allowed_exceeds_billed",
			Name:       "Allowed exceeds billed",
			Version:    "1",
			Expression: "allowed_amount > billed_amount",
			Enabled:    true,
		}
		if err := repo.SaveRuleConfig(ctx, rule); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}
		disabled := &domain.RuleConfig{ID: "a_disabled", Name: "Off", Version: "1", Expression: "true"}
		if err := repo.SaveRuleConfig(ctx, disabled); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		got, err := repo.GetRuleConfig(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Expression != rule.Expression || !got.Enabled {
			t.Errorf("unexpected rule %+v", got)
		}

		// A newer version supersedes the first in listings.
		time.Sleep(5 * time.Millisecond)
		v2 := *rule
		v2.Version = "2"
		v2.Expression = "allowed_amount > billed_amount * 1.1"
		if err := repo.SaveRuleConfig(ctx, &v2); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		list, err := repo.ListRuleConfigs(ctx)
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 rules, got %d", len(list))
		}
		if list[0].ID != "a_disabled" || list[0].Enabled {
			t.Errorf("expected disabled rule first, got %+v", list[0])
		}
		if list[1].Version != "2" {
			t.Errorf("expected latest version 2, got %s", list[1].Version)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetClaim(ctx, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetBatch(ctx, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetRuleConfig(ctx, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("RequiresIDs", func(t *testing.T) {
		if err := repo.SaveClaims(ctx, []*domain.ProcessedClaim{{}}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.SaveBatch(ctx, &domain.Batch{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetClaim(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestMemoryDatabase(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: MemoryPath})
	if err != nil {
		t.Fatalf("failed to open in-memory repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	c := processedClaim("M1", 40, "99213", time.Now().UTC().Truncate(time.Second))
	if err := repo.SaveClaims(ctx, []*domain.ProcessedClaim{c}); err != nil {
		t.Fatalf("SaveClaims failed: %v", err)
	}
	if _, err := repo.GetClaim(ctx, "M1"); err != nil {
		t.Errorf("GetClaim failed: %v", err)
	}
}

func TestCorruptStoredJSON(t *testing.T) {
	repo := newTestRepo(t).(*SQLRepository)
	ctx := context.Background()

	c := processedClaim("X1", 55, "99213", time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC))
	if err := repo.SaveClaims(ctx, []*domain.ProcessedClaim{c}); err != nil {
		t.Fatalf("SaveClaims failed: %v", err)
	}
	if err := repo.SaveBatch(ctx, &domain.Batch{ID: "B-X", Source: "csv"}); err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}

	if _, err := repo.db.ExecContext(ctx, `UPDATE processed_claims SET rule_flags = 'not-json' WHERE claim_id = 'X1'`); err != nil {
		t.Fatalf("corrupt rule_flags: %v", err)
	}
	if _, err := repo.db.ExecContext(ctx, `UPDATE batches SET errors = '{broken' WHERE id = 'B-X'`); err != nil {
		t.Fatalf("corrupt errors: %v", err)
	}

	if _, err := repo.GetClaim(ctx, "X1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected decode error from GetClaim, got %v", err)
	}
	if _, _, err := repo.ListClaims(ctx, domain.ClaimFilter{}); err == nil {
		t.Error("expected decode error from ListClaims")
	}
	if _, err := repo.GetBatch(ctx, "B-X"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected decode error from GetBatch, got %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "u", PostgresPassword: "p"})
	want := "host=localhost port=5432 user=u password=p dbname=claimscore sslmode=disable application_name=claimscore connect_timeout=10"
	if dsn != want {
		t.Errorf("postgresDSN() = %q, want %q", dsn, want)
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
