//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opensource-finance/claimscore/internal/domain"
)

func startPostgres(t *testing.T) domain.RepositoryConfig {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("claimscore"),
		tcpostgres.WithUsername("claimscore"),
		tcpostgres.WithPassword("claimscore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get postgres port: %v", err)
	}

	return domain.RepositoryConfig{
		Driver:           "postgres",
		PostgresHost:     host,
		PostgresPort:     port.Int(),
		PostgresUser:     "claimscore",
		PostgresPassword: "claimscore",
		PostgresDB:       "claimscore",
	}
}

func TestPostgresRepository(t *testing.T) {
	repo, err := New(startPostgres(t))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	base := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	claims := []*domain.ProcessedClaim{
		processedClaim("C1", 90, "99213", base),
		processedClaim("C2", 20, "97110", base.Add(time.Hour)),
		processedClaim("C3", 75, "99213", base.Add(2*time.Hour)),
	}
	if err := repo.SaveClaims(ctx, claims); err != nil {
		t.Fatalf("SaveClaims failed: %v", err)
	}
	// Upsert must not duplicate rows.
	if err := repo.SaveClaims(ctx, claims[:1]); err != nil {
		t.Fatalf("SaveClaims upsert failed: %v", err)
	}

	min := 70.0
	got, total, err := repo.ListClaims(ctx, domain.ClaimFilter{MinRiskScore: &min, Offset: 1})
	if err != nil {
		t.Fatalf("ListClaims failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 high-risk claims, got %d", total)
	}
	if len(got) != 1 || got[0].ClaimID != "C1" {
		t.Errorf("expected C1 after offset 1, got %+v", got)
	}

	b := &domain.Batch{ID: "b1", Source: "api", Received: 3, Processed: 3, CreatedAt: base}
	if err := repo.SaveBatch(ctx, b); err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}
	if _, err := repo.GetBatch(ctx, "b1"); err != nil {
		t.Errorf("GetBatch failed: %v", err)
	}

	rule := &domain.RuleConfig{ID: "r1", Name: "r1", Version: "1", Expression: "true", Enabled: true}
	if err := repo.SaveRuleConfig(ctx, rule); err != nil {
		t.Fatalf("SaveRuleConfig failed: %v", err)
	}
	list, err := repo.ListRuleConfigs(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("expected 1 rule, got %d err=%v", len(list), err)
	}
}
