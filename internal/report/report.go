// Package report aggregates processed claims into the anomaly and savings
// views served by the API.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/claimscore/internal/cache"
	"github.com/opensource-finance/claimscore/internal/domain"
)

// Cache keys for report responses. Both are dropped whenever claims change.
const (
	KeyAnomalies = "report:anomalies"
	KeySavings   = "report:savings"
)

// DefaultThreshold is the risk score at which a claim counts as an anomaly.
const DefaultThreshold = 70.0

// ServiceStat summarizes the anomalous claims of one service code.
type ServiceStat struct {
	Count     int     `json:"count"`
	TotalRisk float64 `json:"total_risk"`
	AvgRisk   float64 `json:"avg_risk"`
}

// Anomalies lists high-risk claims with per-service statistics.
type Anomalies struct {
	Threshold    float64                  `json:"threshold"`
	Anomalies    []*domain.ProcessedClaim `json:"anomalies"`
	ServiceStats map[string]ServiceStat   `json:"service_stats"`
}

// DateSavings holds the repricing totals of one claim date.
type DateSavings struct {
	Billed   float64 `json:"billed"`
	Repriced float64 `json:"repriced"`
	Savings  float64 `json:"savings"`
}

// Savings summarizes what repricing removed across all claims.
type Savings struct {
	Claims            int                    `json:"claims"`
	TotalBilled       float64                `json:"total_billed"`
	TotalRepriced     float64                `json:"total_repriced"`
	TotalSavings      float64                `json:"total_savings"`
	SavingsPercentage float64                `json:"savings_percentage"`
	SavingsByDate     map[string]DateSavings `json:"savings_by_date"`
}

// BuildAnomalies keeps claims scoring at or above threshold, in input order,
// and groups them by service code.
func BuildAnomalies(claims []*domain.ProcessedClaim, threshold float64) *Anomalies {
	out := &Anomalies{
		Threshold:    threshold,
		Anomalies:    []*domain.ProcessedClaim{},
		ServiceStats: map[string]ServiceStat{},
	}

	totals := map[string]decimal.Decimal{}
	for _, c := range claims {
		if c.RiskScore < threshold {
			continue
		}
		out.Anomalies = append(out.Anomalies, c)
		stat := out.ServiceStats[c.ServiceCode]
		stat.Count++
		out.ServiceStats[c.ServiceCode] = stat
		totals[c.ServiceCode] = totals[c.ServiceCode].Add(decimal.NewFromFloat(c.RiskScore))
	}

	for code, stat := range out.ServiceStats {
		total := totals[code]
		stat.TotalRisk = total.InexactFloat64()
		stat.AvgRisk = total.Div(decimal.NewFromInt(int64(stat.Count))).Round(4).InexactFloat64()
		out.ServiceStats[code] = stat
	}
	return out
}

// BuildSavings totals billed and repriced amounts overall and per claim date.
// Claims whose date could not be parsed are grouped under their raw value.
func BuildSavings(claims []*domain.ProcessedClaim) *Savings {
	type acc struct{ billed, repriced decimal.Decimal }

	var billed, repriced decimal.Decimal
	byDate := map[string]*acc{}
	for _, c := range claims {
		b := decimal.NewFromFloat(c.BilledAmount)
		r := decimal.NewFromFloat(c.RepricedAmount)
		billed = billed.Add(b)
		repriced = repriced.Add(r)

		key := c.DateKey()
		a, ok := byDate[key]
		if !ok {
			a = &acc{}
			byDate[key] = a
		}
		a.billed = a.billed.Add(b)
		a.repriced = a.repriced.Add(r)
	}

	saved := billed.Sub(repriced)
	out := &Savings{
		Claims:        len(claims),
		TotalBilled:   billed.InexactFloat64(),
		TotalRepriced: repriced.InexactFloat64(),
		TotalSavings:  saved.InexactFloat64(),
		SavingsByDate: make(map[string]DateSavings, len(byDate)),
	}
	if billed.IsPositive() {
		out.SavingsPercentage = saved.Div(billed).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	}
	for key, a := range byDate {
		out.SavingsByDate[key] = DateSavings{
			Billed:   a.billed.InexactFloat64(),
			Repriced: a.repriced.InexactFloat64(),
			Savings:  a.billed.Sub(a.repriced).InexactFloat64(),
		}
	}
	return out
}

// Dates returns the keys of SavingsByDate in ascending order.
func (s *Savings) Dates() []string {
	dates := make([]string, 0, len(s.SavingsByDate))
	for d := range s.SavingsByDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// Service builds reports from the repository and caches the results.
type Service struct {
	repo      domain.Repository
	cache     domain.Cache
	ttl       time.Duration
	threshold float64
	logger    *slog.Logger
}

// NewService creates a report service. A nil cache disables caching.
func NewService(repo domain.Repository, c domain.Cache, ttl time.Duration, threshold float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		repo:      repo,
		cache:     c,
		ttl:       ttl,
		threshold: threshold,
		logger:    logger,
	}
}

// Anomalies returns the anomaly report, served from cache when fresh.
func (s *Service) Anomalies(ctx context.Context) (*Anomalies, error) {
	var out Anomalies
	if s.cached(ctx, KeyAnomalies, &out) {
		return &out, nil
	}

	min := s.threshold
	claims, _, err := s.repo.ListClaims(ctx, domain.ClaimFilter{MinRiskScore: &min})
	if err != nil {
		return nil, fmt.Errorf("list anomalous claims: %w", err)
	}

	report := BuildAnomalies(claims, s.threshold)
	s.store(ctx, KeyAnomalies, report)
	return report, nil
}

// Savings returns the savings report, served from cache when fresh.
func (s *Service) Savings(ctx context.Context) (*Savings, error) {
	var out Savings
	if s.cached(ctx, KeySavings, &out) {
		return &out, nil
	}

	claims, _, err := s.repo.ListClaims(ctx, domain.ClaimFilter{})
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}

	report := BuildSavings(claims)
	s.store(ctx, KeySavings, report)
	return report, nil
}

// Invalidate drops cached reports. Called after claims are stored.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, KeyAnomalies, KeySavings); err != nil {
		s.logger.Warn("failed to invalidate report cache", "error", err)
	}
}

// cached reports a hit. Cache errors degrade to a miss.
func (s *Service) cached(ctx context.Context, key string, dst any) bool {
	if s.cache == nil {
		return false
	}
	found, err := cache.GetJSON(ctx, s.cache, key, dst)
	if err != nil {
		s.logger.Warn("report cache read failed", "key", key, "error", err)
		return false
	}
	return found
}

func (s *Service) store(ctx context.Context, key string, v any) {
	if s.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, key, v, s.ttl); err != nil {
		s.logger.Warn("report cache write failed", "key", key, "error", err)
	}
}
