// Package rules provides the CEL-Go based claim rule engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/claimscore/internal/domain"
)

// ErrBuiltinRule is returned when an operator rule reuses a built-in ID.
var ErrBuiltinRule = errors.New("rule id is reserved by a built-in rule")

// Engine evaluates the built-in claim checks plus any operator rules.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	builtin       []*CompiledRule
	compiledRules map[string]*CompiledRule
	maxWorkers    int
	logger        *slog.Logger
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a rule engine with the built-in rules compiled.
func NewEngine(logger *slog.Logger, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Create CEL environment with claim variables
	env, err := cel.NewEnv(
		cel.Variable("claim_id", cel.StringType),
		cel.Variable("patient_id", cel.StringType),
		cel.Variable("patient_age", cel.IntType),
		cel.Variable("patient_gender", cel.StringType),
		cel.Variable("service_code", cel.StringType),
		cel.Variable("billed_amount", cel.DoubleType),
		cel.Variable("allowed_amount", cel.DoubleType),
		cel.Variable("provider_id", cel.StringType),
		cel.Variable("provider_specialty", cel.StringType),
		cel.Variable("claim_day", cel.IntType),
		cel.Variable("claim_month", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
		logger:        logger,
	}
	for _, cfg := range BuiltinRules() {
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return nil, err
		}
		e.builtin = append(e.builtin, compiled)
	}
	return e, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	if isBuiltin(cfg.ID) {
		return fmt.Errorf("%w: %s", ErrBuiltinRule, cfg.ID)
	}

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads an operator rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	if isBuiltin(cfg.ID) {
		return fmt.Errorf("%w: %s", ErrBuiltinRule, cfg.ID)
	}
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Enabled {
		e.compiledRules[cfg.ID] = compiled
	} else {
		delete(e.compiledRules, cfg.ID)
	}
	return nil
}

// ReloadRules replaces all operator rules atomically.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if isBuiltin(cfg.ID) {
			return fmt.Errorf("%w: %s", ErrBuiltinRule, cfg.ID)
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	return nil
}

// Evaluate returns the sorted, de-duplicated flags raised by a claim.
func (e *Engine) Evaluate(c *domain.Claim) []string {
	rules := e.snapshot()
	activation := activationFor(c)

	flags := make([]string, 0, 2)
	for _, r := range rules {
		if e.fires(r, activation, c.ClaimID) {
			flags = append(flags, r.Config.ID)
		}
	}
	sort.Strings(flags)
	return compact(flags)
}

// WeakLabel is 1 when the claim raises any flag.
func (e *Engine) WeakLabel(c *domain.Claim) int {
	if len(e.Evaluate(c)) > 0 {
		return 1
	}
	return 0
}

// EvaluateBatch evaluates every claim in parallel and keeps input order.
func (e *Engine) EvaluateBatch(ctx context.Context, claims []domain.Claim) ([][]string, error) {
	results := make([][]string, len(claims))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i := range claims {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.Evaluate(&claims[idx])
		}(i)
	}

	wg.Wait()
	return results, nil
}

func (e *Engine) fires(r *CompiledRule, activation map[string]any, claimID string) bool {
	out, _, err := r.Program.Eval(activation)
	if err != nil {
		e.logger.Warn("rule evaluation failed",
			"rule_id", r.Config.ID,
			"claim_id", claimID,
			"error", err,
		)
		return false
	}
	b, ok := out.(types.Bool)
	return ok && bool(b)
}

func (e *Engine) snapshot() []*CompiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*CompiledRule, 0, len(e.builtin)+len(e.compiledRules))
	rules = append(rules, e.builtin...)
	for _, r := range e.compiledRules {
		rules = append(rules, r)
	}
	return rules
}

func activationFor(c *domain.Claim) map[string]any {
	var day, month int64
	if !c.ClaimDate.IsZero() {
		day = int64(c.ClaimDate.Day())
		month = int64(c.ClaimDate.Month())
	}
	return map[string]any{
		"claim_id":           c.ClaimID,
		"patient_id":         c.PatientID,
		"patient_age":        int64(c.PatientAge),
		"patient_gender":     string(c.PatientGender),
		"service_code":       c.ServiceCode,
		"billed_amount":      c.BilledAmount,
		"allowed_amount":     c.AllowedAmount,
		"provider_id":        c.ProviderID,
		"provider_specialty": c.ProviderSpecialty,
		"claim_day":          day,
		"claim_month":        month,
	}
}

func compact(flags []string) []string {
	out := flags[:0]
	for i, f := range flags {
		if i == 0 || f != flags[i-1] {
			out = append(out, f)
		}
	}
	return out
}

// RulesCount returns the number of loaded rules, built-ins included.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.builtin) + len(e.compiledRules)
}

// GetLoadedRules returns the built-in and operator rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	rules := e.snapshot()
	configs := make([]*domain.RuleConfig, 0, len(rules))
	for _, compiled := range rules {
		configs = append(configs, compiled.Config)
	}
	sort.SliceStable(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// Close drops all operator rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
