// Package config loads the claimscore configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/claimscore/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLAIMSCORE_"

// Profiles select the base configuration before the file and environment apply.
const (
	ProfileDefault    = "default"
	ProfileProduction = "production"
)

// Base returns the base configuration for a profile.
func Base(profile string) (*domain.Config, error) {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileDefault:
		return domain.DefaultConfig(), nil
	case ProfileProduction:
		return domain.ProductionConfig(), nil
	default:
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
}

// Load builds the configuration: profile defaults, then the YAML file at path
// (a missing file is ignored), then CLAIMSCORE_* variables. The result is validated.
func Load(path string) (*domain.Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*domain.Config, error) {
	profile, _ := lookup(EnvPrefix + "PROFILE")
	cfg, err := Base(profile)
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decodeFile(data, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decodeFile overlays data on cfg. A repricing.rates map in the file
// replaces the base table instead of merging into it.
func decodeFile(data []byte, cfg *domain.Config) error {
	var repricing struct {
		Repricing struct {
			Rates map[string]float64 `yaml:"rates"`
		} `yaml:"repricing"`
	}
	if err := yaml.Unmarshal(data, &repricing); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	if repricing.Repricing.Rates != nil {
		cfg.Repricing.Rates = repricing.Repricing.Rates
	}
	return nil
}

type override struct {
	key   string
	apply func(cfg *domain.Config, v string) error
}

func str(set func(cfg *domain.Config, v string)) func(*domain.Config, string) error {
	return func(cfg *domain.Config, v string) error {
		set(cfg, v)
		return nil
	}
}

func integer(set func(cfg *domain.Config, v int)) func(*domain.Config, string) error {
	return func(cfg *domain.Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

func boolean(set func(cfg *domain.Config, v bool)) func(*domain.Config, string) error {
	return func(cfg *domain.Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		set(cfg, b)
		return nil
	}
}

func float(set func(cfg *domain.Config, v float64)) func(*domain.Config, string) error {
	return func(cfg *domain.Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		set(cfg, f)
		return nil
	}
}

var overrides = []override{
	{"DEBUG", boolean(func(c *domain.Config, v bool) {
		if v {
			c.Logging.Level = "debug"
		}
	})},
	{"LOG_LEVEL", str(func(c *domain.Config, v string) { c.Logging.Level = v })},
	{"HOST", str(func(c *domain.Config, v string) { c.Server.Host = v })},
	{"PORT", integer(func(c *domain.Config, v int) { c.Server.Port = v })},
	{"ASYNC_WORKER", boolean(func(c *domain.Config, v bool) { c.Server.Async = v })},
	{"JWT_SECRET", str(func(c *domain.Config, v string) { c.Auth.JWTSecret = v })},
	{"HIGH_RISK_THRESHOLD", float(func(c *domain.Config, v float64) { c.Scoring.HighRiskThreshold = v })},
	{"AUTO_TRAIN", boolean(func(c *domain.Config, v bool) { c.Training.AutoTrain = v })},
	{"CONTAMINATION", float(func(c *domain.Config, v float64) { c.Training.Contamination = v })},
	{"SEED", integer(func(c *domain.Config, v int) { c.Training.Seed = int64(v) })},
	{"DB_DRIVER", str(func(c *domain.Config, v string) { c.Repository.Driver = v })},
	{"SQLITE_PATH", str(func(c *domain.Config, v string) { c.Repository.SQLitePath = v })},
	{"POSTGRES_HOST", str(func(c *domain.Config, v string) { c.Repository.PostgresHost = v })},
	{"POSTGRES_PORT", integer(func(c *domain.Config, v int) { c.Repository.PostgresPort = v })},
	{"POSTGRES_USER", str(func(c *domain.Config, v string) { c.Repository.PostgresUser = v })},
	{"POSTGRES_PASSWORD", str(func(c *domain.Config, v string) { c.Repository.PostgresPassword = v })},
	{"POSTGRES_DB", str(func(c *domain.Config, v string) { c.Repository.PostgresDB = v })},
	{"CACHE_TYPE", str(func(c *domain.Config, v string) { c.Cache.Type = v })},
	{"REDIS_ADDR", str(func(c *domain.Config, v string) { c.Cache.RedisAddr = v })},
	{"REDIS_PASSWORD", str(func(c *domain.Config, v string) { c.Cache.RedisPassword = v })},
	{"BUS_TYPE", str(func(c *domain.Config, v string) { c.EventBus.Type = v })},
	{"NATS_URL", str(func(c *domain.Config, v string) { c.EventBus.NATSUrl = v })},
	{"NATS_TOKEN", str(func(c *domain.Config, v string) { c.EventBus.NATSToken = v })},
}

func applyEnv(cfg *domain.Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.apply(cfg, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, o.key, err))
		}
	}
	return errors.Join(errs...)
}
