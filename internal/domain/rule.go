package domain

import "time"

// RuleConfig defines an operator-supplied claim rule.
type RuleConfig struct {
	// ID is also the flag name emitted when the rule fires.
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over the claim activation; must evaluate to bool.
	Expression string `json:"expression"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
}
