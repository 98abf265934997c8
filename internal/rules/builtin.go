package rules

import "github.com/opensource-finance/claimscore/internal/domain"

// BuiltinRules returns the fixed claim checks. Their IDs double as flag names
// and cannot be replaced by operator rules.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          domain.FlagAgeServiceMismatch,
			Name:        "Age / service mismatch",
			Description: "Office visit codes billed for a minor",
			Version:     "1",
			Expression:  `patient_age < 18 && service_code in ["99213", "99214"]`,
			Enabled:     true,
		},
		{
			ID:          domain.FlagExcessiveBilledAmount,
			Name:        "Excessive billed amount",
			Description: "Billed amount above 5000",
			Version:     "1",
			Expression:  `billed_amount > 5000.0`,
			Enabled:     true,
		},
		{
			ID:          domain.FlagSpecialtyMismatch,
			Name:        "Specialty mismatch",
			Description: "Office visit codes billed by a dermatologist",
			Version:     "1",
			Expression:  `provider_specialty == "Dermatology" && service_code in ["99213", "99214"]`,
			Enabled:     true,
		},
	}
}

func isBuiltin(id string) bool {
	switch id {
	case domain.FlagAgeServiceMismatch, domain.FlagExcessiveBilledAmount, domain.FlagSpecialtyMismatch:
		return true
	}
	return false
}
