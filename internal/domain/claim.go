package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Gender is the patient gender recorded on a claim.
type Gender string

const (
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"
)

// ParseGender accepts M or F in any case.
func ParseGender(s string) (Gender, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M":
		return GenderMale, true
	case "F":
		return GenderFemale, true
	}
	return "", false
}

// Claim is a single billed medical service submitted for scoring.
type Claim struct {
	ClaimID           string  `json:"claim_id"`
	PatientID         string  `json:"patient_id"`
	PatientAge        int     `json:"patient_age"`
	PatientGender     Gender  `json:"patient_gender"`
	ServiceCode       string  `json:"service_code"`
	BilledAmount      float64 `json:"billed_amount"`
	AllowedAmount     float64 `json:"allowed_amount"`
	ProviderID        string  `json:"provider_id"`
	ProviderSpecialty string  `json:"provider_specialty"`

	// ClaimDate is zero when RawClaimDate could not be parsed.
	ClaimDate    time.Time `json:"-"`
	RawClaimDate string    `json:"claim_date"`
}

// DateKey returns the claim date as YYYY-MM-DD, falling back to the raw value.
func (c *Claim) DateKey() string {
	if c.ClaimDate.IsZero() {
		return c.RawClaimDate
	}
	return c.ClaimDate.Format(DateLayout)
}

// DateLayout is the canonical claim date format.
const DateLayout = "2006-01-02"

// dateLayouts are tried in order when parsing claim dates.
var dateLayouts = []string{
	DateLayout,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
	"2006/01/02",
}

// ParseClaimDate parses the supported claim date formats.
// The boolean is false when no layout matched.
func ParseClaimDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Validate checks the structural fields of a claim. An unparseable date is
// not an error; it only zeroes the day and month features.
func (c *Claim) Validate() error {
	switch {
	case strings.TrimSpace(c.ClaimID) == "":
		return &RecordError{Field: "claim_id", Reason: "is required"}
	case strings.TrimSpace(c.PatientID) == "":
		return &RecordError{ClaimID: c.ClaimID, Field: "patient_id", Reason: "is required"}
	case strings.TrimSpace(c.ProviderID) == "":
		return &RecordError{ClaimID: c.ClaimID, Field: "provider_id", Reason: "is required"}
	case strings.TrimSpace(c.ServiceCode) == "":
		return &RecordError{ClaimID: c.ClaimID, Field: "service_code", Reason: "is required"}
	case c.PatientAge < 0:
		return &RecordError{ClaimID: c.ClaimID, Field: "patient_age", Reason: fmt.Sprintf("must be non-negative, got %d", c.PatientAge)}
	case c.PatientGender != GenderMale && c.PatientGender != GenderFemale:
		return &RecordError{ClaimID: c.ClaimID, Field: "patient_gender", Reason: fmt.Sprintf("must be M or F, got %q", c.PatientGender)}
	case !(c.BilledAmount >= 0) || math.IsInf(c.BilledAmount, 1):
		return &RecordError{ClaimID: c.ClaimID, Field: "billed_amount", Reason: "must be a finite non-negative number"}
	case !(c.AllowedAmount >= 0) || math.IsInf(c.AllowedAmount, 1):
		return &RecordError{ClaimID: c.ClaimID, Field: "allowed_amount", Reason: "must be a finite non-negative number"}
	}
	return nil
}

// Normalize trims identifiers and resolves ClaimDate from RawClaimDate.
func (c *Claim) Normalize() {
	c.ClaimID = strings.TrimSpace(c.ClaimID)
	c.PatientID = strings.TrimSpace(c.PatientID)
	c.ProviderID = strings.TrimSpace(c.ProviderID)
	c.ServiceCode = strings.TrimSpace(c.ServiceCode)
	c.ProviderSpecialty = strings.TrimSpace(c.ProviderSpecialty)
	if g, ok := ParseGender(string(c.PatientGender)); ok {
		c.PatientGender = g
	}
	if c.ClaimDate.IsZero() {
		c.ClaimDate, _ = ParseClaimDate(c.RawClaimDate)
	}
}
