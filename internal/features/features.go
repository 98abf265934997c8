// Package features turns claims into the numeric vectors the models consume.
package features

import (
	"github.com/opensource-finance/claimscore/internal/domain"
)

// Dim is the length of every feature vector.
const Dim = 7

// Column positions within a Vector.
const (
	Age = iota
	Gender
	Billed
	Allowed
	ServiceCodeLen
	Day
	Month
)

// Names lists the feature columns in vector order.
var Names = [Dim]string{
	"patient_age",
	"patient_gender",
	"billed_amount",
	"allowed_amount",
	"service_code_length",
	"claim_day",
	"claim_month",
}

// Vector is a single claim's features in column order.
type Vector []float64

// Build derives the feature vector for a claim.
// A zero claim date yields 0 for both day and month.
func Build(c *domain.Claim) Vector {
	v := make(Vector, Dim)
	v[Age] = float64(c.PatientAge)
	if c.PatientGender == domain.GenderMale {
		v[Gender] = 1
	}
	v[Billed] = c.BilledAmount
	v[Allowed] = c.AllowedAmount
	v[ServiceCodeLen] = float64(len(c.ServiceCode))
	if !c.ClaimDate.IsZero() {
		v[Day] = float64(c.ClaimDate.Day())
		v[Month] = float64(c.ClaimDate.Month())
	}
	return v
}

// BuildBatch builds one row per claim. Rows are independent of each other.
func BuildBatch(claims []domain.Claim) [][]float64 {
	rows := make([][]float64, len(claims))
	for i := range claims {
		rows[i] = Build(&claims[i])
	}
	return rows
}
