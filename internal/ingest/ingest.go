// Package ingest decodes claim batches from CSV and JSON and validates
// each record. Malformed records are rejected individually; the rest of
// the batch is kept.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opensource-finance/claimscore/internal/domain"
)

// Format identifies an input encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Columns are the claim fields, in export order.
var Columns = []string{
	"claim_id",
	"patient_id",
	"patient_age",
	"patient_gender",
	"service_code",
	"billed_amount",
	"allowed_amount",
	"provider_id",
	"provider_specialty",
	"claim_date",
}

// Result is a decoded batch.
type Result struct {
	Claims []domain.Claim
	Errors []domain.RecordError
}

// Received is the number of records read, accepted or not.
func (r *Result) Received() int {
	return len(r.Claims) + len(r.Errors)
}

// FormatFromFilename picks a format from a file extension.
func FormatFromFilename(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported file type %q: only .csv and .json are accepted", filepath.Ext(name))
}

// Decode reads a batch in the given format.
func Decode(r io.Reader, format Format) (*Result, error) {
	switch format {
	case FormatCSV:
		return DecodeCSV(r)
	case FormatJSON:
		return DecodeJSON(r)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

// Validate normalizes and validates already-typed claims, keeping input order.
func Validate(claims []domain.Claim) *Result {
	res := &Result{Claims: make([]domain.Claim, 0, len(claims))}
	for i := range claims {
		c := claims[i]
		c.Normalize()
		if err := c.Validate(); err != nil {
			res.reject(i+1, c.ClaimID, err)
			continue
		}
		res.Claims = append(res.Claims, c)
	}
	return res
}

func (r *Result) reject(row int, claimID string, err error) {
	re := domain.RecordError{Row: row, ClaimID: claimID, Reason: err.Error()}
	var rec *domain.RecordError
	if errors.As(err, &rec) {
		re = *rec
		re.Row = row
		if re.ClaimID == "" {
			re.ClaimID = claimID
		}
	}
	r.Errors = append(r.Errors, re)
}

// record is one row of string-valued fields keyed by column name.
type record map[string]string

// toClaim converts a record, rejecting missing fields and bad numbers.
func (rec record) toClaim() (domain.Claim, error) {
	id := strings.TrimSpace(rec["claim_id"])
	for _, col := range Columns {
		if _, ok := rec[col]; !ok {
			return domain.Claim{}, &domain.RecordError{ClaimID: id, Field: col, Reason: "is missing"}
		}
	}

	age, err := parseAge(rec["patient_age"])
	if err != nil {
		return domain.Claim{}, &domain.RecordError{ClaimID: id, Field: "patient_age", Reason: err.Error()}
	}
	gender, ok := domain.ParseGender(rec["patient_gender"])
	if !ok {
		return domain.Claim{}, &domain.RecordError{ClaimID: id, Field: "patient_gender", Reason: fmt.Sprintf("must be M or F, got %q", rec["patient_gender"])}
	}
	billed, err := parseAmount(rec["billed_amount"])
	if err != nil {
		return domain.Claim{}, &domain.RecordError{ClaimID: id, Field: "billed_amount", Reason: err.Error()}
	}
	allowed, err := parseAmount(rec["allowed_amount"])
	if err != nil {
		return domain.Claim{}, &domain.RecordError{ClaimID: id, Field: "allowed_amount", Reason: err.Error()}
	}

	c := domain.Claim{
		ClaimID:           id,
		PatientID:         rec["patient_id"],
		PatientAge:        age,
		PatientGender:     gender,
		ServiceCode:       rec["service_code"],
		BilledAmount:      billed,
		AllowedAmount:     allowed,
		ProviderID:        rec["provider_id"],
		ProviderSpecialty: rec["provider_specialty"],
		RawClaimDate:      strings.TrimSpace(rec["claim_date"]),
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

func parseAge(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be a whole number, got %q", s)
	}
	return int(f), nil
}

func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be a number, got %q", s)
	}
	if f < 0 {
		return 0, fmt.Errorf("must be non-negative, got %v", f)
	}
	return f, nil
}
