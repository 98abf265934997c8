package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/opensource-finance/claimscore/internal/domain"
)

// DecodeCSV reads a header row followed by one claim per row. Extra columns
// are ignored. A missing header column rejects every row.
func DecodeCSV(r io.Reader) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &Result{}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}

	res := &Result{}
	for row := 1; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.reject(row, "", &domain.RecordError{Field: "row", Reason: perr.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("read csv row %d: %w", row, err)
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			continue
		}

		rec := make(record, len(header))
		for i, col := range header {
			if i < len(fields) {
				rec[col] = fields[i]
			}
		}
		c, err := rec.toClaim()
		if err != nil {
			res.reject(row, strings.TrimSpace(rec["claim_id"]), err)
			continue
		}
		res.Claims = append(res.Claims, c)
	}
	return res, nil
}

// ClaimRow renders a claim's fields in Columns order.
func ClaimRow(c *domain.Claim) []string {
	return []string{
		c.ClaimID,
		c.PatientID,
		strconv.Itoa(c.PatientAge),
		string(c.PatientGender),
		c.ServiceCode,
		strconv.FormatFloat(c.BilledAmount, 'f', 2, 64),
		strconv.FormatFloat(c.AllowedAmount, 'f', 2, 64),
		c.ProviderID,
		c.ProviderSpecialty,
		c.RawClaimDate,
	}
}

// ExportColumns are the columns written by WriteProcessedCSV.
var ExportColumns = append(append([]string{}, Columns...),
	"rule_flags",
	"repriced_amount",
	"discount_percentage",
	"risk_score",
	"high_risk",
	"model_version",
	"status",
	"processed_at",
)

// WriteProcessedCSV writes processed claims with a header row.
func WriteProcessedCSV(w io.Writer, claims []*domain.ProcessedClaim) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return err
	}
	for _, p := range claims {
		row := append(ClaimRow(&p.Claim),
			strings.Join(p.RuleFlags, ";"),
			strconv.FormatFloat(p.RepricedAmount, 'f', 2, 64),
			strconv.FormatFloat(p.DiscountPercent, 'f', -1, 64),
			strconv.FormatFloat(p.RiskScore, 'f', 2, 64),
			strconv.FormatBool(p.HighRisk),
			strconv.FormatUint(p.ModelVersion, 10),
			p.Status,
			p.ProcessedAt.Format("2006-01-02T15:04:05Z07:00"),
		)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
