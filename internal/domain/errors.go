package domain

import (
	"errors"
	"fmt"
)

// ErrMalformedClaim marks a record rejected at the ingest boundary.
var ErrMalformedClaim = errors.New("malformed claim")

// RecordError describes why a single input record was rejected.
// Row is 1-based over data rows and zero when unknown.
type RecordError struct {
	Row     int    `json:"row,omitempty"`
	ClaimID string `json:"claim_id,omitempty"`
	Field   string `json:"field"`
	Reason  string `json:"reason"`
}

func (e *RecordError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Field, e.Reason)
	if e.ClaimID != "" {
		msg = fmt.Sprintf("claim %s: %s", e.ClaimID, msg)
	}
	if e.Row > 0 {
		msg = fmt.Sprintf("row %d: %s", e.Row, msg)
	}
	return msg
}

func (e *RecordError) Unwrap() error { return ErrMalformedClaim }
