package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/opensource-finance/claimscore/internal/domain"
)

// DecodeJSON reads an array of claim objects. Numbers and strings are
// accepted interchangeably for every field.
func DecodeJSON(r io.Reader) (*Result, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json claims: %w", err)
	}

	res := &Result{}
	for i, msg := range raw {
		row := i + 1
		rec, err := jsonRecord(msg)
		if err != nil {
			res.reject(row, "", &domain.RecordError{Field: "record", Reason: err.Error()})
			continue
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

func jsonRecord(msg json.RawMessage) (record, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("must be an object: %w", err)
	}

	rec := make(record, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case nil:
			// Absent and null are treated alike.
		case string:
			rec[k] = val
		case json.Number:
			rec[k] = val.String()
		case bool:
			rec[k] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("field %s must be a scalar", k)
		}
	}
	if code, ok := rec["service_code"]; ok {
		rec["service_code"] = normalizeCode(code)
	}
	return rec, nil
}

// normalizeCode renders numeric codes such as 99213.0 as 99213.
func normalizeCode(code string) string {
	if f, err := strconv.ParseFloat(code, 64); err == nil && f == float64(int64(f)) && !strings.ContainsAny(code, "eE") {
		if strings.Contains(code, ".") {
			return strconv.FormatInt(int64(f), 10)
		}
	}
	return code
}
