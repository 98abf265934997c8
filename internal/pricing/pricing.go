// Package pricing applies the repricing table to billed amounts.
package pricing

import (
	"fmt"
	"maps"
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Table maps service codes to discount rates in [0, 1].
type Table struct {
	defaultRate decimal.Decimal
	rates       map[string]decimal.Decimal
}

// NewTable validates and builds a repricing table.
func NewTable(defaultRate float64, rates map[string]float64) (*Table, error) {
	if defaultRate < 0 || defaultRate > 1 {
		return nil, fmt.Errorf("default rate must be in [0, 1], got %v", defaultRate)
	}
	t := &Table{
		defaultRate: decimal.NewFromFloat(defaultRate),
		rates:       make(map[string]decimal.Decimal, len(rates)),
	}
	for code, r := range rates {
		if r < 0 || r > 1 {
			return nil, fmt.Errorf("rate for %s must be in [0, 1], got %v", code, r)
		}
		t.rates[code] = decimal.NewFromFloat(r)
	}
	return t, nil
}

// DefaultTable is the stock table: 99213 at 20%, 97110 at 25%, 15% otherwise.
func DefaultTable() *Table {
	t, _ := NewTable(0.15, map[string]float64{"99213": 0.20, "97110": 0.25})
	return t
}

// Rate returns the discount rate for a code. Unknown codes get the default.
func (t *Table) Rate(code string) decimal.Decimal {
	if r, ok := t.rates[code]; ok {
		return r
	}
	return t.defaultRate
}

// Rates returns a copy of the per-code overrides.
func (t *Table) Rates() map[string]float64 {
	out := make(map[string]float64, len(t.rates))
	for code, r := range t.rates {
		out[code] = r.InexactFloat64()
	}
	return out
}

// DefaultRate returns the rate for unlisted codes.
func (t *Table) DefaultRate() float64 {
	return t.defaultRate.InexactFloat64()
}

// Repricer computes repriced amounts from a Table.
type Repricer struct {
	table *Table
}

// NewRepricer creates a Repricer. A nil table means DefaultTable.
func NewRepricer(table *Table) *Repricer {
	if table == nil {
		table = DefaultTable()
	}
	return &Repricer{table: table}
}

// Reprice returns billed × (1 − rate) and the discount as a percentage.
// Non-finite amounts cannot be held in a decimal and are multiplied as floats.
func (r *Repricer) Reprice(serviceCode string, billed float64) (repriced, discountPercent float64) {
	rate := r.table.Rate(serviceCode)
	discountPercent = rate.Mul(hundred).InexactFloat64()
	if math.IsInf(billed, 0) || math.IsNaN(billed) {
		return billed * (1 - rate.InexactFloat64()), discountPercent
	}
	amount := decimal.NewFromFloat(billed).Mul(decimal.NewFromInt(1).Sub(rate))
	return amount.InexactFloat64(), discountPercent
}

// Table returns a copy of the table the repricer uses.
func (r *Repricer) Table() *Table {
	return &Table{defaultRate: r.table.defaultRate, rates: maps.Clone(r.table.rates)}
}
