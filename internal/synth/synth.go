// Package synth generates synthetic claim batches with injected anomalies
// for demos, load tests and benchmarks.
package synth

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/ingest"
)

// Anomaly kinds injected into generated claims.
const (
	AnomalyExcessiveAmount   = "excessive_amount"
	AnomalyAgeMismatch       = "age_mismatch"
	AnomalySpecialtyMismatch = "specialty_mismatch"
	AnomalyFrequencySpike    = "frequency_spike"
)

var anomalyKinds = []string{AnomalyExcessiveAmount, AnomalyAgeMismatch, AnomalySpecialtyMismatch, AnomalyFrequencySpike}

type amountRange struct{ lo, hi float64 }

// serviceCodes are the generated codes and their typical billed ranges.
var serviceCodes = []struct {
	code string
	amountRange
}{
	{"99213", amountRange{150, 300}},
	{"99214", amountRange{200, 400}},
	{"97110", amountRange{50, 150}},
	{"99215", amountRange{300, 600}},
	{"99212", amountRange{100, 200}},
	{"99201", amountRange{80, 180}},
	{"99202", amountRange{120, 250}},
	{"99203", amountRange{150, 300}},
	{"99204", amountRange{200, 450}},
	{"99205", amountRange{250, 500}},
}

var specialties = []string{
	"Internal Medicine", "Family Medicine", "Cardiology",
	"Dermatology", "Orthopedics", "Neurology", "Pediatrics",
	"Psychiatry", "Ophthalmology", "Gastroenterology",
}

// Config controls generation.
type Config struct {
	Claims      int
	AnomalyRate float64
	Seed        uint64
	// Anchor is the latest possible claim date; claims fall in the 180 days before it.
	Anchor time.Time
}

// DefaultConfig generates 1000 claims with a 15% anomaly rate.
func DefaultConfig() Config {
	return Config{Claims: 1000, AnomalyRate: 0.15, Seed: 42, Anchor: time.Now().UTC()}
}

// Sample is a generated claim and the anomaly injected into it, if any.
type Sample struct {
	Claim   domain.Claim
	Anomaly string
}

// Generate produces cfg.Claims samples deterministically for a given seed and anchor.
func Generate(cfg Config) []Sample {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5bd1e995))
	anchor := cfg.Anchor
	if anchor.IsZero() {
		anchor = time.Now().UTC()
	}
	anchor = time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, time.UTC)

	out := make([]Sample, cfg.Claims)
	for i := range out {
		svc := serviceCodes[rng.IntN(len(serviceCodes))]
		gender := domain.GenderMale
		if rng.IntN(2) == 1 {
			gender = domain.GenderFemale
		}
		date := anchor.AddDate(0, 0, -(1 + rng.IntN(180)))

		c := domain.Claim{
			ClaimID:           fmt.Sprintf("CLM_%06d", i+1),
			PatientID:         fmt.Sprintf("PAT_%d", 100000+rng.IntN(900000)),
			PatientAge:        18 + rng.IntN(63),
			PatientGender:     gender,
			ServiceCode:       svc.code,
			BilledAmount:      uniform(rng, svc.lo, svc.hi),
			ProviderID:        fmt.Sprintf("PROV_%d", 1000+rng.IntN(9000)),
			ProviderSpecialty: specialties[rng.IntN(len(specialties))],
		}

		var anomaly string
		if rng.Float64() < cfg.AnomalyRate {
			anomaly = anomalyKinds[rng.IntN(len(anomalyKinds))]
			switch anomaly {
			case AnomalyExcessiveAmount:
				c.BilledAmount *= uniform(rng, 3, 8)
			case AnomalyAgeMismatch:
				c.PatientAge = 5 + rng.IntN(13)
			case AnomalySpecialtyMismatch:
				if c.ServiceCode == "99213" || c.ServiceCode == "99214" {
					c.ProviderSpecialty = "Dermatology"
				}
			case AnomalyFrequencySpike:
				// Same patient billed again on the same day.
				if i > 0 {
					prev := out[i-1].Claim
					c.PatientID = prev.PatientID
					date = prev.ClaimDate
				}
			}
		}

		c.AllowedAmount = round2(c.BilledAmount * uniform(rng, 0.8, 0.95))
		c.BilledAmount = round2(c.BilledAmount)
		c.ClaimDate = date
		c.RawClaimDate = date.Format(domain.DateLayout)
		out[i] = Sample{Claim: c, Anomaly: anomaly}
	}
	return out
}

// Claims strips the anomaly labels.
func Claims(samples []Sample) []domain.Claim {
	out := make([]domain.Claim, len(samples))
	for i, s := range samples {
		out[i] = s.Claim
	}
	return out
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// WriteCSV writes samples as a claim CSV with an injected_anomaly column.
func WriteCSV(w io.Writer, samples []Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string{}, ingest.Columns...), "injected_anomaly")); err != nil {
		return err
	}
	for i := range samples {
		row := append(ingest.ClaimRow(&samples[i].Claim), samples[i].Anomaly)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonSample struct {
	domain.Claim
	InjectedAnomaly string `json:"injected_anomaly,omitempty"`
}

// WriteJSON writes samples as an indented JSON array.
func WriteJSON(w io.Writer, samples []Sample) error {
	out := make([]jsonSample, len(samples))
	for i, s := range samples {
		out[i] = jsonSample{Claim: s.Claim, InjectedAnomaly: s.Anomaly}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
