// Benchmark tool for measuring claimscore detection against labelled claims.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -n 5000
//	go run ./cmd/benchmark -csv labelled.csv -token $(claimscore token --subject bench)
//
// This tool:
//  1. Generates synthetic claims with injected anomalies, or reads a CSV with
//     an injected_anomaly column
//  2. Submits them to claimscore in batches
//  3. Compares high_risk and rule flags with the injected labels
//  4. Calculates precision, recall, F1-score and a confusion matrix per detector
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/ingest"
	"github.com/opensource-finance/claimscore/internal/synth"
)

// BatchResponse is the subset of the POST /claims response the benchmark reads.
type BatchResponse struct {
	BatchID      string                   `json:"batch_id"`
	Rejected     int                      `json:"rejected"`
	ModelVersion uint64                   `json:"model_version"`
	Claims       []*domain.ProcessedClaim `json:"claims"`
}

// Confusion is a binary confusion matrix.
type Confusion struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// Add records one prediction.
func (c *Confusion) Add(predicted, actual bool) {
	switch {
	case predicted && actual:
		c.TruePositives++
	case predicted && !actual:
		c.FalsePositives++
	case !predicted && !actual:
		c.TrueNegatives++
	default:
		c.FalseNegatives++
	}
}

func (c Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

func (c Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (c Confusion) Accuracy() float64 {
	return ratio(c.TruePositives+c.TrueNegatives, c.TruePositives+c.TrueNegatives+c.FalsePositives+c.FalseNegatives)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Results tracks benchmark results.
type Results struct {
	mu sync.Mutex

	HighRisk  Confusion
	RuleFlags Confusion

	// Recall of high_risk per injected anomaly kind
	ByKind map[string]*Confusion

	Processed    int
	Rejected     int
	Errors       int
	ModelVersion uint64
	LatencyMs    int64
}

func newResults() *Results {
	return &Results{ByKind: make(map[string]*Confusion)}
}

// Record scores a batch response against the labels keyed by claim ID.
func (r *Results) Record(resp *BatchResponse, labels map[string]string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Rejected += resp.Rejected
	r.LatencyMs += elapsed.Milliseconds()
	if resp.ModelVersion > r.ModelVersion {
		r.ModelVersion = resp.ModelVersion
	}
	for _, pc := range resp.Claims {
		kind := labels[pc.ClaimID]
		actual := kind != ""
		r.Processed++
		r.HighRisk.Add(pc.HighRisk, actual)
		r.RuleFlags.Add(len(pc.RuleFlags) > 0, actual)
		if actual {
			c := r.ByKind[kind]
			if c == nil {
				c = &Confusion{}
				r.ByKind[kind] = c
			}
			c.Add(pc.HighRisk, true)
		}
	}
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Labelled claim CSV with an injected_anomaly column (generated when empty)")
	baseURL := flag.String("url", "http://localhost:8080", "claimscore base URL")
	token := flag.String("token", os.Getenv("CLAIMSCORE_TOKEN"), "Bearer token when auth is enabled")
	count := flag.Int("n", 5000, "Synthetic claims to generate")
	anomalyRate := flag.Float64("anomaly-rate", 0.15, "Synthetic anomaly rate")
	seed := flag.Uint64("seed", 42, "Synthetic data seed")
	batchSize := flag.Int("batch", 500, "Claims per request")
	workers := flag.Int("workers", 1, "Concurrent requests")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          CLAIMSCORE BENCHMARK - Injected Anomalies            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nURL:         %s\n", *baseURL)
	fmt.Printf("Batch Size:  %d\n", *batchSize)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: claimscore not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure claimscore is running:")
		fmt.Println("  go run ./cmd/claimscore serve")
		os.Exit(1)
	}
	fmt.Println("✓ claimscore is healthy")

	var (
		samples []synth.Sample
		err     error
	)
	if *csvPath != "" {
		fmt.Printf("\nReading labelled claims from %s...\n", *csvPath)
		samples, err = readLabelledCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Printf("\nGenerating %d claims (seed %d)...\n", *count, *seed)
		cfg := synth.DefaultConfig()
		cfg.Claims = *count
		cfg.AnomalyRate = *anomalyRate
		cfg.Seed = *seed
		samples = synth.Generate(cfg)
	}

	runID := fmt.Sprintf("BENCH%d_", time.Now().Unix())
	labels := make(map[string]string, len(samples))
	anomalies := 0
	for i := range samples {
		samples[i].Claim.ClaimID = runID + samples[i].Claim.ClaimID
		labels[samples[i].Claim.ClaimID] = samples[i].Anomaly
		if samples[i].Anomaly != "" {
			anomalies++
		}
	}
	fmt.Printf("✓ Loaded %d claims\n", len(samples))
	fmt.Printf("  - Anomalous: %d (%.2f%%)\n", anomalies, 100*ratio(anomalies, len(samples)))

	fmt.Printf("\nRunning benchmark...\n")
	startTime := time.Now()
	results := runBenchmark(samples, labels, *baseURL, *token, *batchSize, *workers)
	printResults(results, time.Since(startTime))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readLabelledCSV decodes claims with the ingest decoder and pairs each
// accepted claim with its injected_anomaly label.
func readLabelledCSV(path string) ([]synth.Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decoded, err := ingest.DecodeCSV(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	idCol, labelCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "claim_id":
			idCol = i
		case "injected_anomaly":
			labelCol = i
		}
	}
	if idCol < 0 || labelCol < 0 {
		return nil, errors.New("csv needs claim_id and injected_anomaly columns")
	}

	labels := make(map[string]string)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil || len(record) <= max(idCol, labelCol) {
			continue // Skip malformed rows
		}
		labels[strings.TrimSpace(record[idCol])] = strings.TrimSpace(record[labelCol])
	}

	samples := make([]synth.Sample, len(decoded.Claims))
	for i, c := range decoded.Claims {
		samples[i] = synth.Sample{Claim: c, Anomaly: labels[c.ClaimID]}
	}
	return samples, nil
}

func runBenchmark(samples []synth.Sample, labels map[string]string, baseURL, token string, batchSize, numWorkers int) *Results {
	results := newResults()
	if batchSize <= 0 {
		batchSize = 500
	}

	work := make(chan []domain.Claim, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Minute}

			for batch := range work {
				start := time.Now()
				resp, err := submitBatch(client, baseURL, token, batch)
				if err != nil {
					results.mu.Lock()
					results.Errors++
					results.mu.Unlock()
					fmt.Printf("ERROR: batch of %d -> %v\n", len(batch), err)
					continue
				}
				results.Record(resp, labels, time.Since(start))
				fmt.Printf("  batch %s: %d claims, model v%d\n", resp.BatchID, len(resp.Claims), resp.ModelVersion)
			}
		}()
	}

	for start := 0; start < len(samples); start += batchSize {
		end := min(start+batchSize, len(samples))
		work <- synth.Claims(samples[start:end])
	}
	close(work)
	wg.Wait()

	return results
}

func submitBatch(client *http.Client, baseURL, token string, claims []domain.Claim) (*BatchResponse, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/claims", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printConfusion(name string, c Confusion) {
	fmt.Printf("\n📈 %s\n", name)
	fmt.Println("                        Predicted")
	fmt.Println("                    FLAG        PASS")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", c.TruePositives, c.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           N  │ %8d │ %8d │  (FP, TN)\n", c.FalsePositives, c.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")
	fmt.Printf("   Precision:  %.4f\n", c.Precision())
	fmt.Printf("   Recall:     %.4f\n", c.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", c.F1())
	fmt.Printf("   Accuracy:   %.4f\n", c.Accuracy())
}

func printResults(r *Results, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", r.Processed)
	fmt.Printf("   Rejected:         %d\n", r.Rejected)
	fmt.Printf("   Failed Batches:   %d\n", r.Errors)
	fmt.Printf("   Final Model:      v%d\n", r.ModelVersion)

	printConfusion("HIGH RISK (ensemble score)", r.HighRisk)
	printConfusion("RULE FLAGS (any rule fired)", r.RuleFlags)

	if len(r.ByKind) > 0 {
		fmt.Printf("\n🔍 RECALL BY ANOMALY\n")
		for kind, c := range r.ByKind {
			fmt.Printf("   %-28s %d / %d (%.2f%%)\n", kind, c.TruePositives, c.TruePositives+c.FalseNegatives, 100*c.Recall())
		}
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if r.Processed > 0 {
		fmt.Printf("   Throughput:       %.2f claims/sec\n", float64(r.Processed)/duration.Seconds())
		fmt.Printf("   Time per Claim:   %.3f ms\n", float64(r.LatencyMs)/float64(r.Processed))
	}
	fmt.Println()
}
