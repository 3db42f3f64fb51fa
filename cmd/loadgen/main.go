// Load generator for exercising the Kestrel screening API.
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -count 1000
//
// This tool:
//  1. Generates synthetic bills around a vendor/amount baseline, with a
//     configurable fraction of injected outliers
//  2. Sends each bill to POST /bills/check
//  3. Compares the verdicts against the injected labels and reports
//     throughput, latency, and a confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SyntheticBill is a generated screening input with its injected label.
type SyntheticBill struct {
	Vendor    string
	Amount    float64
	Tax       float64
	DueDate   string
	IsOutlier bool
}

// CheckRequest mirrors the /bills/check request format.
type CheckRequest struct {
	Bill BillPayload `json:"bill"`
}

// BillPayload is the bill portion of a check request.
type BillPayload struct {
	VendorName    string   `json:"vendorName"`
	InvoiceNumber string   `json:"invoiceNumber"`
	BillDate      string   `json:"billDate"`
	DueDate       string   `json:"dueDate"`
	TotalAmount   float64  `json:"totalAmount"`
	TaxAmount     *float64 `json:"taxAmount,omitempty"`
	Currency      string   `json:"currency"`
	Category      string   `json:"category"`
	PaymentStatus string   `json:"paymentStatus"`
}

// CheckResponse is the subset of the screening response we score.
type CheckResponse struct {
	Report struct {
		IsAnomaly      bool     `json:"isAnomaly"`
		RiskScore      int      `json:"riskScore"`
		Recommendation string   `json:"recommendation"`
		RuleViolations []string `json:"ruleViolations"`
	} `json:"report"`
}

// Metrics tracks load run results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	Approved int64
	Reviewed int64
	Rejected int64

	TotalProcessed   int64
	TotalErrors      int64
	ProcessingTimeMs int64
}

var vendors = []string{"Acme Power & Light", "Metro Water Co", "Fiber One ISP", "CloudStack Hosting", "Steelcase Supplies"}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	apiKey := flag.String("key", "", "API key (X-API-Key header)")
	count := flag.Int("count", 1000, "Number of bills to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	outlierRate := flag.Float64("outliers", 0.05, "Fraction of injected outlier bills (0.0-1.0)")
	seed := flag.Int64("seed", 1, "RNG seed for reproducible runs")
	verbose := flag.Bool("verbose", false, "Print each bill result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           KESTREL LOADGEN - Synthetic Bill Screening          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL:  %s\n", *baseURL)
	fmt.Printf("Bills:        %d\n", *count)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Outlier Rate: %.2f\n", *outlierRate)
	fmt.Printf("Seed:         %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	bills := generateBills(*count, *outlierRate, *seed)
	outliers := 0
	for _, b := range bills {
		if b.IsOutlier {
			outliers++
		}
	}
	fmt.Printf("✓ Generated %d bills (%d outliers)\n", len(bills), outliers)

	fmt.Printf("\nRunning with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := run(bills, *baseURL, *apiKey, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
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

// generateBills builds an in-distribution baseline (amounts around
// 100-300) with a fraction of extreme outliers mixed in.
func generateBills(count int, outlierRate float64, seed int64) []SyntheticBill {
	rng := rand.New(rand.NewSource(seed))
	bills := make([]SyntheticBill, 0, count)

	for i := 0; i < count; i++ {
		vendor := vendors[rng.Intn(len(vendors))]
		dueDate := time.Now().AddDate(0, 0, 14+rng.Intn(30)).Format("2006-01-02")

		if rng.Float64() < outlierRate {
			amount := 60000 + rng.Float64()*40000
			bills = append(bills, SyntheticBill{
				Vendor:    vendor,
				Amount:    amount,
				Tax:       amount * 0.08,
				DueDate:   dueDate,
				IsOutlier: true,
			})
			continue
		}

		amount := 100 + rng.Float64()*200
		bills = append(bills, SyntheticBill{
			Vendor:  vendor,
			Amount:  amount,
			Tax:     amount * 0.08,
			DueDate: dueDate,
		})
	}

	return bills
}

func run(bills []SyntheticBill, baseURL, apiKey string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan SyntheticBill, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for b := range work {
				start := time.Now()
				result, err := checkBill(client, baseURL, apiKey, b)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", b.Vendor, err)
					}
					continue
				}

				switch result.Report.Recommendation {
				case "approve":
					atomic.AddInt64(&metrics.Approved, 1)
				case "review":
					atomic.AddInt64(&metrics.Reviewed, 1)
				case "reject":
					atomic.AddInt64(&metrics.Rejected, 1)
				}

				flagged := result.Report.RiskScore >= 30
				switch {
				case flagged && b.IsOutlier:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case flagged && !b.IsOutlier:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !flagged && !b.IsOutlier:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					fmt.Printf("%-24s %10.2f -> %s (score %d)\n",
						b.Vendor, b.Amount, result.Report.Recommendation, result.Report.RiskScore)
				}
			}
		}()
	}

	for _, b := range bills {
		work <- b
	}
	close(work)
	wg.Wait()

	return metrics
}

func checkBill(client *http.Client, baseURL, apiKey string, b SyntheticBill) (*CheckResponse, error) {
	tax := b.Tax
	req := CheckRequest{
		Bill: BillPayload{
			VendorName:    b.Vendor,
			InvoiceNumber: fmt.Sprintf("LG-%d", time.Now().UnixNano()),
			BillDate:      time.Now().Format("2006-01-02"),
			DueDate:       b.DueDate,
			TotalAmount:   b.Amount,
			TaxAmount:     &tax,
			Currency:      "USD",
			Category:      "utilities",
			PaymentStatus: "unpaid",
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/bills/check", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result CheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	total := m.TotalProcessed
	if total == 0 {
		fmt.Println("\nNo bills processed.")
		return
	}

	precision := safeDiv(float64(m.TruePositives), float64(m.TruePositives+m.FalsePositives))
	recall := safeDiv(float64(m.TruePositives), float64(m.TruePositives+m.FalseNegatives))
	f1 := safeDiv(2*precision*recall, precision+recall)

	fmt.Println("\n═══════════════════════ RESULTS ═══════════════════════")
	fmt.Printf("Processed:     %d bills in %s (%.1f/s)\n",
		total, duration.Round(time.Millisecond), float64(total)/duration.Seconds())
	fmt.Printf("Avg Latency:   %.1f ms\n", float64(m.ProcessingTimeMs)/float64(total))
	fmt.Printf("Errors:        %d\n", m.TotalErrors)
	fmt.Println()
	fmt.Printf("Verdicts:      approve=%d review=%d reject=%d\n", m.Approved, m.Reviewed, m.Rejected)
	fmt.Println()
	fmt.Println("Confusion matrix (flagged = score >= 30):")
	fmt.Printf("  TP: %-6d FP: %d\n", m.TruePositives, m.FalsePositives)
	fmt.Printf("  FN: %-6d TN: %d\n", m.FalseNegatives, m.TrueNegatives)
	fmt.Println()
	fmt.Printf("Precision:     %.3f\n", precision)
	fmt.Printf("Recall:        %.3f\n", recall)
	fmt.Printf("F1 Score:      %.3f\n", f1)
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
