// Package brokertest provides stress testing for publisher connections.
package brokertest

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"emberlink/config"
	"emberlink/publisher"
	"emberlink/tagstore"
)

// TestConfig holds configuration for the publisher stress test.
type TestConfig struct {
	// Duration is how long to run each test
	Duration time.Duration
	// NumTags is the number of simulated tags to publish
	NumTags int
}

// DefaultTestConfig returns sensible defaults for stress testing.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration: 10 * time.Second,
		NumTags:  100,
	}
}

// TestResult holds the results from one publisher stress test.
type TestResult struct {
	Kind         string
	Name         string
	Duration     time.Duration
	MessagesSent int64
	Errors       int64
	Throughput   float64 // messages per second
	AvgLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	MaxLatency   time.Duration
	Success      bool
	Error        error
}

// Runner executes publisher stress tests.
type Runner struct {
	cfg     *config.Config
	testCfg TestConfig
	results []TestResult
}

// NewRunner creates a new stress test runner.
func NewRunner(cfg *config.Config, testCfg TestConfig) *Runner {
	return &Runner{
		cfg:     cfg,
		testCfg: testCfg,
	}
}

// Run executes stress tests for all enabled publishers in the config.
func (r *Runner) Run() []TestResult {
	r.printHeader()

	for i := range r.cfg.Publishers {
		pc := r.cfg.Publishers[i]
		if !pc.Enabled {
			continue
		}
		result := r.testPublisher(pc)
		r.results = append(r.results, result)
	}

	r.printReport()

	return r.results
}

func (r *Runner) printHeader() {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                  PUBLISHER STRESS TEST                            ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Test Parameters:\n")
	fmt.Printf("    Duration:       %v\n", r.testCfg.Duration)
	fmt.Printf("    Simulated Tags: %d\n", r.testCfg.NumTags)
	fmt.Println()
}

// testPublisher creates one publisher from its config and hammers it
// with synthetic tag updates for the configured duration.
func (r *Runner) testPublisher(pc config.PublisherConfig) TestResult {
	result := TestResult{
		Kind: pc.Kind,
		Name: pc.Name,
	}

	fmt.Printf("─────────────────────────────────────────────────────────────────────\n")
	fmt.Printf("  Testing: %s/%s\n", pc.Kind, pc.Name)
	fmt.Printf("─────────────────────────────────────────────────────────────────────\n")

	store := seedStore(r.testCfg.NumTags)
	deps := publisher.Deps{
		Namespace: r.cfg.Namespace,
		Store:     store,
		Metrics:   prometheus.NewRegistry(),
	}

	pub, err := publisher.Create(pc, deps)
	if err != nil {
		result.Error = fmt.Errorf("create failed: %w", err)
		fmt.Printf("  Status: FAILED - %v\n\n", result.Error)
		return result
	}

	if err := pub.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		fmt.Printf("  Status: FAILED - %v\n\n", result.Error)
		return result
	}
	defer pub.Stop()

	fmt.Printf("  Running... ")

	result = r.runStress(pub, result)

	if result.Success {
		fmt.Printf("DONE\n\n")
	} else {
		fmt.Printf("FAILED\n\n")
	}

	return result
}

// runStress publishes synthetic tag changes single-threaded, matching
// how the simulation tick fans out.
func (r *Runner) runStress(pub publisher.Publisher, result TestResult) TestResult {
	var sent int64
	latencies := make([]time.Duration, 0, 100000)

	stopChan := make(chan struct{})
	time.AfterFunc(r.testCfg.Duration, func() { close(stopChan) })

	startTime := time.Now()

loop:
	for {
		select {
		case <-stopChan:
			break loop
		default:
			tagNum := rand.Intn(r.testCfg.NumTags)
			ev := publisher.Event{
				Tag:       fmt.Sprintf("StressTag%d", tagNum),
				Value:     float64(rand.Intn(10000)) / 10,
				Type:      string(tagstore.TypeFloat),
				Quality:   string(tagstore.QualityGood),
				Timestamp: time.Now().UTC(),
			}

			msgStart := time.Now()
			pub.Publish(ev)
			latencies = append(latencies, time.Since(msgStart))
			sent++
		}
	}

	// Allow time for queued publishers to flush
	time.Sleep(100 * time.Millisecond)

	result.Duration = time.Since(startTime)
	result.MessagesSent = sent

	health := pub.Health()
	result.Errors = int64(health.Errors)

	result.Throughput = float64(sent) / result.Duration.Seconds()
	result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)
	result.Success = sent > 0 && result.Errors == 0

	return result
}

// seedStore builds a tag store with n simulated float tags so publishers
// that snapshot the store on start (modbus, opcua client) have data.
func seedStore(n int) *tagstore.Store {
	store := tagstore.New()
	for i := 0; i < n; i++ {
		store.Create(tagstore.Tag{
			Name:  fmt.Sprintf("StressTag%d", i),
			Type:  tagstore.TypeFloat,
			Value: float64(i),
		})
	}
	return store
}

// calculateLatencyStats computes avg, p50, p95, p99, and max latencies.
func calculateLatencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}

	// Sort for percentile calculation
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	// Calculate average
	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))

	// Percentiles
	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]

	return
}

// printReport prints a formatted summary report.
func (r *Runner) printReport() {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                         TEST RESULTS                             ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()

	if len(r.results) == 0 {
		fmt.Println("  No enabled publishers found in configuration.")
		fmt.Println()
		fmt.Println("  To run tests, enable publishers in ~/.emberlink/config.yaml:")
		fmt.Println("    - publishers[].enabled: true")
		fmt.Println()
		return
	}

	// Summary table
	fmt.Println("  ┌────────────┬────────────────┬────────────────┬──────────────┬────────┐")
	fmt.Println("  │ Kind       │ Name           │ Throughput     │ Messages     │ Status │")
	fmt.Println("  ├────────────┼────────────────┼────────────────┼──────────────┼────────┤")

	passed := 0
	failed := 0

	for _, result := range r.results {
		status := "✓ PASS"
		if !result.Success {
			status = "✗ FAIL"
			failed++
		} else {
			passed++
		}

		name := result.Name
		if len(name) > 14 {
			name = name[:14]
		}

		throughput := fmt.Sprintf("%.0f msg/s", result.Throughput)
		messages := fmt.Sprintf("%d", result.MessagesSent)

		fmt.Printf("  │ %-10s │ %-14s │ %14s │ %12s │ %s │\n",
			result.Kind, name, throughput, messages, status)
	}

	fmt.Println("  └────────────┴────────────────┴────────────────┴──────────────┴────────┘")
	fmt.Println()

	// Detailed results
	for _, result := range r.results {
		if result.Error != nil {
			continue
		}

		fmt.Printf("  %s/%s:\n", result.Kind, result.Name)
		fmt.Printf("    Duration:   %v\n", result.Duration.Round(time.Millisecond))

		total := result.MessagesSent + result.Errors
		if result.Errors > 0 && total > 0 {
			errorRate := float64(result.Errors) / float64(total) * 100
			fmt.Printf("    Messages:   %d sent, %d errors (%.1f%% error rate)\n", result.MessagesSent, result.Errors, errorRate)
		} else {
			fmt.Printf("    Messages:   %d sent, %d errors\n", result.MessagesSent, result.Errors)
		}
		fmt.Printf("    Throughput: %.1f msg/s\n", result.Throughput)

		if result.AvgLatency > 0 {
			fmt.Printf("    Latency:\n")
			fmt.Printf("      avg: %v, p50: %v, p95: %v, p99: %v, max: %v\n",
				result.AvgLatency.Round(time.Microsecond),
				result.P50Latency.Round(time.Microsecond),
				result.P95Latency.Round(time.Microsecond),
				result.P99Latency.Round(time.Microsecond),
				result.MaxLatency.Round(time.Microsecond))
		}
		fmt.Println()
	}

	// Final summary
	fmt.Println("─────────────────────────────────────────────────────────────────────")
	fmt.Printf("  Summary: %d passed, %d failed\n", passed, failed)

	if failed > 0 {
		fmt.Println()
		fmt.Println("  FAILED TESTS:")
		for _, result := range r.results {
			if !result.Success {
				errMsg := "unknown error"
				if result.Error != nil {
					errMsg = result.Error.Error()
				} else if result.Errors > 0 {
					errMsg = fmt.Sprintf("%d publish errors", result.Errors)
				}
				fmt.Printf("    - %s/%s: %s\n", result.Kind, result.Name, errMsg)
			}
		}
	}

	fmt.Println()

	// Regression check hints
	if passed > 0 {
		fmt.Println("  Performance Baseline:")
		for _, result := range r.results {
			if result.Success {
				fmt.Printf("    %s/%s: %.0f msg/s\n", result.Kind, result.Name, result.Throughput)
			}
		}
		fmt.Println()
		fmt.Println("  Save these values to detect regressions in future tests.")
	}
	fmt.Println()
}
