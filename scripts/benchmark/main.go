// Command benchmark compares the rod and http engines of a running hoptrace
// API on a fixed set of DOIs and links.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/use-agent/hoptrace/models"
)

// Targets covering the common redirect styles.
var testTargets = []struct {
	Label string
	URL   string
}{
	{"DOI (publisher 30x)", "10.1038/nphys1170"},
	{"DOI (meta refresh)", "10.1016/j.cell.2009.01.002"},
	{"Short link", "https://go.dev/s/go1.21"},
	{"HTTP→HTTPS", "http://example.com"},
	{"No redirect", "https://example.com"},
}

type runResult struct {
	Run        int    `json:"run"`
	TotalMs    int64  `json:"total_ms"`
	Hops       int    `json:"hops"`
	FinalURL   string `json:"final_url"`
	StatusCode int    `json:"status_code"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type engineResult struct {
	Engine     string      `json:"engine"`
	Runs       []runResult `json:"runs"`
	AvgTotalMs float64     `json:"avg_total_ms"`
	FinalURL   string      `json:"final_url"`
}

type targetResult struct {
	URL     string         `json:"url"`
	Label   string         `json:"label"`
	Engines []engineResult `json:"engines"`
	Agree   bool           `json:"agree"`
}

type benchmarkReport struct {
	Timestamp  string         `json:"timestamp"`
	APIURL     string         `json:"api_url"`
	RunsPerURL int            `json:"runs_per_url"`
	Results    []targetResult `json:"results"`
}

type options struct {
	apiURL  string
	apiKey  string
	runs    int
	output  string
	engines []string
}

func main() {
	o := &options{}
	cmd := &cobra.Command{
		Use:          "benchmark",
		Short:        "Compare engine latency and agreement against a hoptrace API",
		SilenceUsage: true,
		RunE:         func(*cobra.Command, []string) error { return run(o) },
	}
	cmd.Flags().StringVar(&o.apiURL, "api-url", "http://localhost:8080", "hoptrace API base URL")
	cmd.Flags().StringVar(&o.apiKey, "api-key", "", "API key for authenticated requests")
	cmd.Flags().IntVar(&o.runs, "runs", 3, "number of runs per target and engine")
	cmd.Flags().StringVar(&o.output, "output", "benchmark-results.json", "JSON output file path")
	cmd.Flags().StringSliceVar(&o.engines, "engines", []string{"http", "rod"}, "engines to compare")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(o *options) error {
	fmt.Println("=== hoptrace engine benchmark ===")
	fmt.Printf("API URL:   %s\n", o.apiURL)
	fmt.Printf("Runs:      %d\n", o.runs)
	fmt.Printf("Engines:   %s\n\n", strings.Join(o.engines, ", "))

	if err := checkAPI(o.apiURL); err != nil {
		return fmt.Errorf("cannot reach API at %s: %w", o.apiURL, err)
	}

	report := benchmarkReport{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		APIURL:     o.apiURL,
		RunsPerURL: o.runs,
	}
	client := &http.Client{Timeout: 60 * time.Second}

	for _, t := range testTargets {
		fmt.Printf("Resolving [%s] %s\n", t.Label, t.URL)
		tr := targetResult{URL: t.URL, Label: t.Label}

		for _, eng := range o.engines {
			er := engineResult{Engine: eng}
			for i := 1; i <= o.runs; i++ {
				rr := resolveOnce(client, o, t.URL, eng, i)
				if rr.Success {
					fmt.Printf("  %-4s run %d: %dms  %d hops → %s\n", eng, i, rr.TotalMs, rr.Hops, rr.FinalURL)
				} else {
					fmt.Printf("  %-4s run %d: FAILED %s\n", eng, i, rr.Error)
				}
				er.Runs = append(er.Runs, rr)
			}
			summarize(&er)
			tr.Engines = append(tr.Engines, er)
		}
		tr.Agree = agree(tr.Engines)
		report.Results = append(report.Results, tr)
		fmt.Println()
	}

	printTable(report.Results)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.output, data, 0644); err != nil {
		return err
	}
	fmt.Printf("\nDetailed results written to %s\n", o.output)
	return nil
}

func checkAPI(baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/health")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func resolveOnce(client *http.Client, o *options, target, eng string, run int) runResult {
	rr := runResult{Run: run}

	body, err := json.Marshal(models.ResolveRequest{URL: target, Engine: eng})
	if err != nil {
		rr.Error = fmt.Sprintf("marshal error: %v", err)
		return rr
	}
	req, err := http.NewRequest(http.MethodPost, o.apiURL+"/api/v1/resolve", bytes.NewReader(body))
	if err != nil {
		rr.Error = fmt.Sprintf("request error: %v", err)
		return rr
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		rr.Error = fmt.Sprintf("request failed: %v", err)
		return rr
	}
	defer resp.Body.Close()

	var rs models.ResolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&rs); err != nil {
		rr.Error = fmt.Sprintf("decode error: %v", err)
		return rr
	}

	rr.Success = rs.Success
	rr.TotalMs = rs.Timing.TotalMs
	rr.Hops = len(rs.Path)
	rr.FinalURL = rs.FinalURL
	rr.StatusCode = rs.StatusCode
	if rs.Error != nil {
		rr.Error = rs.Error.Code + ": " + rs.Error.Message
	}
	return rr
}

// summarize fills the average latency and the most common final URL.
func summarize(er *engineResult) {
	counts := map[string]int{}
	var total float64
	var n int
	for _, r := range er.Runs {
		if !r.Success {
			continue
		}
		n++
		total += float64(r.TotalMs)
		counts[r.FinalURL]++
	}
	if n > 0 {
		er.AvgTotalMs = total / float64(n)
	}
	best := 0
	for u, c := range counts {
		if c > best {
			er.FinalURL, best = u, c
		}
	}
}

func agree(results []engineResult) bool {
	if len(results) < 2 {
		return true
	}
	for _, r := range results[1:] {
		if r.FinalURL != results[0].FinalURL {
			return false
		}
	}
	return results[0].FinalURL != ""
}

func printTable(results []targetResult) {
	fmt.Println(strings.Repeat("─", 85))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Target\tEngine\tAvg Latency\tFinal URL\tAgree\n")
	fmt.Fprintf(w, "──────\t──────\t───────────\t─────────\t─────\n")

	for _, r := range results {
		for i, er := range r.Engines {
			label, agreeCol := "", ""
			if i == 0 {
				label = r.Label
				agreeCol = fmt.Sprintf("%v", r.Agree)
			}
			latency := "FAILED"
			if er.FinalURL != "" {
				latency = fmt.Sprintf("%dms", int64(er.AvgTotalMs))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", label, er.Engine, latency, truncateURL(er.FinalURL, 45), agreeCol)
		}
	}

	w.Flush()
	fmt.Println(strings.Repeat("─", 85))
}

func truncateURL(u string, max int) string {
	if len(u) <= max {
		return u
	}
	return u[:max-3] + "..."
}
