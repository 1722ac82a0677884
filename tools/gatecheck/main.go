// gatecheck probes a deployed gate from the outside: it verifies that the
// protected paths redirect strangers, that the key opens them, and that the
// issued cookie keeps them open. It can also measure gate latency under load.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/akamensky/argparse"
)

const cookieName = "stealth_auth_verified"

// Config holds probe configuration
type Config struct {
	BaseURL     string
	Key         string
	LoginPath   string
	AdminPrefix string
}

// CheckResult is the outcome of one probe
type CheckResult struct {
	Name   string
	Passed bool
	Detail string
}

// Stats calculates statistics for a slice of durations
type Stats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

func calculateStats(latencies []time.Duration) Stats {
	if len(latencies) == 0 {
		return Stats{}
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}

	return Stats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   total / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}

// newClient returns a client that reports redirects instead of following them
func newClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func get(ctx context.Context, client *http.Client, target string, cookie *http.Cookie) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

func proofCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			return c
		}
	}
	return nil
}

// RunChecks probes the gate and returns one result per property
func RunChecks(ctx context.Context, client *http.Client, cfg Config) []CheckResult {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	login := base + cfg.LoginPath
	admin := base + strings.TrimSuffix(cfg.AdminPrefix, "/") + "/"
	var results []CheckResult

	record := func(name string, passed bool, format string, args ...interface{}) {
		results = append(results, CheckResult{Name: name, Passed: passed, Detail: fmt.Sprintf(format, args...)})
	}

	resp, err := get(ctx, client, login, nil)
	if err != nil {
		record("login without key redirects", false, "request failed: %v", err)
		return results
	}
	record("login without key redirects", resp.StatusCode == http.StatusFound && proofCookie(resp) == nil,
		"status %d, location %q", resp.StatusCode, resp.Header.Get("Location"))
	redirectTarget := resp.Header.Get("Location")

	resp, err = get(ctx, client, login+"?auth_key="+url.QueryEscape(cfg.Key+"-wrong"), nil)
	if err != nil {
		record("wrong key redirects", false, "request failed: %v", err)
	} else {
		record("wrong key redirects", resp.StatusCode == http.StatusFound && proofCookie(resp) == nil,
			"status %d", resp.StatusCode)
	}

	resp, err = get(ctx, client, admin, nil)
	if err != nil {
		record("admin area without key redirects", false, "request failed: %v", err)
	} else {
		record("admin area without key redirects", resp.StatusCode == http.StatusFound,
			"status %d", resp.StatusCode)
	}

	if cfg.Key == "" {
		return results
	}

	resp, err = get(ctx, client, login+"?auth_key="+url.QueryEscape(cfg.Key), nil)
	if err != nil {
		record("key issues session proof", false, "request failed: %v", err)
		return results
	}
	cookie := proofCookie(resp)
	blocked := resp.StatusCode == http.StatusFound && resp.Header.Get("Location") == redirectTarget
	record("key issues session proof", cookie != nil && !blocked,
		"status %d, cookie present %v", resp.StatusCode, cookie != nil)
	if cookie == nil {
		return results
	}
	record("session proof is HttpOnly", cookie.HttpOnly, "max-age %d", cookie.MaxAge)

	resp, err = get(ctx, client, admin, cookie)
	if err != nil {
		record("session proof opens admin area", false, "request failed: %v", err)
	} else {
		blocked = resp.StatusCode == http.StatusFound && resp.Header.Get("Location") == redirectTarget
		record("session proof opens admin area", !blocked, "status %d", resp.StatusCode)
	}

	return results
}

// Measure issues requests against target from the given number of workers
// and returns the latency statistics and error count
func Measure(ctx context.Context, client *http.Client, target string, workers, total int) (Stats, int) {
	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, total)
		errors    int
		wg        sync.WaitGroup
	)

	jobs := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				start := time.Now()
				_, err := get(ctx, client, target, nil)
				elapsed := time.Since(start)

				mu.Lock()
				if err != nil {
					errors++
				} else {
					latencies = append(latencies, elapsed)
				}
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < total; i++ {
		select {
		case jobs <- struct{}{}:
		case <-ctx.Done():
			i = total
		}
	}
	close(jobs)
	wg.Wait()

	return calculateStats(latencies), errors
}

func main() {
	parser := argparse.NewParser("gatecheck", "Probe a deployed stealth login gate")
	baseURL := parser.String("u", "url", &argparse.Options{Help: "Base URL of the site", Required: true})
	key := parser.String("k", "key", &argparse.Options{Help: "Authorization key (enables the positive checks)", Default: ""})
	loginPath := parser.String("", "login-path", &argparse.Options{Help: "Login endpoint", Default: "/wp-login.php"})
	adminPrefix := parser.String("", "admin-prefix", &argparse.Options{Help: "Admin area prefix", Default: "/wp-admin"})
	requests := parser.Int("n", "requests", &argparse.Options{Help: "Latency test: total requests (0 disables)", Default: 0})
	workers := parser.Int("c", "concurrency", &argparse.Options{Help: "Latency test: concurrent workers", Default: 10})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client := newClient()
	cfg := Config{BaseURL: *baseURL, Key: *key, LoginPath: *loginPath, AdminPrefix: *adminPrefix}

	failed := 0
	for _, r := range RunChecks(ctx, client, cfg) {
		mark := "PASS"
		if !r.Passed {
			mark = "FAIL"
			failed++
		}
		fmt.Printf("[%s] %-36s %s\n", mark, r.Name, r.Detail)
	}

	if *requests > 0 {
		target := strings.TrimSuffix(cfg.BaseURL, "/") + cfg.LoginPath
		stats, errs := Measure(ctx, client, target, *workers, *requests)
		fmt.Printf("\nLatency of %s (%d requests, %d workers, %d errors)\n", target, stats.Count, *workers, errs)
		fmt.Printf("  min %v  avg %v  p50 %v  p95 %v  p99 %v  max %v\n",
			stats.Min, stats.Avg, stats.P50, stats.P95, stats.P99, stats.Max)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
