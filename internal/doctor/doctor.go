// Package doctor runs environment diagnostics for the godispatch CLI.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. WARN and SKIP do not count
// as failures.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkRemoteEndpoint,
		checkDaemon,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: fmt.Sprintf("Invalid: %v", err)}
	}
	if cfg.FirstRun {
		return CheckResult{Name: "Config", Status: "WARN", Message: fmt.Sprintf("No config.yaml yet, defaults in effect (%s)", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "godispatch.db"), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	jobs, err := store.ListJobs(ctx, persistence.JobFilter{})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema valid, %d jobs stored", len(jobs))}
}

func checkRemoteEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Remote.Endpoint == "" {
		return CheckResult{Name: "Remote Endpoint", Status: "SKIP", Message: "remote.endpoint not configured"}
	}
	u, err := url.Parse(cfg.Remote.Endpoint)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Remote Endpoint", Status: "FAIL", Message: fmt.Sprintf("Unparseable endpoint %q", cfg.Remote.Endpoint)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Remote Endpoint",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", u.Hostname(), err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Remote Endpoint",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", u.Hostname(), len(addrs), latency.Milliseconds()),
	}
}

func checkDaemon(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Gateway.Enabled {
		return CheckResult{Name: "Daemon", Status: "SKIP", Message: "Gateway disabled"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+cfg.Gateway.BindAddr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: "FAIL", Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Daemon",
			Status:  "WARN",
			Message: fmt.Sprintf("No daemon listening on %s", cfg.Gateway.BindAddr),
			Detail:  err.Error(),
		}
	}
	resp.Body.Close()
	return CheckResult{Name: "Daemon", Status: "PASS", Message: fmt.Sprintf("Daemon responding on %s (%s)", cfg.Gateway.BindAddr, resp.Status)}
}
