// Package doctor runs preflight checks for the daemon environment: agent
// binary present, data directory writable, metadata database healthy, bind
// address free. The CLI prints the diagnosis and exits nonzero on any FAIL.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/history"
	"github.com/basket/sessiond/internal/store"
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

// Healthy reports whether no check failed. WARN and SKIP do not count as
// failures.
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
		checkAgentBinary,
		checkHomeWritable,
		checkMetaStore,
		checkHistoryStore,
		checkBindAddr,
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
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAgentBinary(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Binary", Status: "SKIP", Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.Agent.Command)
	if err != nil {
		return CheckResult{
			Name:    "Agent Binary",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found on PATH", cfg.Agent.Command),
			Detail:  "Set agent.command in config.yaml or SESSIOND_AGENT_COMMAND",
		}
	}
	return CheckResult{Name: "Agent Binary", Status: "PASS", Message: fmt.Sprintf("%s resolves to %s", cfg.Agent.Command, path)}
}

func checkHomeWritable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data Directory", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Data Directory", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Data Directory", Status: "PASS", Message: "Home directory writable"}
}

func checkMetaStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Metadata DB", Status: "SKIP", Message: "Config missing"}
	}
	meta, err := store.Open(filepath.Join(cfg.HomeDir, "sessiond.db"))
	if err != nil {
		return CheckResult{Name: "Metadata DB", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer meta.Close()
	if _, err := meta.ListMeta(ctx); err != nil {
		return CheckResult{Name: "Metadata DB", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Metadata DB", Status: "PASS", Message: "Connection and schema valid"}
}

func checkHistoryStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "History Store", Status: "SKIP", Message: "Config missing"}
	}
	hist, err := history.NewStore(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "History Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer hist.Close()
	refs, err := hist.List()
	if err != nil {
		return CheckResult{Name: "History Store", Status: "FAIL", Message: fmt.Sprintf("Scan failed: %v", err)}
	}
	return CheckResult{Name: "History Store", Status: "PASS", Message: fmt.Sprintf("%d session journals readable", len(refs))}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		// A daemon already holding the port is the common case; that is a
		// warning for doctor, not a failure.
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s not bindable: %v", cfg.BindAddr, err),
			Detail:  "Another sessiond may already be running",
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
