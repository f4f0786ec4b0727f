// Package doctor runs offline diagnostics against the control plane's
// state directory and configuration. It never takes the writer lock, so
// it is safe to run while the daemon is up.
package doctor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/mu-control/internal/adapters"
	"github.com/basket/mu-control/internal/attachments"
	"github.com/basket/mu-control/internal/audit"
	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/identity"
	"github.com/basket/mu-control/internal/issues"
	"github.com/basket/mu-control/internal/journal"
	"github.com/basket/mu-control/internal/outbox"
	"github.com/basket/mu-control/internal/pipeline"
	"github.com/basket/mu-control/internal/runqueue"
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
		checkStateDir,
		checkWriterLock,
		checkJournals,
		checkAuditMirror,
		checkNetwork,
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
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	channels := cfg.EnabledChannels()
	if len(channels) == 0 {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("Loaded from %s, but no channel adapters are enabled", cfg.HomeDir),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("bind=%s, channels=%s", cfg.BindAddr, strings.Join(channels, ",")),
	}
}

func checkStateDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State Dir", Status: "SKIP", Message: "Config missing"}
	}
	stateDir := cfg.StateDir()
	if _, err := os.Stat(stateDir); os.IsNotExist(err) {
		return CheckResult{
			Name:    "State Dir",
			Status:  "WARN",
			Message: "State directory not created yet (first start creates it)",
			Detail:  stateDir,
		}
	}

	testFile := filepath.Join(stateDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "State Dir", Status: "FAIL", Message: fmt.Sprintf("State dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "State Dir", Status: "PASS", Message: "State directory writable", Detail: stateDir}
}

func checkWriterLock(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Writer Lock", Status: "SKIP", Message: "Config missing"}
	}

	st, err := journal.InspectLock(cfg.StateDir())
	if err != nil {
		if st.Present {
			return CheckResult{
				Name:    "Writer Lock",
				Status:  "WARN",
				Message: "Lock file unreadable (next start breaks it)",
				Detail:  err.Error(),
			}
		}
		return CheckResult{Name: "Writer Lock", Status: "FAIL", Message: fmt.Sprintf("Lock inspection failed: %v", err)}
	}
	if !st.Present {
		return CheckResult{Name: "Writer Lock", Status: "PASS", Message: "Not held (no control plane running)"}
	}
	if st.HolderAlive {
		return CheckResult{
			Name:    "Writer Lock",
			Status:  "PASS",
			Message: fmt.Sprintf("Held by running control plane (pid %d)", st.PID),
			Detail:  fmt.Sprintf("host=%s, since=%s", st.Hostname, st.AcquiredAt),
		}
	}
	return CheckResult{
		Name:    "Writer Lock",
		Status:  "WARN",
		Message: fmt.Sprintf("Stale lock from dead pid %d (next start breaks it)", st.PID),
		Detail:  fmt.Sprintf("host=%s, since=%s", st.Hostname, st.AcquiredAt),
	}
}

// stateJournals lists every JSONL file the stores keep in the state dir.
func stateJournals() []string {
	return []string{
		outbox.FileName,
		runqueue.FileName,
		pipeline.CommandsFileName,
		identity.FileName,
		issues.FileName,
		adapters.IngressFileName,
		attachments.IndexFileName,
		audit.FileName,
	}
}

func checkJournals(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Journals", Status: "SKIP", Message: "Config missing"}
	}
	stateDir := cfg.StateDir()

	status := "PASS"
	present := 0
	var details []string
	names := stateJournals()
	for _, name := range names {
		path := filepath.Join(stateDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			details = append(details, name+": absent")
			continue
		}
		present++

		var total, valid int
		err := journal.Replay(path, func(data []byte) error {
			total++
			if !json.Valid(data) {
				return fmt.Errorf("not valid json")
			}
			valid++
			return nil
		})
		switch {
		case err != nil:
			details = append(details, fmt.Sprintf("%s: corrupt (%v)", name, err))
			status = "FAIL"
		case valid < total:
			// Replay tolerates exactly one torn line at the tail.
			details = append(details, fmt.Sprintf("%s: %d records, torn tail (ignored on replay)", name, valid))
			if status == "PASS" {
				status = "WARN"
			}
		default:
			details = append(details, fmt.Sprintf("%s: %d records", name, valid))
		}
	}

	return CheckResult{
		Name:    "Journals",
		Status:  status,
		Message: fmt.Sprintf("Scanned %d of %d journals", present, len(names)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkAuditMirror(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Audit Mirror", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.StateDir(), audit.MirrorFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Audit Mirror", Status: "SKIP", Message: "Mirror not created yet (first start creates it)"}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return CheckResult{Name: "Audit Mirror", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer db.Close()

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(queryCtx); err != nil {
		return CheckResult{Name: "Audit Mirror", Status: "FAIL", Message: fmt.Sprintf("Mirror unreachable: %v", err)}
	}
	var rows int64
	if err := db.QueryRowContext(queryCtx, "SELECT COUNT(*) FROM adapter_audit").Scan(&rows); err != nil {
		return CheckResult{Name: "Audit Mirror", Status: "FAIL", Message: fmt.Sprintf("Schema query failed: %v", err)}
	}

	return CheckResult{Name: "Audit Mirror", Status: "PASS", Message: fmt.Sprintf("Mirror reachable (%d rows)", rows)}
}

// channelHosts maps each outbound-delivering channel to the API host the
// dispatcher posts to. Editor channels push over the local feed and have
// no upstream host.
var channelHosts = map[string]string{
	"slack":    "slack.com",
	"telegram": "api.telegram.org",
	"discord":  "discord.com",
}

// providerHosts maps operator backends to their API hosts.
var providerHosts = map[string]string{
	"google":            "generativelanguage.googleapis.com",
	"anthropic":         "api.anthropic.com",
	"openai":            "api.openai.com",
	"openai_compatible": "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	hosts := make(map[string]string) // host -> what needs it
	for _, ch := range cfg.EnabledChannels() {
		if h, ok := channelHosts[ch]; ok {
			hosts[h] = ch
		}
	}
	if cfg.Operator.Enabled {
		provider, _, _ := cfg.ResolveOperator()
		if h, ok := providerHosts[strings.ToLower(provider)]; ok {
			hosts[h] = "operator"
		}
	}
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No outbound endpoints configured"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := "PASS"
	var details []string
	for host, user := range hosts {
		start := time.Now()
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		latency := time.Since(start)
		if err != nil {
			details = append(details, fmt.Sprintf("%s (%s): lookup failed: %v", host, user, err))
			status = "FAIL"
			continue
		}
		details = append(details, fmt.Sprintf("%s (%s): %d addresses, %dms", host, user, len(addrs), latency.Milliseconds()))
	}

	msg := fmt.Sprintf("Resolved %d endpoints", len(hosts))
	if status == "FAIL" {
		msg = "DNS lookup failed for one or more endpoints"
	}
	return CheckResult{Name: "Network", Status: status, Message: msg, Detail: strings.Join(details, "; ")}
}
