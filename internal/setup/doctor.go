// Package setup checks that a mailrules installation is ready to run.
package setup

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fenilsonani/mailrules/internal/config"
	"github.com/fenilsonani/mailrules/internal/outbox"
	"github.com/fenilsonani/mailrules/internal/provider"
	"github.com/fenilsonani/mailrules/internal/queue"
	"github.com/fenilsonani/mailrules/internal/storage/metadata"
)

// Check statuses
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// CheckResult is the outcome of one check
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warn"
	Message string
	Help    string
}

// DoctorResults contains all doctor check results
type DoctorResults struct {
	Checks  []CheckResult
	Passed  int
	Failed  int
	Warned  int
	Healthy bool
}

// RunDoctor runs all health checks. It never modifies the database.
func RunDoctor(ctx context.Context, cfg *config.Config) *DoctorResults {
	results := &DoctorResults{}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkDataDir,
		checkDatabase,
		checkOutbox,
		checkRedis,
		checkSecrets,
		checkForwardRelay,
		checkDKIMKey,
		checkMetricsEndpoint,
	}

	for _, check := range checks {
		result := check(ctx, cfg)
		results.Checks = append(results.Checks, result)

		switch result.Status {
		case StatusPass:
			results.Passed++
		case StatusFail:
			results.Failed++
		case StatusWarn:
			results.Warned++
		}
	}

	results.Healthy = results.Failed == 0

	return results
}

// Print writes the doctor results to w
func (r *DoctorResults) Print(w io.Writer) {
	fmt.Fprintln(w, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w, "                    HEALTH CHECK")
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w)

	for _, check := range r.Checks {
		icon := "✓"
		color := "\033[32m" // green
		if check.Status == StatusFail {
			icon = "✗"
			color = "\033[31m" // red
		} else if check.Status == StatusWarn {
			icon = "!"
			color = "\033[33m" // yellow
		}
		reset := "\033[0m"

		fmt.Fprintf(w, "%s%s%s %s\n", color, icon, reset, check.Name)
		if check.Message != "" {
			fmt.Fprintf(w, "  %s\n", check.Message)
		}
		if check.Status != StatusPass && check.Help != "" {
			fmt.Fprintf(w, "  → %s\n", check.Help)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Results: %d passed, %d failed, %d warnings\n", r.Passed, r.Failed, r.Warned)

	if r.Healthy {
		fmt.Fprintln(w, "\033[32m✓ mailrules is healthy!\033[0m")
	} else {
		fmt.Fprintln(w, "\033[31m✗ mailrules has issues. Check above.\033[0m")
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func checkDataDir(ctx context.Context, cfg *config.Config) CheckResult {
	path := cfg.Storage.DataDir

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return CheckResult{
			Name:    "Data Directory",
			Status:  StatusFail,
			Message: "Data directory does not exist",
			Help:    "Run: mailrules migrate",
		}
	}
	if err != nil || !info.IsDir() {
		return CheckResult{
			Name:    "Data Directory",
			Status:  StatusFail,
			Message: "Data path is not a directory",
		}
	}

	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:    "Data Directory",
			Status:  StatusFail,
			Message: "Data directory is not writable",
			Help:    fmt.Sprintf("Fix: chown mailrules:mailrules %s", path),
		}
	}
	f.Close()
	os.Remove(testFile)

	return CheckResult{
		Name:    "Data Directory",
		Status:  StatusPass,
		Message: "Data directory is writable",
	}
}

// openExisting opens the database without creating it.
func openExisting(ctx context.Context, path string) (*metadata.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := metadata.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, err := openExisting(ctx, cfg.Storage.DatabasePath)
	if os.IsNotExist(err) {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: "Database file does not exist",
			Help:    "Run: mailrules migrate",
		}
	}
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: "Database not responding",
			Help:    err.Error(),
		}
	}
	defer db.Close()

	pending, err := db.PendingMigrations(ctx)
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: "Cannot read schema version",
			Help:    err.Error(),
		}
	}
	if pending > 0 {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: fmt.Sprintf("%d migration(s) not applied", pending),
			Help:    "Run: mailrules migrate",
		}
	}

	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Database connected and schema is current",
	}
}

func checkOutbox(ctx context.Context, cfg *config.Config) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, err := openExisting(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		return CheckResult{
			Name:    "Outbox",
			Status:  StatusWarn,
			Message: "Skipped, database unavailable",
		}
	}
	defer db.Close()

	store := outbox.NewStore(db.DB)
	counts, err := store.CountByStatus(ctx, "")
	if err != nil {
		return CheckResult{
			Name:    "Outbox",
			Status:  StatusFail,
			Message: "Cannot count outbox actions",
			Help:    err.Error(),
		}
	}

	staleAfter := cfg.OutboxProcessor().StaleAfter
	stale, err := store.Stale(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		return CheckResult{
			Name:    "Outbox",
			Status:  StatusFail,
			Message: "Cannot list stale outbox actions",
			Help:    err.Error(),
		}
	}

	summary := fmt.Sprintf("%d pending, %d processing, %d failed",
		counts[outbox.StatusPending], counts[outbox.StatusProcessing], counts[outbox.StatusFailed])
	if len(stale) > 0 {
		return CheckResult{
			Name:    "Outbox",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s; %d stuck in processing for over %s", summary, len(stale), staleAfter),
			Help:    "Run: mailrules outbox recover",
		}
	}
	if counts[outbox.StatusFailed] > 0 {
		return CheckResult{
			Name:    "Outbox",
			Status:  StatusWarn,
			Message: summary,
			Help:    "Failed actions are kept for outbox.retention; check the audit log for causes",
		}
	}

	return CheckResult{
		Name:    "Outbox",
		Status:  StatusPass,
		Message: summary,
	}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if !cfg.Redis.Enabled {
		return CheckResult{
			Name:    "Redis",
			Status:  StatusPass,
			Message: "Disabled; duplicate events are not filtered across processes",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := queue.Connect(ctx, cfg.Queue())
	if err != nil {
		return CheckResult{
			Name:    "Redis",
			Status:  StatusFail,
			Message: "Redis not reachable",
			Help:    "Check: systemctl status redis",
		}
	}
	client.Close()

	return CheckResult{
		Name:    "Redis",
		Status:  StatusPass,
		Message: "Redis is running",
	}
}

func checkSecrets(ctx context.Context, cfg *config.Config) CheckResult {
	sealer, err := cfg.Sealer()
	if err != nil {
		return CheckResult{
			Name:    "Credential Secrets",
			Status:  StatusFail,
			Message: "Cannot derive the credential key",
			Help:    err.Error(),
		}
	}
	if sealer == nil {
		return CheckResult{
			Name:    "Credential Secrets",
			Status:  StatusWarn,
			Message: "No passphrase set; IMAP accounts with passwords cannot be used",
			Help:    fmt.Sprintf("Export %s and set secrets.salt", cfg.Secrets.PassphraseEnv),
		}
	}
	return CheckResult{
		Name:    "Credential Secrets",
		Status:  StatusPass,
		Message: "Credential key derived",
	}
}

func checkForwardRelay(ctx context.Context, cfg *config.Config) CheckResult {
	fc, ok := cfg.Forwarder()
	if !ok {
		return CheckResult{
			Name:    "Forward Relay",
			Status:  StatusWarn,
			Message: "Not configured; forward actions will fail",
			Help:    "Set provider.forward.addr",
		}
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "tcp", fc.Addr)
	if err != nil {
		return CheckResult{
			Name:    "Forward Relay",
			Status:  StatusFail,
			Message: "Relay " + fc.Addr + " not reachable",
			Help:    err.Error(),
		}
	}
	conn.Close()

	return CheckResult{
		Name:    "Forward Relay",
		Status:  StatusPass,
		Message: "Relay " + fc.Addr + " is reachable",
	}
}

func checkDKIMKey(ctx context.Context, cfg *config.Config) CheckResult {
	fc, ok := cfg.Forwarder()
	if !ok || fc.DKIMKeyPath == "" {
		return CheckResult{
			Name:    "DKIM Key",
			Status:  StatusPass,
			Message: "Forwarded mail is not signed",
		}
	}

	if _, err := provider.NewForwarder(fc); err != nil {
		return CheckResult{
			Name:    "DKIM Key",
			Status:  StatusFail,
			Message: "Cannot load DKIM key",
			Help:    err.Error(),
		}
	}

	return CheckResult{
		Name:    "DKIM Key",
		Status:  StatusPass,
		Message: fmt.Sprintf("Signing as %s._domainkey.%s", fc.DKIMSelector, fc.DKIMDomain),
	}
}

func checkMetricsEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	if !cfg.Metrics.Enabled {
		return CheckResult{
			Name:    "Health Endpoint",
			Status:  StatusPass,
			Message: "Metrics endpoint disabled",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Metrics.Listen+"/health", nil)
	if err != nil {
		return CheckResult{
			Name:    "Health Endpoint",
			Status:  StatusFail,
			Message: "Invalid metrics.listen address",
			Help:    err.Error(),
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Health Endpoint",
			Status:  StatusWarn,
			Message: "Cannot reach health endpoint",
			Help:    "Start the processor with: mailrules serve",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return CheckResult{
			Name:    "Health Endpoint",
			Status:  StatusPass,
			Message: "Health endpoint responding OK",
		}
	}

	return CheckResult{
		Name:    "Health Endpoint",
		Status:  StatusWarn,
		Message: fmt.Sprintf("Health endpoint returned %d", resp.StatusCode),
	}
}
