package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/pkg/adapter"
	"github.com/reconflow/reconflow/pkg/config"
	"github.com/reconflow/reconflow/pkg/modules"
	"github.com/reconflow/reconflow/pkg/report"
)

// stubOutcome describes how the stub runner answers one tool binary.
type stubOutcome struct {
	out      []byte
	err      error
	failOnce error // returned on the first attempt only
	sleep    time.Duration
}

type stubRunner struct {
	mu         sync.Mutex
	outcomes   map[string]stubOutcome
	attempts   map[string]int
	running    int
	maxRunning int
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		outcomes: make(map[string]stubOutcome),
		attempts: make(map[string]int),
	}
}

func (s *stubRunner) Run(ctx context.Context, cmd adapter.Command, timeout time.Duration) (*adapter.ExecResult, error) {
	s.mu.Lock()
	s.attempts[cmd.Binary]++
	attempt := s.attempts[cmd.Binary]
	outcome := s.outcomes[cmd.Binary]
	s.running++
	if s.running > s.maxRunning {
		s.maxRunning = s.running
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	if outcome.sleep > 0 {
		select {
		case <-time.After(outcome.sleep):
		case <-ctx.Done():
			return nil, &adapter.TimeoutError{Binary: cmd.Binary, Timeout: timeout}
		}
	}

	if outcome.failOnce != nil && attempt == 1 {
		return nil, outcome.failOnce
	}
	if outcome.err != nil {
		return nil, outcome.err
	}

	out := outcome.out
	if out == nil {
		out = []byte("result.example.com\n")
	}
	return &adapter.ExecResult{Stdout: out}, nil
}

func (s *stubRunner) attemptCount(binary string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[binary]
}

func (s *stubRunner) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunning
}

func newTestOrchestrator(t *testing.T, runner adapter.Runner) *Orchestrator {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return &Orchestrator{
		config: config.Defaults(),
		logger: logger,
		runner: runner,
	}
}

func baseOptions(t *testing.T, names ...string) ScanOptions {
	t.Helper()
	return ScanOptions{
		Target:    "example.com",
		Modules:   names,
		OutputDir: t.TempDir(),
	}
}

func moduleState(t *testing.T, snap JobSnapshot, name string) ModuleSnapshot {
	t.Helper()
	for _, m := range snap.Modules {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("module %s not in snapshot", name)
	return ModuleSnapshot{}
}

func TestRunScanDependencyChainSucceeds(t *testing.T) {
	runner := newStubRunner()
	orch := newTestOrchestrator(t, runner)

	job, err := orch.StartScan(context.Background(), baseOptions(t, "subdomain", "dns", "live_check", "url_collect"))
	require.NoError(t, err)

	rep := job.Wait()
	require.NotNil(t, rep)

	assert.Equal(t, "success", rep.OverallStatus)
	for _, name := range []string{"subdomain", "dns", "live_check", "url_collect"} {
		section := rep.Modules[name]
		assert.Equal(t, "succeeded", section.State, "module %s", name)
		assert.NotEmpty(t, section.ArtifactPath, "module %s", name)
		assert.FileExists(t, section.ArtifactPath, "module %s", name)
	}

	snap := job.Snapshot()
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, StatusSuccess, snap.Status)
}

func TestRunScanFailureCascadesToDependents(t *testing.T) {
	runner := newStubRunner()
	runner.outcomes["subfinder"] = stubOutcome{
		err: &adapter.LaunchError{Binary: "subfinder", Err: errors.New("not found")},
	}
	orch := newTestOrchestrator(t, runner)

	rep, err := orch.RunScan(context.Background(), baseOptions(t, "subdomain", "dns", "live_check"))
	require.NoError(t, err)

	assert.Equal(t, "failure", rep.OverallStatus)
	assert.Equal(t, "failed", rep.Modules["subdomain"].State)

	assert.Equal(t, "skipped", rep.Modules["dns"].State)
	assert.Equal(t, "dependency failed: subdomain", rep.Modules["dns"].Reason)

	assert.Equal(t, "skipped", rep.Modules["live_check"].State)
	assert.Equal(t, "dependency failed: subdomain", rep.Modules["live_check"].Reason)

	// Skipped modules were never handed to the runner.
	assert.Equal(t, 0, runner.attemptCount("dnsx"))
	assert.Equal(t, 0, runner.attemptCount("httpx"))
}

func TestRunScanPartialSuccess(t *testing.T) {
	runner := newStubRunner()
	runner.outcomes["dnsx"] = stubOutcome{
		err: &adapter.LaunchError{Binary: "dnsx", Err: errors.New("not found")},
	}
	orch := newTestOrchestrator(t, runner)

	rep, err := orch.RunScan(context.Background(), baseOptions(t, "subdomain", "dns", "live_check"))
	require.NoError(t, err)

	assert.Equal(t, "partial_success", rep.OverallStatus)
	assert.Equal(t, "succeeded", rep.Modules["subdomain"].State)
	assert.Equal(t, "failed", rep.Modules["dns"].State)
	// live_check depends on subdomain, not dns, so it still runs.
	assert.Equal(t, "succeeded", rep.Modules["live_check"].State)
}

func TestRunScanUnselectedDependencySkips(t *testing.T) {
	runner := newStubRunner()
	orch := newTestOrchestrator(t, runner)

	rep, err := orch.RunScan(context.Background(), baseOptions(t, "dns"))
	require.NoError(t, err)

	assert.Equal(t, "success", rep.OverallStatus)
	assert.Equal(t, "skipped", rep.Modules["dns"].State)
	assert.Equal(t, "dependency not selected: subdomain", rep.Modules["dns"].Reason)
	assert.Equal(t, 0, runner.attemptCount("dnsx"))
}

func TestRunScanGlobalTimeout(t *testing.T) {
	runner := newStubRunner()
	runner.outcomes["subfinder"] = stubOutcome{sleep: 5 * time.Second}
	orch := newTestOrchestrator(t, runner)

	options := baseOptions(t, "subdomain", "dns")
	options.GlobalTimeout = 300 * time.Millisecond

	start := time.Now()
	rep, err := orch.RunScan(context.Background(), options)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Equal(t, "failure", rep.OverallStatus)
	assert.Equal(t, "timed_out", rep.Modules["subdomain"].State)
	assert.Equal(t, "global timeout exceeded", rep.Modules["subdomain"].Reason)
	assert.Equal(t, "skipped", rep.Modules["dns"].State)
}

func TestRunScanModuleTimeout(t *testing.T) {
	runner := newStubRunner()
	runner.outcomes["subfinder"] = stubOutcome{
		err: &adapter.TimeoutError{Binary: "subfinder", Timeout: time.Second},
	}
	orch := newTestOrchestrator(t, runner)

	rep, err := orch.RunScan(context.Background(), baseOptions(t, "subdomain", "dns"))
	require.NoError(t, err)

	assert.Equal(t, "timed_out", rep.Modules["subdomain"].State)
	assert.Equal(t, "skipped", rep.Modules["dns"].State)
	assert.Equal(t, "dependency timed out: subdomain", rep.Modules["dns"].Reason)
}

func TestRunScanRetriesTransientFailure(t *testing.T) {
	runner := newStubRunner()
	runner.outcomes["subfinder"] = stubOutcome{
		failOnce: &adapter.LaunchError{Binary: "subfinder", Transient: true, Err: errors.New("resource temporarily unavailable")},
	}
	orch := newTestOrchestrator(t, runner)

	options := baseOptions(t, "subdomain")
	options.Retries = 1

	rep, err := orch.RunScan(context.Background(), options)
	require.NoError(t, err)

	assert.Equal(t, "succeeded", rep.Modules["subdomain"].State)
	assert.Equal(t, 2, runner.attemptCount("subfinder"))
}

func TestRunScanDoesNotRetryPermanentFailure(t *testing.T) {
	runner := newStubRunner()
	runner.outcomes["subfinder"] = stubOutcome{
		err: &adapter.LaunchError{Binary: "subfinder", Err: errors.New("not found")},
	}
	orch := newTestOrchestrator(t, runner)

	options := baseOptions(t, "subdomain")
	options.Retries = 3

	rep, err := orch.RunScan(context.Background(), options)
	require.NoError(t, err)

	assert.Equal(t, "failed", rep.Modules["subdomain"].State)
	assert.Equal(t, 1, runner.attemptCount("subfinder"))
}

func TestRunScanConcurrencyCap(t *testing.T) {
	runner := newStubRunner()
	// Four modules become ready at once when subdomain finishes.
	for _, binary := range []string{"dnsx", "httpx", "naabu", "subzy"} {
		runner.outcomes[binary] = stubOutcome{sleep: 150 * time.Millisecond}
	}
	orch := newTestOrchestrator(t, runner)

	options := baseOptions(t, "subdomain", "dns", "live_check", "port_scan", "takeover")
	options.Concurrency = 2

	rep, err := orch.RunScan(context.Background(), options)
	require.NoError(t, err)

	assert.Equal(t, "success", rep.OverallStatus)
	assert.LessOrEqual(t, runner.peakConcurrency(), 2)
}

func TestRunScanRunsIndependentModulesConcurrently(t *testing.T) {
	runner := newStubRunner()
	for _, binary := range []string{"dnsx", "naabu"} {
		runner.outcomes[binary] = stubOutcome{sleep: 300 * time.Millisecond}
	}
	orch := newTestOrchestrator(t, runner)

	options := baseOptions(t, "subdomain", "dns", "port_scan")
	options.Concurrency = 4

	start := time.Now()
	rep, err := orch.RunScan(context.Background(), options)
	require.NoError(t, err)

	assert.Equal(t, "success", rep.OverallStatus)
	// Serial execution would need at least 600ms for dns + port_scan.
	assert.Less(t, time.Since(start), 550*time.Millisecond)
	assert.GreaterOrEqual(t, runner.peakConcurrency(), 2)
}

func TestRunScanPassiveOnly(t *testing.T) {
	runner := newStubRunner()
	orch := newTestOrchestrator(t, runner)

	options := baseOptions(t, "subdomain", "dns", "live_check", "nuclei")
	options.PassiveOnly = true

	rep, err := orch.RunScan(context.Background(), options)
	require.NoError(t, err)

	assert.Equal(t, "succeeded", rep.Modules["subdomain"].State)
	assert.Equal(t, "succeeded", rep.Modules["dns"].State)
	assert.Equal(t, "skipped", rep.Modules["live_check"].State)
	assert.Equal(t, "excluded: passive-only mode", rep.Modules["live_check"].Reason)
	assert.Equal(t, "skipped", rep.Modules["nuclei"].State)
}

func TestRunScanAggressiveModulesNeedOptIn(t *testing.T) {
	runner := newStubRunner()
	orch := newTestOrchestrator(t, runner)

	rep, err := orch.RunScan(context.Background(), baseOptions(t, "subdomain", "live_check", "nuclei"))
	require.NoError(t, err)

	assert.Equal(t, "skipped", rep.Modules["nuclei"].State)
	assert.Equal(t, "excluded: aggressive mode disabled", rep.Modules["nuclei"].Reason)
	assert.Equal(t, 0, runner.attemptCount("nuclei"))

	options := baseOptions(t, "subdomain", "live_check", "nuclei")
	options.Aggressive = true

	runner.outcomes["nuclei"] = stubOutcome{out: []byte("{\"template-id\":\"x\",\"host\":\"h\"}\n")}

	rep, err = orch.RunScan(context.Background(), options)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", rep.Modules["nuclei"].State)
}

func TestStartScanConfigurationErrors(t *testing.T) {
	orch := newTestOrchestrator(t, newStubRunner())

	cases := []struct {
		name   string
		mutate func(*ScanOptions)
	}{
		{"empty target", func(o *ScanOptions) { o.Target = "" }},
		{"invalid target", func(o *ScanOptions) { o.Target = "not a domain!" }},
		{"unknown module", func(o *ScanOptions) { o.Modules = []string{"bogus"} }},
		{"negative retries", func(o *ScanOptions) { o.Retries = -1 }},
		{"negative timeout", func(o *ScanOptions) { o.GlobalTimeout = -time.Second }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			options := baseOptions(t, "subdomain")
			tc.mutate(&options)

			_, err := orch.StartScan(context.Background(), options)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr, "expected configuration error")
		})
	}
}

func TestStartScanNormalizesTarget(t *testing.T) {
	runner := newStubRunner()
	orch := newTestOrchestrator(t, runner)

	options := baseOptions(t, "subdomain")
	options.Target = "https://example.com/"

	job, err := orch.StartScan(context.Background(), options)
	require.NoError(t, err)

	rep := job.Wait()
	require.NotNil(t, rep)
	assert.Equal(t, "example.com", rep.Target)
	assert.Equal(t, filepath.Base(job.Store().OutputDir()), "example.com")
}

func TestSnapshotDuringRun(t *testing.T) {
	runner := newStubRunner()
	runner.outcomes["subfinder"] = stubOutcome{sleep: 400 * time.Millisecond}
	orch := newTestOrchestrator(t, runner)

	job, err := orch.StartScan(context.Background(), baseOptions(t, "subdomain", "dns"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	snap := job.Snapshot()

	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, StateRunning, moduleState(t, snap, "subdomain").State)
	assert.Equal(t, StatePending, moduleState(t, snap, "dns").State)
	assert.Less(t, snap.Progress, 100)
	assert.Nil(t, job.Report())

	rep := job.Wait()
	require.NotNil(t, rep)
	assert.Equal(t, 100, job.Snapshot().Progress)
}

func TestValidTarget(t *testing.T) {
	valid := []string{"example.com", "sub.example.co.uk", "a1-b2.example.io", "https://example.com/"}
	for _, target := range valid {
		assert.True(t, ValidTarget(target), "expected %q to be valid", target)
	}

	invalid := []string{"", "example", "-bad.example.com", "exa mple.com", "example..com"}
	for _, target := range invalid {
		assert.False(t, ValidTarget(target), "expected %q to be invalid", target)
	}
}

func TestNormalizeTarget(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeTarget(" https://example.com/ "))
	assert.Equal(t, "example.com", NormalizeTarget("http://example.com"))
	assert.Equal(t, "example.com", NormalizeTarget("example.com"))
}

func TestScanJobDoneSignalsCompletion(t *testing.T) {
	runner := newStubRunner()
	orch := newTestOrchestrator(t, runner)

	job, err := orch.StartScan(context.Background(), baseOptions(t, "subdomain"))
	require.NoError(t, err)

	rep := job.Wait()
	require.NotNil(t, rep)

	select {
	case <-job.Done():
	default:
		t.Fatal("Done channel still open after Wait returned")
	}
	assert.NotNil(t, job.Report())
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateFailed, StateTimedOut, StateSkipped} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []State{StatePending, StateReady, StateRunning} {
		assert.False(t, s.Terminal(), string(s))
	}
}

// fakeElastic stands in for an elasticsearch node: it answers the client's
// product check and records every bulk payload it receives.
func fakeElastic(t *testing.T) (*httptest.Server, func() string) {
	t.Helper()

	var mu sync.Mutex
	var bulk strings.Builder

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/":
			fmt.Fprint(w, `{"version":{"number":"8.9.0"}}`)
		case strings.HasSuffix(r.URL.Path, "/_bulk"):
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			bulk.Write(body)
			mu.Unlock()
			fmt.Fprint(w, `{"took":1,"errors":false,"items":[]}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
	t.Cleanup(srv.Close)

	return srv, func() string {
		mu.Lock()
		defer mu.Unlock()
		return bulk.String()
	}
}

func TestExportFindingsIndexesReportAndRawArtifacts(t *testing.T) {
	srv, bulkBody := fakeElastic(t)

	orch := newTestOrchestrator(t, newStubRunner())
	orch.config.Elastic = config.Elastic{Enabled: true, URL: srv.URL}

	artifact := filepath.Join(t.TempDir(), "nuclei.json")
	line := `{"template-id":"exposed-panel","host":"https://app.example.com"}`
	require.NoError(t, os.WriteFile(artifact, []byte(line+"\n\n"), 0644))

	rep := &report.Report{
		ScanID: "scan-1",
		Target: "example.com",
		Modules: map[string]report.ModuleSection{
			"nuclei": {
				State:        "succeeded",
				ArtifactPath: artifact,
				Summary: &report.ModuleSummary{
					Results: 1,
					Findings: []modules.Finding{{
						Type:     "nuclei",
						Severity: "high",
						Target:   "app.example.com",
						Detail:   "exposed-panel",
					}},
				},
			},
		},
	}

	orch.exportFindings(context.Background(), rep)

	body := bulkBody()
	assert.Contains(t, body, `"template-id":"exposed-panel"`, "raw artifact line should be indexed")
	assert.Contains(t, body, `"scan_id":"scan-1"`, "normalized finding should be indexed")
	assert.Contains(t, body, `"severity":"high"`)
}

func TestExportFindingsSkipsMissingArtifacts(t *testing.T) {
	srv, bulkBody := fakeElastic(t)

	orch := newTestOrchestrator(t, newStubRunner())
	orch.config.Elastic = config.Elastic{Enabled: true, URL: srv.URL}

	rep := &report.Report{
		ScanID: "scan-2",
		Target: "example.com",
		Modules: map[string]report.ModuleSection{
			"nuclei": {
				State:        "skipped",
				ArtifactPath: filepath.Join(t.TempDir(), "nuclei.json"),
			},
		},
	}

	orch.exportFindings(context.Background(), rep)

	assert.NotContains(t, bulkBody(), "template-id")
}
