package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/reconflow/reconflow/pkg/adapter"
	"github.com/reconflow/reconflow/pkg/config"
	"github.com/reconflow/reconflow/pkg/graph"
	"github.com/reconflow/reconflow/pkg/modules"
	"github.com/reconflow/reconflow/pkg/report"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var targetPattern = regexp.MustCompile(`^(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// NormalizeTarget strips URL scheme and trailing slash from a target domain.
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	target = strings.TrimPrefix(target, "http://")
	target = strings.TrimPrefix(target, "https://")
	return strings.TrimSuffix(target, "/")
}

func ValidTarget(target string) bool {
	return targetPattern.MatchString(NormalizeTarget(target))
}

// ScanJob owns one orchestrated run for a single target. All ModuleRun
// state lives behind one mutex; workers, the cascade, and dashboard
// snapshots all go through it, so a module can never be double-scheduled.
type ScanJob struct {
	ID      string
	Target  string
	options ScanOptions
	plan    *graph.Plan
	cfg     *config.Config
	runner  adapter.Runner
	logger  *logrus.Logger
	logFile *os.File
	store   *report.Store

	mu        sync.Mutex
	runs      map[string]*ModuleRun
	terminal  int
	closed    bool
	status    Status
	startedAt time.Time
	endedAt   time.Time
	rep       *report.Report

	ready chan string
	done  chan struct{}
}

func newScanJob(options ScanOptions, plan *graph.Plan, cfg *config.Config, runner adapter.Runner, logger *logrus.Logger) (*ScanJob, error) {
	options.Target = NormalizeTarget(options.Target)

	store, err := report.NewStore(filepath.Join(options.OutputDir, options.Target))
	if err != nil {
		return nil, err
	}

	// Per-scan log next to the artifacts, mirrored to the shared logger's
	// output.
	var logFile *os.File
	if f, err := os.OpenFile(filepath.Join(store.OutputDir(), "scan.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		jobLogger := logrus.New()
		jobLogger.SetLevel(logger.GetLevel())
		jobLogger.SetFormatter(logger.Formatter)
		jobLogger.SetOutput(io.MultiWriter(logger.Out, f))
		logger = jobLogger
		logFile = f
	}

	job := &ScanJob{
		ID:      uuid.NewString(),
		Target:  options.Target,
		options: options,
		plan:    plan,
		cfg:     cfg,
		runner:  runner,
		logger:  logger,
		logFile: logFile,
		store:   store,
		runs:    make(map[string]*ModuleRun, len(plan.Modules)),
		status:  StatusRunning,
		ready:   make(chan string, len(plan.Modules)),
		done:    make(chan struct{}),
	}

	for _, name := range plan.Modules {
		job.runs[name] = &ModuleRun{Name: name, State: StatePending}
	}

	return job, nil
}

func (j *ScanJob) Store() *report.Store {
	return j.store
}

func (j *ScanJob) run(ctx context.Context) {
	defer close(j.done)

	j.mu.Lock()
	j.startedAt = time.Now()
	j.mu.Unlock()

	if j.options.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.options.GlobalTimeout)
		defer cancel()
	}

	// When the global timeout fires, running modules are killed through the
	// adapter's context path and everything not yet started is skipped.
	watchdog := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			j.abort("global timeout exceeded")
		case <-watchdog:
		}
	}()
	defer close(watchdog)

	j.seedStates()

	var wg sync.WaitGroup
	for i := 0; i < j.options.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.worker(ctx)
		}()
	}
	wg.Wait()

	j.finalize()
}

// seedStates applies selection filters, skips modules with unsatisfiable
// dependencies, and enqueues everything that starts out ready.
func (j *ScanJob) seedStates() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, name := range j.plan.Modules {
		desc, _ := modules.Get(name)
		run := j.runs[name]
		if run.State != StatePending {
			continue
		}

		switch {
		case j.options.PassiveOnly && desc.Category != modules.Passive:
			j.skipLocked(name, "excluded: passive-only mode")
		case !j.options.Aggressive && desc.Category == modules.Aggressive:
			j.skipLocked(name, "excluded: aggressive mode disabled")
		case len(j.plan.Unsatisfied[name]) > 0:
			j.skipLocked(name, "dependency not selected: "+strings.Join(j.plan.Unsatisfied[name], ", "))
		}
	}

	for _, name := range j.plan.Modules {
		run := j.runs[name]
		if run.State == StatePending && j.depsSucceededLocked(name) {
			run.State = StateReady
			j.ready <- name
		}
	}

	j.checkDoneLocked()
}

func (j *ScanJob) depsSucceededLocked(name string) bool {
	for _, dep := range j.plan.Deps[name] {
		if j.runs[dep].State != StateSucceeded {
			return false
		}
	}
	return true
}

// skipLocked marks a run skipped and cascades to its transitive dependents.
// Idempotent: terminal and running runs are left alone, and the recursion is
// bounded because the graph is acyclic.
func (j *ScanJob) skipLocked(name, reason string) {
	run := j.runs[name]
	if run.State == StateRunning || run.State.Terminal() {
		return
	}

	run.State = StateSkipped
	run.Reason = reason
	j.terminal++

	if DebugLog != nil {
		DebugLog("module %s skipped: %s", name, reason)
	}

	for _, dependent := range j.plan.Dependents[name] {
		j.skipLocked(dependent, "dependency skipped: "+name)
	}
}

func (j *ScanJob) cascadeLocked(name string, state State) {
	var cause string
	switch state {
	case StateFailed:
		cause = "dependency failed: " + name
	case StateTimedOut:
		cause = "dependency timed out: " + name
	default:
		cause = "dependency skipped: " + name
	}

	for _, dependent := range j.plan.Dependents[name] {
		j.skipLocked(dependent, cause)
	}
}

// checkDoneLocked closes the ready queue once every module is terminal,
// releasing the worker pool.
func (j *ScanJob) checkDoneLocked() {
	if !j.closed && j.terminal == len(j.plan.Modules) {
		j.closed = true
		close(j.ready)
	}
}

func (j *ScanJob) worker(ctx context.Context) {
	for name := range j.ready {
		if !j.claim(name) {
			continue
		}
		j.execute(ctx, name)
	}
}

// claim transitions ready -> running. It fails when the module was skipped
// after being enqueued, e.g. by a global-timeout abort.
func (j *ScanJob) claim(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	run := j.runs[name]
	if run.State != StateReady {
		return false
	}

	run.State = StateRunning
	run.StartedAt = time.Now()
	return true
}

func (j *ScanJob) timeoutFor(desc *modules.Descriptor) time.Duration {
	if override, ok := j.cfg.ModuleTimeouts[desc.Name]; ok {
		return time.Duration(override) * time.Second
	}
	if j.options.ModuleTimeout > 0 {
		return j.options.ModuleTimeout
	}
	return desc.Timeout
}

func (j *ScanJob) execute(ctx context.Context, name string) {
	desc, _ := modules.Get(name)

	inv := modules.Invocation{
		Target:    j.Target,
		OutputDir: j.store.OutputDir(),
		Wordlist:  j.options.Wordlist,
	}

	timeout := j.timeoutFor(desc)
	maxAttempts := j.options.Retries + 1

	var state State
	var reason string
	var results int

	for attempt := 1; ; attempt++ {
		j.mu.Lock()
		j.runs[name].Attempts = attempt
		j.mu.Unlock()

		res, err := j.runner.Run(ctx, desc.Command(inv), timeout)

		var retryable bool
		state, reason, retryable = j.classify(ctx, res, err)

		if state == StateSucceeded {
			record, recErr := j.store.Record(name, res.Stdout)
			if recErr != nil {
				state = StateFailed
				reason = recErr.Error()
				retryable = false
			} else {
				results = record.Count()
			}
		}

		if state == StateSucceeded || !retryable || attempt >= maxAttempts {
			break
		}

		j.logger.Warnf("Module %s attempt %d/%d failed (%s), retrying",
			name, attempt, maxAttempts, reason)
	}

	j.complete(name, state, reason, results)
}

// classify maps an adapter outcome onto the run state machine.
func (j *ScanJob) classify(ctx context.Context, res *adapter.ExecResult, err error) (State, string, bool) {
	if err != nil {
		var timeoutErr *adapter.TimeoutError
		var launchErr *adapter.LaunchError

		switch {
		case errors.As(err, &timeoutErr):
			if ctx.Err() != nil {
				// The job deadline fired, not the module's own budget.
				return StateTimedOut, "global timeout exceeded", false
			}
			return StateTimedOut, err.Error(), true
		case errors.As(err, &launchErr):
			return StateFailed, err.Error(), launchErr.Transient
		default:
			return StateFailed, "scan cancelled", false
		}
	}

	if res.ExitCode != 0 && len(res.Stdout) == 0 {
		return StateFailed, fmt.Sprintf("exited with code %d and produced no output", res.ExitCode), true
	}

	return StateSucceeded, "", false
}

// complete records a terminal state, unblocks dependents on success, and
// cascades skips otherwise.
func (j *ScanJob) complete(name string, state State, reason string, results int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	run := j.runs[name]
	run.State = state
	run.Reason = reason
	run.Results = results
	run.EndedAt = time.Now()
	j.terminal++

	if state == StateSucceeded {
		j.logger.Infof("Module %s succeeded: %d results in %v",
			name, results, run.duration().Round(time.Millisecond))
		for _, dependent := range j.plan.Dependents[name] {
			dep := j.runs[dependent]
			if dep.State == StatePending && j.depsSucceededLocked(dependent) {
				dep.State = StateReady
				j.ready <- dependent
			}
		}
	} else {
		j.logger.Warnf("Module %s %s: %s", name, state, reason)
		j.cascadeLocked(name, state)
	}

	j.checkDoneLocked()
}

// abort skips every module that has not started. Running modules are left
// for their workers to finish through the cancelled context.
func (j *ScanJob) abort(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, name := range j.plan.Modules {
		run := j.runs[name]
		if run.State == StatePending || run.State == StateReady {
			run.State = StateSkipped
			run.Reason = reason
			j.terminal++
		}
	}

	j.checkDoneLocked()
}

// finalize computes the overall status and seals the report.
func (j *ScanJob) finalize() {
	if j.logFile != nil {
		defer j.logFile.Close()
	}

	j.mu.Lock()

	j.endedAt = time.Now()

	var succeeded, failed int
	moduleInfo := make(map[string]report.ModuleInfo, len(j.runs))
	for name, run := range j.runs {
		switch run.State {
		case StateSucceeded:
			succeeded++
		case StateFailed, StateTimedOut:
			failed++
		}
		moduleInfo[name] = report.ModuleInfo{
			State:    string(run.State),
			Reason:   run.Reason,
			Duration: run.duration(),
		}
	}

	switch {
	case failed == 0:
		j.status = StatusSuccess
	case succeeded > 0:
		j.status = StatusPartial
	default:
		j.status = StatusFailure
	}

	scanID, target := j.ID, j.Target
	startedAt, endedAt, status := j.startedAt, j.endedAt, j.status
	j.mu.Unlock()

	rep, err := j.store.Finalize(scanID, target, startedAt, endedAt, string(status), moduleInfo)
	if err != nil {
		j.logger.Errorf("Failed to finalize report: %v", err)
		return
	}

	j.mu.Lock()
	j.rep = rep
	j.mu.Unlock()

	j.logger.Infof("Scan %s finished: %s (%d succeeded, %d failed, %d total)",
		scanID, status, succeeded, failed, len(j.runs))
}

// Wait blocks until the job reaches a terminal state and returns the sealed
// report.
func (j *ScanJob) Wait() *report.Report {
	<-j.done

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rep
}

// Done exposes completion to pollers without blocking.
func (j *ScanJob) Done() <-chan struct{} {
	return j.done
}

// Report returns the sealed report, or nil while the job is running.
func (j *ScanJob) Report() *report.Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rep
}

// Snapshot returns a deep copy of the job state for the dashboard feed. It
// never exposes live references to scheduler-owned structures.
func (j *ScanJob) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := JobSnapshot{
		ID:        j.ID,
		Target:    j.Target,
		Status:    j.status,
		StartedAt: j.startedAt,
		EndedAt:   j.endedAt,
		Modules:   make([]ModuleSnapshot, 0, len(j.plan.Modules)),
	}

	if total := len(j.plan.Modules); total > 0 {
		snap.Progress = j.terminal * 100 / total
	}

	now := time.Now()
	for _, name := range j.plan.Modules {
		run := j.runs[name]

		elapsed := run.duration()
		if run.State == StateRunning {
			elapsed = now.Sub(run.StartedAt)
		}

		snap.Modules = append(snap.Modules, ModuleSnapshot{
			Name:      run.Name,
			State:     run.State,
			Attempts:  run.Attempts,
			Reason:    run.Reason,
			StartedAt: run.StartedAt,
			EndedAt:   run.EndedAt,
			Elapsed:   elapsed,
			Results:   run.Results,
		})
	}

	return snap
}
