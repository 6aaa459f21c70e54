package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reconflow/reconflow/pkg/modules"
)

var DebugLog func(string, ...interface{})

// Store receives each module's raw output, normalizes it, and persists one
// artifact file per module under the scan's output directory. Records are
// written at most once per module; a retry overwrites, never appends.
type Store struct {
	outputDir string

	mu      sync.Mutex
	records map[string]*modules.Record
	sealed  bool
}

func NewStore(outputDir string) (*Store, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Store{
		outputDir: outputDir,
		records:   make(map[string]*modules.Record),
	}, nil
}

func (s *Store) OutputDir() string {
	return s.outputDir
}

// ArtifactPath returns where a module's raw output lives on disk.
func (s *Store) ArtifactPath(moduleName string) string {
	desc, ok := modules.Get(moduleName)
	if !ok {
		return ""
	}
	return filepath.Join(s.outputDir, desc.Artifact)
}

// Record normalizes raw tool output and persists it. The raw bytes are
// always written to the artifact file, even when normalization fails, so a
// ParseError never loses data.
func (s *Store) Record(moduleName string, raw []byte) (*modules.Record, error) {
	desc, ok := modules.Get(moduleName)
	if !ok {
		return nil, fmt.Errorf("unknown module: %s", moduleName)
	}

	artifactPath := filepath.Join(s.outputDir, desc.Artifact)
	if err := os.WriteFile(artifactPath, raw, 0644); err != nil {
		return nil, fmt.Errorf("failed to write artifact for %s: %w", moduleName, err)
	}

	record, err := desc.Parse(raw)
	if err != nil {
		return nil, &modules.ParseError{Module: moduleName, Err: err}
	}
	record.Module = moduleName

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[moduleName] = record

	if DebugLog != nil {
		DebugLog("recorded %d results for module %s", record.Count(), moduleName)
	}

	return record, nil
}

// Get returns a module's normalized record, if one was recorded.
func (s *Store) Get(moduleName string) (*modules.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[moduleName]
	return record, ok
}

// ModuleInfo is the orchestrator's view of one finished module run, passed
// into Finalize.
type ModuleInfo struct {
	State    string
	Reason   string
	Duration time.Duration
}

// ModuleSection is one module's entry in the sealed report.
type ModuleSection struct {
	State        string         `json:"state"`
	Duration     float64        `json:"duration_seconds"`
	Reason       string         `json:"reason,omitempty"`
	ArtifactPath string         `json:"artifact_path,omitempty"`
	Summary      *ModuleSummary `json:"summary,omitempty"`
}

// ModuleSummary is present only when a normalized record exists for the
// module; skipped and failed modules report an absent section instead.
type ModuleSummary struct {
	Results  int               `json:"results"`
	Findings []modules.Finding `json:"findings,omitempty"`
}

// Counts aggregates the cross-module tallies for the report.
type Counts struct {
	Subdomains      int            `json:"subdomains"`
	LiveHosts       int            `json:"live_hosts"`
	URLs            int            `json:"urls"`
	OpenPorts       int            `json:"open_ports"`
	Vulnerabilities map[string]int `json:"vulnerabilities"`
	TotalVulns      int            `json:"total_vulnerabilities"`
}

// Report is the sealed aggregate of one ScanJob.
type Report struct {
	ScanID        string                   `json:"scan_id"`
	Target        string                   `json:"target"`
	StartedAt     time.Time                `json:"started_at"`
	EndedAt       time.Time                `json:"ended_at"`
	OverallStatus string                   `json:"overall_status"`
	Modules       map[string]ModuleSection `json:"modules"`
	Counts        Counts                   `json:"counts"`
}

// Finalize seals the store and merges every recorded result plus the
// orchestrator's module states into the final report. It tolerates a missing
// record for any skipped or failed module. Called exactly once, after the
// job reaches a terminal state.
func (s *Store) Finalize(scanID, target string, startedAt, endedAt time.Time, overallStatus string, moduleInfo map[string]ModuleInfo) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return nil, fmt.Errorf("report for %s already finalized", target)
	}
	s.sealed = true

	rep := &Report{
		ScanID:        scanID,
		Target:        target,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
		OverallStatus: overallStatus,
		Modules:       make(map[string]ModuleSection, len(moduleInfo)),
		Counts: Counts{
			Vulnerabilities: make(map[string]int),
		},
	}

	for name, info := range moduleInfo {
		section := ModuleSection{
			State:    info.State,
			Duration: info.Duration.Seconds(),
			Reason:   info.Reason,
		}

		if record, ok := s.records[name]; ok {
			section.ArtifactPath = s.ArtifactPath(name)
			section.Summary = &ModuleSummary{
				Results:  record.Count(),
				Findings: record.Findings,
			}
		}

		rep.Modules[name] = section
	}

	s.fillCounts(rep)

	if err := s.writeJSON(rep); err != nil {
		return nil, err
	}
	if err := s.writeSummary(rep); err != nil {
		return nil, err
	}

	return rep, nil
}

func (s *Store) fillCounts(rep *Report) {
	if record, ok := s.records["subdomain"]; ok {
		rep.Counts.Subdomains = len(record.Lines)
	}
	if record, ok := s.records["live_check"]; ok {
		rep.Counts.LiveHosts = len(record.Lines)
	}
	if record, ok := s.records["wayback"]; ok {
		rep.Counts.URLs += len(record.Lines)
	}
	if record, ok := s.records["url_collect"]; ok {
		rep.Counts.URLs += len(record.Lines)
	}
	if record, ok := s.records["port_scan"]; ok {
		rep.Counts.OpenPorts = len(record.Lines)
	}

	for _, record := range s.records {
		for _, finding := range record.Findings {
			if finding.Type == "technology" {
				continue
			}
			rep.Counts.Vulnerabilities[finding.Type]++
			rep.Counts.TotalVulns++
		}
	}
}

func (s *Store) writeJSON(rep *Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	reportPath := filepath.Join(s.outputDir, "final_report.json")
	if err := os.WriteFile(reportPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}

func (s *Store) writeSummary(rep *Report) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Scan summary for %s\n", rep.Target)
	fmt.Fprintf(&b, "Status: %s\n", rep.OverallStatus)
	fmt.Fprintf(&b, "Started: %s\n", rep.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Ended: %s\n\n", rep.EndedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "Subdomains: %d\n", rep.Counts.Subdomains)
	fmt.Fprintf(&b, "Live hosts: %d\n", rep.Counts.LiveHosts)
	fmt.Fprintf(&b, "URLs: %d\n", rep.Counts.URLs)
	fmt.Fprintf(&b, "Open ports: %d\n", rep.Counts.OpenPorts)
	fmt.Fprintf(&b, "Vulnerabilities: %d\n", rep.Counts.TotalVulns)

	if len(rep.Counts.Vulnerabilities) > 0 {
		b.WriteString("\nVulnerabilities by type:\n")
		types := make([]string, 0, len(rep.Counts.Vulnerabilities))
		for t := range rep.Counts.Vulnerabilities {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(&b, "  %s: %d\n", t, rep.Counts.Vulnerabilities[t])
		}
	}

	b.WriteString("\nModules:\n")
	names := make([]string, 0, len(rep.Modules))
	for name := range rep.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		section := rep.Modules[name]
		line := fmt.Sprintf("  %-16s %s", name, section.State)
		if section.Reason != "" {
			line += " (" + section.Reason + ")"
		}
		b.WriteString(line + "\n")
	}

	summaryPath := filepath.Join(s.outputDir, "summary.txt")
	if err := os.WriteFile(summaryPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	return nil
}
