package modules

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Record is a module's normalized output. List-style modules fill Lines,
// vulnerability-style modules fill Findings; either may be empty when the
// tool found nothing.
type Record struct {
	Module   string    `json:"module"`
	Lines    []string  `json:"lines,omitempty"`
	Findings []Finding `json:"findings,omitempty"`
}

// Finding is one structured result from a vulnerability-style module.
type Finding struct {
	Type     string `json:"type"`
	Severity string `json:"severity,omitempty"`
	Target   string `json:"target"`
	Detail   string `json:"detail,omitempty"`
}

// Count returns the number of normalized results in the record.
func (r *Record) Count() int {
	return len(r.Lines) + len(r.Findings)
}

// ParseError means raw tool output could not be normalized. The raw output
// is still persisted to the artifact file for manual inspection.
type ParseError struct {
	Module string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s output: %v", e.Module, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func scanLines(raw []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}

	return lines
}

// parseLines keeps non-empty lines in order, deduplicated case-insensitively.
func parseLines(raw []byte) (*Record, error) {
	seen := make(map[string]bool)
	var result []string

	for _, line := range scanLines(raw) {
		normalized := strings.ToLower(line)
		if !seen[normalized] {
			seen[normalized] = true
			result = append(result, line)
		}
	}

	return &Record{Lines: result}, nil
}

// parseHostLines is parseLines with hostnames lowercased, matching how
// subdomain output is compared downstream.
func parseHostLines(raw []byte) (*Record, error) {
	seen := make(map[string]bool)
	var result []string

	for _, line := range scanLines(raw) {
		host := strings.ToLower(strings.TrimSuffix(line, "."))
		if !seen[host] {
			seen[host] = true
			result = append(result, host)
		}
	}

	return &Record{Lines: result}, nil
}

type httpxLine struct {
	URL          string   `json:"url"`
	Host         string   `json:"host"`
	StatusCode   int      `json:"status_code"`
	Title        string   `json:"title"`
	Technologies []string `json:"tech"`
	WebServer    string   `json:"webserver"`
}

func parseTechDetect(raw []byte) (*Record, error) {
	record := &Record{}
	sawAny := false

	for _, line := range scanLines(raw) {
		var entry httpxLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		sawAny = true

		detail := entry.WebServer
		if len(entry.Technologies) > 0 {
			detail = strings.Join(entry.Technologies, ", ")
		}

		record.Findings = append(record.Findings, Finding{
			Type:   "technology",
			Target: entry.URL,
			Detail: detail,
		})
	}

	if !sawAny && len(scanLines(raw)) > 0 {
		return nil, fmt.Errorf("no valid JSON lines in httpx output")
	}

	return record, nil
}

type nucleiLine struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name     string `json:"name"`
		Severity string `json:"severity"`
	} `json:"info"`
	Host      string `json:"host"`
	MatchedAt string `json:"matched-at"`
}

func parseNuclei(raw []byte) (*Record, error) {
	record := &Record{}
	sawAny := false

	for _, line := range scanLines(raw) {
		var entry nucleiLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		sawAny = true

		target := entry.MatchedAt
		if target == "" {
			target = entry.Host
		}

		record.Findings = append(record.Findings, Finding{
			Type:     entry.TemplateID,
			Severity: entry.Info.Severity,
			Target:   target,
			Detail:   entry.Info.Name,
		})
	}

	if !sawAny && len(scanLines(raw)) > 0 {
		return nil, fmt.Errorf("no valid JSON lines in nuclei output")
	}

	return record, nil
}

type dalfoxLine struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Data     string `json:"data"`
	Evidence string `json:"evidence"`
}

func parseDalfox(raw []byte) (*Record, error) {
	record := &Record{}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return record, nil
	}

	// dalfox --format json emits either a JSON array or one object per line
	// depending on version.
	if trimmed[0] == '[' {
		var entries []dalfoxLine
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		for _, entry := range entries {
			record.Findings = append(record.Findings, dalfoxFinding(entry))
		}
		return record, nil
	}

	sawAny := false
	for _, line := range scanLines(raw) {
		var entry dalfoxLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		sawAny = true
		record.Findings = append(record.Findings, dalfoxFinding(entry))
	}

	if !sawAny {
		return nil, fmt.Errorf("no valid JSON in dalfox output")
	}

	return record, nil
}

func dalfoxFinding(entry dalfoxLine) Finding {
	severity := strings.ToLower(entry.Severity)
	if severity == "" {
		severity = "medium"
	}
	return Finding{
		Type:     "xss",
		Severity: severity,
		Target:   entry.Data,
		Detail:   entry.Evidence,
	}
}

// parseSqlmap scrapes injection points out of sqlmap's console output. A run
// with no "Parameter:" markers is a clean result, not a parse failure.
func parseSqlmap(raw []byte) (*Record, error) {
	record := &Record{}

	var currentURL string
	for _, line := range scanLines(raw) {
		if strings.HasPrefix(line, "URL:") || strings.Contains(line, "testing URL") {
			currentURL = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
			continue
		}
		if strings.HasPrefix(line, "Parameter:") {
			record.Findings = append(record.Findings, Finding{
				Type:     "sqli",
				Severity: "high",
				Target:   currentURL,
				Detail:   strings.TrimSpace(strings.TrimPrefix(line, "Parameter:")),
			})
		}
	}

	return record, nil
}

func parseTakeover(raw []byte) (*Record, error) {
	record := &Record{}

	for _, line := range scanLines(raw) {
		upper := strings.ToUpper(line)
		if !strings.Contains(upper, "VULNERABLE") || strings.Contains(upper, "NOT VULNERABLE") {
			continue
		}
		record.Findings = append(record.Findings, Finding{
			Type:     "subdomain_takeover",
			Severity: "high",
			Target:   line,
		})
	}

	return record, nil
}

func parseCors(raw []byte) (*Record, error) {
	record := &Record{}

	for _, line := range scanLines(raw) {
		record.Findings = append(record.Findings, Finding{
			Type:     "cors",
			Severity: "medium",
			Target:   line,
		})
	}

	return record, nil
}

func parseLfi(raw []byte) (*Record, error) {
	record := &Record{}

	for _, line := range scanLines(raw) {
		if !strings.Contains(strings.ToUpper(line), "VULN") {
			continue
		}
		record.Findings = append(record.Findings, Finding{
			Type:     "lfi",
			Severity: "high",
			Target:   line,
		})
	}

	return record, nil
}
