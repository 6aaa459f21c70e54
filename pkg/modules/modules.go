package modules

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/reconflow/reconflow/pkg/adapter"
)

type Category string

const (
	Passive    Category = "passive"
	Active     Category = "active"
	Aggressive Category = "aggressive"
)

const defaultWordlist = "/usr/share/wordlists/dirb/common.txt"

// Invocation carries the per-scan parameters a command template may use:
// the target domain, the scan's output directory, and the artifact files
// produced by dependency modules.
type Invocation struct {
	Target    string
	OutputDir string
	Wordlist  string
}

// ArtifactPath returns the on-disk location of a module's artifact within
// this scan's output directory.
func (inv Invocation) ArtifactPath(artifact string) string {
	return filepath.Join(inv.OutputDir, artifact)
}

// Descriptor is the static definition of one scan module. Descriptors are
// immutable and enumerated once at process start; the orchestrator validates
// selections against this set at graph-build time rather than resolving
// anything dynamically.
type Descriptor struct {
	Name      string
	Category  Category
	DependsOn []string

	// Artifact is the file under the scan output directory that this
	// module's normalized output is persisted to, and that dependents may
	// reference in their command templates.
	Artifact string

	// Timeout is the default per-run wall-clock budget.
	Timeout time.Duration

	// Command builds the argv for one run.
	Command func(inv Invocation) adapter.Command

	// Parse normalizes the raw tool output into a Record.
	Parse func(raw []byte) (*Record, error)
}

var registry = map[string]*Descriptor{
	"subdomain": {
		Name:     "subdomain",
		Category: Passive,
		Artifact: "subdomains.txt",
		Timeout:  10 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "subfinder",
				Args:   []string{"-d", inv.Target, "-all", "-recursive", "-silent"},
			}
		},
		Parse: parseHostLines,
	},
	"wayback": {
		Name:      "wayback",
		Category:  Passive,
		DependsOn: []string{"subdomain"},
		Artifact:  "wayback_urls.txt",
		Timeout:   10 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "gau",
				Args:   []string{"--subs", inv.Target},
			}
		},
		Parse: parseLines,
	},
	"dns": {
		Name:      "dns",
		Category:  Passive,
		DependsOn: []string{"subdomain"},
		Artifact:  "dns_records.txt",
		Timeout:   5 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "dnsx",
				Args: []string{
					"-l", inv.ArtifactPath("subdomains.txt"),
					"-a", "-aaaa", "-cname", "-mx", "-txt",
					"-resp", "-silent", "-no-color",
				},
			}
		},
		Parse: parseLines,
	},
	"live_check": {
		Name:      "live_check",
		Category:  Active,
		DependsOn: []string{"subdomain"},
		Artifact:  "live_hosts.txt",
		Timeout:   10 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "httpx",
				Args: []string{
					"-l", inv.ArtifactPath("subdomains.txt"),
					"-silent", "-no-color",
					"-threads", "50",
					"-timeout", "10",
					"-retries", "1",
					"-follow-redirects",
					"-random-agent",
				},
			}
		},
		Parse: parseLines,
	},
	"url_collect": {
		Name:      "url_collect",
		Category:  Active,
		DependsOn: []string{"live_check"},
		Artifact:  "urls.txt",
		Timeout:   15 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "katana",
				Args: []string{
					"-list", inv.ArtifactPath("live_hosts.txt"),
					"-depth", "3",
					"-silent", "-no-color",
				},
			}
		},
		Parse: parseLines,
	},
	"js_analysis": {
		Name:      "js_analysis",
		Category:  Active,
		DependsOn: []string{"url_collect"},
		Artifact:  "js_endpoints.txt",
		Timeout:   10 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "getJS",
				Args: []string{
					"-input", inv.ArtifactPath("urls.txt"),
					"-complete",
				},
			}
		},
		Parse: parseLines,
	},
	"param_discovery": {
		Name:      "param_discovery",
		Category:  Active,
		DependsOn: []string{"live_check"},
		Artifact:  "parameters.txt",
		Timeout:   10 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "arjun",
				Args: []string{
					"-i", inv.ArtifactPath("live_hosts.txt"),
					"-q",
				},
			}
		},
		Parse: parseLines,
	},
	"port_scan": {
		Name:      "port_scan",
		Category:  Active,
		DependsOn: []string{"subdomain"},
		Artifact:  "open_ports.txt",
		Timeout:   20 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "naabu",
				Args: []string{
					"-list", inv.ArtifactPath("subdomains.txt"),
					"-top-ports", "1000",
					"-silent", "-no-color",
				},
			}
		},
		Parse: parseLines,
	},
	"tech_detect": {
		Name:      "tech_detect",
		Category:  Active,
		DependsOn: []string{"live_check"},
		Artifact:  "technologies.json",
		Timeout:   10 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "httpx",
				Args: []string{
					"-l", inv.ArtifactPath("live_hosts.txt"),
					"-tech-detect", "-status-code", "-title",
					"-json", "-silent", "-no-color",
				},
			}
		},
		Parse: parseTechDetect,
	},
	"takeover": {
		Name:      "takeover",
		Category:  Active,
		DependsOn: []string{"subdomain"},
		Artifact:  "takeover.txt",
		Timeout:   10 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "subzy",
				Args: []string{
					"run",
					"--targets", inv.ArtifactPath("subdomains.txt"),
					"--hide_fails",
				},
			}
		},
		Parse: parseTakeover,
	},
	"cors": {
		Name:      "cors",
		Category:  Active,
		DependsOn: []string{"live_check"},
		Artifact:  "cors.txt",
		Timeout:   10 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "corsy",
				Args: []string{
					"-i", inv.ArtifactPath("live_hosts.txt"),
					"-q",
				},
			}
		},
		Parse: parseCors,
	},
	"dir_brute": {
		Name:      "dir_brute",
		Category:  Aggressive,
		DependsOn: []string{"live_check"},
		Artifact:  "directories.txt",
		Timeout:   10 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			wordlist := inv.Wordlist
			if wordlist == "" {
				wordlist = defaultWordlist
			}
			return adapter.Command{
				Binary: "ffuf",
				Args: []string{
					"-u", "https://" + inv.Target + "/FUZZ",
					"-w", wordlist,
					"-mc", "200,204,301,302,307,401,403",
					"-s",
				},
			}
		},
		Parse: parseLines,
	},
	"nuclei": {
		Name:      "nuclei",
		Category:  Aggressive,
		DependsOn: []string{"live_check"},
		Artifact:  "nuclei.json",
		Timeout:   30 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "nuclei",
				Args: []string{
					"-l", inv.ArtifactPath("live_hosts.txt"),
					"-severity", "low,medium,high,critical",
					"-jsonl", "-silent", "-no-color",
				},
			}
		},
		Parse: parseNuclei,
	},
	"xss": {
		Name:      "xss",
		Category:  Aggressive,
		DependsOn: []string{"url_collect"},
		Artifact:  "xss.json",
		Timeout:   20 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "dalfox",
				Args: []string{
					"file", inv.ArtifactPath("urls.txt"),
					"--format", "json",
					"--silence",
				},
			}
		},
		Parse: parseDalfox,
	},
	"sqli": {
		Name:      "sqli",
		Category:  Aggressive,
		DependsOn: []string{"url_collect"},
		Artifact:  "sqli.txt",
		Timeout:   20 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "sqlmap",
				Args: []string{
					"-m", inv.ArtifactPath("urls.txt"),
					"--batch",
					"--level=2", "--risk=2",
					"--random-agent",
				},
			}
		},
		Parse: parseSqlmap,
	},
	"lfi": {
		Name:      "lfi",
		Category:  Aggressive,
		DependsOn: []string{"url_collect"},
		Artifact:  "lfi.txt",
		Timeout:   15 * time.Minute,
		Command: func(inv Invocation) adapter.Command {
			return adapter.Command{
				Binary: "lfimap",
				Args: []string{
					"-F", inv.ArtifactPath("urls.txt"),
					"-a",
				},
			}
		},
		Parse: parseLfi,
	},
}

// Get returns the descriptor for a module name.
func Get(name string) (*Descriptor, bool) {
	d, ok := registry[name]
	return d, ok
}

// Names returns every registered module name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DependencyMap returns name -> dependsOn for the whole registry, the shape
// the graph builder consumes.
func DependencyMap() map[string][]string {
	deps := make(map[string][]string, len(registry))
	for name, d := range registry {
		deps[name] = d.DependsOn
	}
	return deps
}

// Validate checks that every declared dependency exists in the registry.
// Called from tests; a descriptor referencing an unknown module is a
// programming error.
func Validate() error {
	for name, d := range registry {
		for _, dep := range d.DependsOn {
			if _, ok := registry[dep]; !ok {
				return fmt.Errorf("module %s depends on unknown module %s", name, dep)
			}
		}
	}
	return nil
}
