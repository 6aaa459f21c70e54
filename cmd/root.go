package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/reconflow/reconflow/pkg/adapter"
	"github.com/reconflow/reconflow/pkg/config"
	"github.com/reconflow/reconflow/pkg/dashboard"
	"github.com/reconflow/reconflow/pkg/database"
	"github.com/reconflow/reconflow/pkg/modules"
	"github.com/reconflow/reconflow/pkg/orchestrator"
	"github.com/reconflow/reconflow/pkg/report"
)

var (
	configFile    string
	target        string
	targetList    string
	moduleList    string
	concurrency   int
	moduleTimeout int
	globalTimeout int
	retries       int
	outputDir     string
	wordlistPath  string
	passiveOnly   bool
	aggressive    bool
	jsonFormat    bool
	silent        bool
	verbose       bool
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "reconflow",
	Short: "modular reconnaissance scan orchestrator",
	Long:  `dependency-aware reconnaissance scan orchestrator driving external security tools`,
	Run:   runScan,
}

func Execute() {
	hasSilentFlag := false
	for i, arg := range os.Args {
		switch arg {
		case "-tL":
			os.Args[i] = "--tL"
		case "-silent":
			os.Args[i] = "--silent"
			hasSilentFlag = true
		case "-modules":
			os.Args[i] = "--modules"
		case "-concurrency":
			os.Args[i] = "--concurrency"
		case "-timeout":
			os.Args[i] = "--timeout"
		case "-global-timeout":
			os.Args[i] = "--global-timeout"
		case "-retries":
			os.Args[i] = "--retries"
		case "-passive-only":
			os.Args[i] = "--passive-only"
		case "-aggressive":
			os.Args[i] = "--aggressive"
		case "-status":
			os.Args[i] = "--status"
		case "-listen":
			os.Args[i] = "--listen"
		}
	}

	if !hasSilentFlag {
		printBanner()
	}

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Printf("[DBG] "+format+"\n", args...)
	}
}

func setDebugLogFunctions() {
	config.DebugLog = DebugLog
	orchestrator.DebugLog = DebugLog
	adapter.DebugLog = DebugLog
	report.DebugLog = DebugLog
	database.DebugLog = DebugLog
	dashboard.DebugLog = DebugLog
}

func init() {
	rootCmd.SetHelpTemplate(`Usage:
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}

{{if .HasAvailableSubCommands}}Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}Flags:
INPUT:
   -t, -target string       target domain to scan
   -tL, -list string        file containing list of targets to scan

MODULES:
   -modules string          comma-separated list of modules to run (default: all)
   -passive-only            run passive modules only
   -aggressive              enable aggressive modules (sqlmap, ffuf, lfimap)
   -w, -wordlist string     custom wordlist path for directory brute forcing

SCHEDULING:
   -concurrency int         maximum modules running at once (default: 10)
   -timeout int             per-module timeout in seconds (default: 600)
   -global-timeout int      whole-scan timeout in minutes (default: 120)
   -retries int             retry budget for transient failures (default: 0)

OUTPUT:
   -o, -output string       output directory (default: results)
   -j, -json                print the final report as JSON
   -silent                  silent mode - no banner or extra output

CONFIGURATION:
   -c, -config string       config file path (default: config/config.yaml)

OPTIMIZATION:
   -v, -verbose             enable verbose/debug output
{{if .HasAvailableSubCommands}}
Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: config/config.yaml)")

	rootCmd.Flags().StringVarP(&target, "target", "t", "", "target domain to scan")
	rootCmd.Flags().StringVar(&targetList, "tL", "", "file containing list of targets to scan")
	rootCmd.Flags().StringVar(&moduleList, "modules", "", "comma-separated list of modules to run (default: all)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "maximum modules running at once")
	rootCmd.Flags().IntVar(&moduleTimeout, "timeout", 0, "per-module timeout in seconds")
	rootCmd.Flags().IntVar(&globalTimeout, "global-timeout", 0, "whole-scan timeout in minutes")
	rootCmd.Flags().IntVar(&retries, "retries", 0, "retry budget for transient failures")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory")
	rootCmd.Flags().StringVarP(&wordlistPath, "wordlist", "w", "", "custom wordlist path for directory brute forcing")
	rootCmd.Flags().BoolVar(&passiveOnly, "passive-only", false, "run passive modules only")
	rootCmd.Flags().BoolVar(&aggressive, "aggressive", false, "enable aggressive modules")
	rootCmd.Flags().BoolVarP(&jsonFormat, "json", "j", false, "print the final report as JSON")
	rootCmd.Flags().BoolVar(&silent, "silent", false, "silent mode - no banner or extra output")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(updateCmd)
}

func runScan(cmd *cobra.Command, args []string) {
	if target == "" && targetList == "" {
		color.Red("Error: either -t (target) or -tL (target-list) is required")
		cmd.Help()
		os.Exit(1)
	}

	if target != "" && targetList != "" {
		color.Red("Error: cannot use both -t and -tL flags together")
		cmd.Help()
		os.Exit(1)
	}

	Verbose = verbose

	if verbose {
		setDebugLogFunctions()
	}

	orch, err := orchestrator.NewOrchestrator(configFile)
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}

	var targets []string

	if target != "" {
		targets = append(targets, target)
	}

	if targetList != "" {
		fileTargets, err := readTargetsFromFile(targetList)
		if err != nil {
			color.Red("Failed to read target list: %v", err)
			os.Exit(1)
		}
		targets = fileTargets
	}

	var selected []string
	if moduleList != "" {
		for _, name := range strings.Split(moduleList, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				selected = append(selected, name)
			}
		}
	}

	allSuccess := true
	for _, t := range targets {
		DebugLog("scanning %s", t)

		options := orchestrator.ScanOptions{
			Target:        orchestrator.NormalizeTarget(t),
			Modules:       selected,
			Concurrency:   concurrency,
			ModuleTimeout: time.Duration(moduleTimeout) * time.Second,
			GlobalTimeout: time.Duration(globalTimeout) * time.Minute,
			Retries:       retries,
			OutputDir:     outputDir,
			PassiveOnly:   passiveOnly,
			Aggressive:    aggressive,
			Wordlist:      wordlistPath,
		}

		rep, err := orch.RunScan(context.Background(), options)
		if err != nil {
			color.Red("Scan failed for %s: %v", t, err)
			allSuccess = false
			continue
		}

		if err := handleOutput(rep); err != nil {
			color.Red("Output error for %s: %v", t, err)
			allSuccess = false
			continue
		}

		if rep.OverallStatus == string(orchestrator.StatusFailure) {
			allSuccess = false
		}
	}

	if allSuccess {
		os.Exit(0)
	} else {
		os.Exit(1)
	}
}

func readTargetsFromFile(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var targets []string
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("no valid targets found in file")
	}

	return targets, nil
}

func printBanner() {
	banner := color.CyanString(`
┬─┐┌─┐┌─┐┌─┐┌┐┌┌─┐┬  ┌─┐┬ ┬
├┬┘├┤ │  │ ││││├┤ │  │ ││││
┴└─└─┘└─┘└─┘┘└┘└  ┴─┘└─┘└┴┘
`)
	info := color.HiBlackString("dependency-aware reconnaissance scan orchestrator")
	fmt.Println(banner)
	fmt.Println(info)
	fmt.Println()
}

func handleOutput(rep *report.Report) error {
	if jsonFormat {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if !silent {
		displaySummary(rep)
	}
	return nil
}

func displaySummary(rep *report.Report) {
	fmt.Println()

	switch rep.OverallStatus {
	case string(orchestrator.StatusSuccess):
		color.Green("[INF] Scan %s completed: %s", rep.ScanID, rep.OverallStatus)
	case string(orchestrator.StatusPartial):
		color.Yellow("[WARN] Scan %s completed: %s", rep.ScanID, rep.OverallStatus)
	default:
		color.Red("[ERR] Scan %s completed: %s", rep.ScanID, rep.OverallStatus)
	}

	fmt.Println()
	fmt.Printf(" %-18s %-14s %-12s %s\n", "Module", "State", "Duration", "Results")
	color.Cyan(strings.Repeat("─", 60))

	names := make([]string, 0, len(rep.Modules))
	for name := range rep.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		section := rep.Modules[name]
		results := "-"
		if section.Summary != nil {
			results = fmt.Sprintf("%d", section.Summary.Results)
		}
		fmt.Printf(" %-18s %-14s %-12s %s\n",
			name,
			section.State,
			fmt.Sprintf("%.1fs", section.Duration),
			results,
		)
	}

	fmt.Println()
	color.Green("[INF] Subdomains: %d, live hosts: %d, URLs: %d, open ports: %d",
		rep.Counts.Subdomains, rep.Counts.LiveHosts, rep.Counts.URLs, rep.Counts.OpenPorts)
	if rep.Counts.TotalVulns > 0 {
		color.Red("[INF] Vulnerabilities: %d", rep.Counts.TotalVulns)
	}
	fmt.Println()
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "list available modules and their dependencies",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(" %-18s %-12s %-10s %s\n", "Module", "Category", "Tool", "Depends on")
		color.Cyan(strings.Repeat("─", 70))
		for _, name := range modules.Names() {
			desc, _ := modules.Get(name)
			deps := "-"
			if len(desc.DependsOn) > 0 {
				deps = strings.Join(desc.DependsOn, ", ")
			}
			tool := desc.Command(modules.Invocation{Target: "example.com", OutputDir: "."}).Binary
			fmt.Printf(" %-18s %-12s %-10s %s\n", desc.Name, desc.Category, tool, deps)
		}
	},
}
