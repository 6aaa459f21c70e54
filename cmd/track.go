package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/reconflow/reconflow/pkg/database"
	"github.com/reconflow/reconflow/pkg/orchestrator"
)

var (
	trackStatus string
	trackScanID string
)

var trackCmd = &cobra.Command{
	Use:   "track [target]",
	Short: "Query scan history and subdomain tracking database",
	Long:  `Query scan history for a target, per-module outcomes of one scan, or the subdomain lifecycle table`,
	Run:   runTrack,
}

func init() {
	trackCmd.Flags().StringVar(&trackStatus, "status", "", "filter subdomains by status (active, dead, new)")
	trackCmd.Flags().StringVar(&trackScanID, "scan", "", "show per-module outcomes for one scan id")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) {
	orch, err := orchestrator.NewOrchestrator(configFile)
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}

	db := orch.GetDB()
	if db == nil || !db.IsEnabled() {
		color.Red("Error: Database is not enabled. Please enable it in config.yaml")
		os.Exit(1)
	}

	if trackScanID != "" {
		showModules(db, trackScanID)
		return
	}

	if trackStatus != "" {
		if len(args) == 0 {
			color.Red("Error: --status requires a target")
			cmd.Help()
			os.Exit(1)
		}
		showSubdomains(db, args[0], strings.ToUpper(trackStatus))
		return
	}

	if len(args) > 0 {
		showSubdomains(db, args[0], "")
		return
	}

	showScans(db, "")
}

func showScans(db *database.DB, target string) {
	records, err := db.QueryScans(target)
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("SCAN_ID\tTARGET\tSTATUS\tSTARTED\tSUBDOMAINS\tLIVE\tVULNS"))
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, r := range records {
		statusColor := color.GreenString
		switch r.Status {
		case "failure":
			statusColor = color.RedString
		case "partial_success":
			statusColor = color.YellowString
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ScanID,
			r.Target,
			statusColor(r.Status),
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Subdomains,
			r.LiveHosts,
			r.Vulns,
		)
	}
	w.Flush()

	color.Green("\nTotal scans: %d", len(records))
}

func showModules(db *database.DB, scanID string) {
	records, err := db.QueryModules(scanID)
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		color.Yellow("[INF] Scan %s not found in database.", scanID)
		os.Exit(0)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("MODULE\tSTATE\tDURATION\tRESULTS\tREASON"))
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for _, r := range records {
		stateColor := color.GreenString
		switch r.State {
		case "failed", "timed_out":
			stateColor = color.RedString
		case "skipped":
			stateColor = color.YellowString
		}

		fmt.Fprintf(w, "%s\t%s\t%.1fs\t%d\t%s\n",
			r.Module,
			stateColor(r.State),
			r.Duration,
			r.Results,
			r.Reason,
		)
	}
	w.Flush()

	color.Green("\nTotal modules: %d", len(records))
}

func showSubdomains(db *database.DB, target, status string) {
	records, err := db.QuerySubdomains(target, status)
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		color.Yellow("[INF] Domain %s not found in database.", target)
		os.Exit(0)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("DOMAIN\tSUBDOMAIN\tSTATUS\tFIRST_SEEN\tLAST_SEEN"))
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, r := range records {
		statusColor := color.GreenString
		if r.Status == "DEAD" {
			statusColor = color.RedString
		} else if r.Status == "NEW" {
			statusColor = color.YellowString
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Domain,
			r.Subdomain,
			statusColor(r.Status),
			r.FirstSeen.Format("2006-01-02 15:04:05"),
			r.LastSeen.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	color.Green("\nTotal records: %d", len(records))
}
