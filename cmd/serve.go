package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/reconflow/reconflow/pkg/dashboard"
	"github.com/reconflow/reconflow/pkg/orchestrator"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard API server",
	Long:  `Run the dashboard API server: start scans over HTTP and watch their progress live`,
	Run:   runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default: 127.0.0.1:8080)")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")
}

func runServe(cmd *cobra.Command, args []string) {
	Verbose = verbose
	if verbose {
		setDebugLogFunctions()
	}

	orch, err := orchestrator.NewOrchestrator(configFile)
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}

	addr := serveListen
	if addr == "" {
		addr = orch.GetConfig().Dashboard.Listen
	}

	server := dashboard.NewServer(orch)
	if err := server.ListenAndServe(addr); err != nil {
		color.Red("Dashboard server failed: %v", err)
		os.Exit(1)
	}
}
