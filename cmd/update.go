package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/reconflow/reconflow/pkg/update"
)

var updateVerbose bool

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update reconflow to the latest version",
	Long: `Update reconflow to the latest version from GitHub releases.
This command will:
  - Check for the latest release on GitHub
  - Download the binary for your platform
  - Verify it against the release checksum manifest
  - Replace the current binary with the new version`,
	Example: `  reconflow update
  reconflow update -v`,
	Run: runUpdate,
}

func init() {
	updateCmd.Flags().BoolVarP(&updateVerbose, "verbose", "v", false, "enable verbose output during update")
}

func runUpdate(cmd *cobra.Command, args []string) {
	fmt.Println()

	if err := update.New(updateVerbose).Run("v" + Version); err != nil {
		color.Red("Update failed: %v", err)
		os.Exit(1)
	}
}
