package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/lector/cmd/lector/commands"
	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/logger"
)

var rootCmd = &cobra.Command{
	Use:   "lector",
	Short: "lector - crawl job scheduler",
	Long: `lector - crawl job scheduler.

lector keeps a durable list of crawl jobs (news feeds, tocs, toc searches,
user list imports and housekeeping) and runs the due ones through a bounded
queue, balancing work across the domains being crawled.

Available commands:
  pulse  - Run and inspect the job scheduler
  jobs   - Manage stored jobs
  hooks  - List, enable and disable scraper hooks
  am     - Show configuration ("I am")
  db     - Database maintenance

Examples:
  lector pulse start          # Run the scheduler in the foreground
  lector jobs ls              # List stored jobs
  lector hooks ls             # Show hooks and their capabilities
  lector am show              # Show current configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json", false, "Print command output as JSON (or set LECTOR_OUTPUT=json)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON (for supervised daemons)")

	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.HooksCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var exit *commands.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(1)
	}
}
