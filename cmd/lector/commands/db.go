package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.PrefixShort("db"),
	Long: sym.DB + ` db - database maintenance

Examples:
  lector db migrate               # Apply pending migrations
  lector db stats                 # Show row counts of the crawl tables`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// openDatabase migrates
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Printf("%s Database is up to date\n", sym.DB)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts of the job and crawl tables",
	RunE:  runDbStats,
}

// statTables are the tables counted by 'db stats', in display order
var statTables = []string{
	"jobs", "job_history", "scraper_hooks",
	"media", "media_tocs", "media_parts", "episodes",
	"external_users", "external_lists", "external_list_items", "news",
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, table := range statTables {
		var n int
		// Table names come from statTables, never from input
		if err := database.QueryRowContext(cmd.Context(), `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		fmt.Printf("%-20s %d\n", table+":", n)
	}
	return nil
}
