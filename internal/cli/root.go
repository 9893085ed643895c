package cli

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgPath string
)

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "leadflow",
	Short: "Lead-to-cash orchestration for field service businesses",
	Long: `leadflow moves a job from the first customer message through quoting,
scheduling, crew assignment and booking, then decides and executes how the
finished job gets paid.

State lives in SQL (SQLite by default, Postgres via the pgx driver). Ops
drive runs and payments from this CLI or through the HTTP API started by
"leadflow serve".`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default ./leadflow.yaml or ~/.leadflow/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(opsCmd)
	rootCmd.AddCommand(paymentCmd)
	rootCmd.AddCommand(webhookCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(serveCmd)
}
