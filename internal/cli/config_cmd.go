package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/leadflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect leadflow configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		problems := config.Validate(cfg)
		if len(problems) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}
		for _, p := range problems {
			cmd.Printf("invalid %s\n", p)
		}
		return fmt.Errorf("%d config problem(s) found", len(problems))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults and environment merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		redactSecrets(cfg)

		if jsonOutput(cmd) {
			return printJSON(cmd, cfg)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding resolved config: %w", err)
		}
		cmd.Print(string(out))
		return nil
	},
}

const redacted = "********"

// redactSecrets blanks credentials before the config is printed.
func redactSecrets(cfg *config.Config) {
	for i := range cfg.Server.OpsTokens {
		cfg.Server.OpsTokens[i] = redacted
	}
	if cfg.Server.WebhookSecret != "" {
		cfg.Server.WebhookSecret = redacted
	}
}

func init() {
	addFormatFlag(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
