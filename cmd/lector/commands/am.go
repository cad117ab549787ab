package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/lector/am"
	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/internal/util"
	"github.com/teranos/lector/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.PrefixShort("am"),
	Long: sym.AM + ` am - lector configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/lector/config.toml)
3. User config (~/.lector/am.toml)
4. Local overrides written by the CLI (~/.lector/am_local.toml)
5. Project config (./am.toml, searched upwards)
6. Environment variables (LECTOR_* prefix)

Examples:
  lector am show                  # Show current configuration
  lector am show --format json    # Show configuration as JSON
  lector am where                 # Show where each setting comes from`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load validates
		if _, err := am.Load(); err != nil {
			return errors.Wrap(err, "configuration validation failed")
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	var data []byte
	switch configFormat {
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	case "yaml":
		data, err = yaml.Marshal(cfg)
	case "toml":
		data, err = toml.Marshal(cfg)
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to marshal config to %s", configFormat)
	}

	if configFormat != "json" {
		fmt.Println("# lector configuration")
	}
	fmt.Print(string(data))
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	settings, err := am.Settings()
	if err != nil {
		return err
	}

	data := pterm.TableData{{"KEY", "VALUE", "SOURCE", "FROM"}}
	for _, s := range settings {
		data = append(data, []string{
			s.Key,
			util.Truncate(fmt.Sprintf("%v", s.Value), 50),
			string(s.Source),
			s.SourcePath,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
