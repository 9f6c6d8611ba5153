package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/livegate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect livegate configuration",
	Long: `Inspect the resolved livegate configuration.

Examples:
  livegate config show                     # Resolved configuration as YAML
  livegate config show --format json       # ...or as JSON
  livegate config validate                 # Validate .livegate.yml
  livegate config validate --file prod.yml # Validate a specific file`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the configuration after file, environment and flag overrides
and default filling. Secrets are masked.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate a livegate configuration file. Errors fail the command;
warnings are printed and fail it only with --strict.`,
	RunE: runConfigValidate,
}

var (
	configShowFormat     string
	configValidateFile   string
	configValidateStrict bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configValidateCmd)

	configShowCmd.Flags().StringVarP(&configShowFormat, "format", "f", "yaml", "Output format (yaml, json)")
	configValidateCmd.Flags().StringVar(&configValidateFile, "file", "", "Configuration file to validate (default is the active config)")
	configValidateCmd.Flags().BoolVar(&configValidateStrict, "strict", false, "Treat warnings as errors")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(configShowFormat, "yaml", "json")
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return writeConfig(cmd.OutOrStdout(), cfg, format)
}

func writeConfig(w io.Writer, cfg *config.Config, format string) error {
	out, err := config.MarshalYAML(cfg)
	if err != nil {
		return err
	}
	if format == "yaml" {
		_, err = w.Write(out)
		return err
	}

	// JSON goes through the same redaction as YAML.
	var masked map[string]interface{}
	if err := yaml.Unmarshal(out, &masked); err != nil {
		return fmt.Errorf("re-encoding config: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(masked)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configValidateFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	if path == "" {
		return fmt.Errorf("no configuration file found; pass --file or create .livegate.yml")
	}

	v := config.NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := config.Default()
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	result := config.ValidateWithDetails(cfg)
	out := cmd.OutOrStdout()
	if result.HasErrors() || result.HasWarnings() {
		fmt.Fprint(out, result.String())
	}
	if result.HasErrors() {
		return fmt.Errorf("%s is invalid", path)
	}
	if configValidateStrict && result.HasWarnings() {
		return fmt.Errorf("%s has warnings (strict mode)", path)
	}

	fmt.Fprintf(out, "%s is valid\n", path)
	return nil
}
