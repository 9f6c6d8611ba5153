// Package cmd provides the command-line interface for livegate.
//
// Configuration System:
//
//	Settings are resolved with the following precedence:
//	1. Command-line flags (--config, --port, etc.) - highest priority
//	2. LIVEGATE_CONFIG_FILE environment variable - custom config file path
//	3. Individual environment variables (LIVEGATE_SERVER_PORT, etc.)
//	4. Configuration files (.livegate.yml) - lowest priority
//
// Environment Variables:
//
//	LIVEGATE_CONFIG_FILE: Path to custom configuration file
//	LIVEGATE_SERVER_PORT: Override gateway port
//	LIVEGATE_ADMIN_TOKEN: Bearer token for the admin API
//	And every other key following the LIVEGATE_<SECTION>_<OPTION> pattern
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/livegate/internal/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "livegate",
	Short: "Admission control gateway for real-time event channels",
	Long: `livegate guards a bidirectional WebSocket event channel. Every connection
and every event passes origin, rate limit, identity, payload and reputation
gates before it reaches the application, and every rejection is audited.

Quick Start:
  livegate serve                  Start the gateway and admin API
  livegate config show            Print the resolved configuration
  livegate config validate        Check a configuration file
  livegate audit --type auth_failure
                                  Query the audit file
  livegate version                Show build information`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .livegate.yml, can also use LIVEGATE_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig points viper at the config file and enables LIVEGATE_ env
// overrides. A missing file is not an error; defaults apply.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("LIVEGATE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".livegate")
	}

	config.ConfigureEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && viper.ConfigFileUsed() != "" {
		fmt.Fprintln(os.Stderr, "Error reading config file:", err)
	}
}
