package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/docfactory/internal/config"
	"github.com/conneroisu/docfactory/internal/logging"
)

// DefaultConfigFile is looked up in the working directory.
const DefaultConfigFile = ".docfactory.yml"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "docfactory",
	Short: "Render every revision of a document and serve the history live",
	Long: `docfactory watches one AsciiDoc document in a git repository, renders
each relevant commit to canonical HTML, deduplicates renders by content, and
serves the resulting history with live refresh notifications.

Quick Start:
  docfactory serve --file docs/guide.adoc --directory /tmp/factory
  docfactory doctor
  docfactory config init`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is "+DefaultConfigFile+", can also use DOCFACTORY_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig picks the config file: --config, then DOCFACTORY_CONFIG_FILE,
// then .docfactory.yml in the working directory. A missing file is not an
// error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(strings.TrimSuffix(DefaultConfigFile, ".yml"))
	}

	config.BindEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// configPath is the file a configuration error should point at.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return DefaultConfigFile
}

func newLogger(cfg *config.Config) logging.Logger {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.Log.Level)
	lc.Format = cfg.Log.Format
	lc.Component = "docfactory"
	return logging.NewLogger(lc)
}
