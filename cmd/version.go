package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/docfactory/internal/version"
)

var (
	versionFormat string
	versionShort  bool
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for docfactory.

Examples:
  docfactory version               # Show version and commit
  docfactory version --detailed    # Show every build attribute
  docfactory version --format json # Output as JSON`,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVar(&versionFormat, "format", "text", "Output format (text, json)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
	versionCmd.Flags().Bool("detailed", false, "Show detailed version information")
}

func runVersionCommand(cmd *cobra.Command, args []string) error {
	detailed, _ := cmd.Flags().GetBool("detailed")
	out := cmd.OutOrStdout()

	switch versionFormat {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(version.GetBuildInfo())
	case "text":
		return writeVersionText(out, versionShort, detailed)
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json)", versionFormat)
	}
}

func writeVersionText(out io.Writer, short, detailed bool) error {
	var err error
	switch {
	case short:
		_, err = fmt.Fprintln(out, version.GetShortVersion())
	case detailed:
		_, err = fmt.Fprintln(out, version.GetDetailedVersion())
	default:
		_, err = fmt.Fprintf(out, "docfactory %s\n", version.GetShortVersion())
	}
	return err
}
