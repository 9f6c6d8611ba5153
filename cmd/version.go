package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/livegate/internal/version"
)

var (
	versionFormat   string
	versionShort    bool
	versionDetailed bool
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for livegate including:

- Semantic version number
- Git commit hash
- Build timestamp
- Go version used for compilation
- Target platform (OS/architecture)

Examples:
  livegate version               # Show version
  livegate version --detailed    # Show detailed version info
  livegate version --format json # Output as JSON`,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVarP(&versionFormat, "format", "f", "text", "Output format (text, json)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
	versionCmd.Flags().BoolVar(&versionDetailed, "detailed", false, "Show detailed version information")
}

func runVersionCommand(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(versionFormat, "text", "json")
	if err != nil {
		return err
	}
	return writeVersion(cmd.OutOrStdout(), version.Get(), format, versionShort, versionDetailed)
}

func writeVersion(w io.Writer, info version.BuildInfo, format string, short, detailed bool) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			version.BuildInfo
			IsRelease bool `json:"is_release"`
		}{info, info.IsRelease()})
	}

	switch {
	case short:
		_, err := fmt.Fprintln(w, info.Version)
		return err
	case detailed:
		buildType := "development"
		if info.IsRelease() {
			buildType = "release"
		}
		_, err := fmt.Fprintf(w, "%s\nBuild type: %s\n", info.Detailed(), buildType)
		return err
	default:
		_, err := fmt.Fprintln(w, info.String())
		return err
	}
}
