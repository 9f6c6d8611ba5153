package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/livegate/internal/config"
	"github.com/conneroisu/livegate/internal/security"
)

var (
	auditFile     string
	auditTypes    []string
	auditSeverity string
	auditAddress  string
	auditSince    string
	auditLimit    int
	auditFormat   string
)

// auditCmd queries the JSON-lines audit file written by a running gateway.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the security audit file",
	Long: `Read the JSON-lines audit file (audit.file) and print matching entries,
newest first. Rotated backups are not read.

Examples:
  livegate audit                                 # Last 50 entries
  livegate audit --type auth_failure,ip_blocked  # Selected types
  livegate audit --severity high --since 1h      # Recent high and critical
  livegate audit --address 203.0.113.7 -o json   # One address as JSON`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditFile, "file", "", "Audit file to read (default is audit.file from config)")
	auditCmd.Flags().StringSliceVarP(&auditTypes, "type", "t", nil, "Entry types to include (repeatable or comma-separated)")
	auditCmd.Flags().StringVarP(&auditSeverity, "severity", "s", "", "Minimum severity (low, medium, high, critical)")
	auditCmd.Flags().StringVar(&auditAddress, "address", "", "Only entries for this remote address")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "Only entries newer than a duration (1h) or RFC 3339 time")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "Maximum entries to print (0 for all)")
	auditCmd.Flags().StringVarP(&auditFormat, "output", "o", "table", "Output format (table, json)")
}

func runAudit(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(auditFormat, "table", "json")
	if err != nil {
		return err
	}

	path := auditFile
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		path = cfg.Audit.File
	}
	if path == "" {
		return fmt.Errorf("no audit file configured; set audit.file or pass --file")
	}

	filter, err := auditFilter(time.Now())
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	defer f.Close()

	entries, skipped, err := security.ReadAuditEntries(f, filter)
	if err != nil {
		return err
	}
	if skipped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "Skipped %d malformed lines\n", skipped)
	}

	if format == "json" {
		if entries == nil {
			entries = []security.AuditEntry{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return writeAuditTable(cmd.OutOrStdout(), entries)
}

// auditFilter builds the filter from the command flags. now anchors
// relative --since values.
func auditFilter(now time.Time) (security.AuditFilter, error) {
	filter := security.AuditFilter{
		Address: auditAddress,
		Limit:   auditLimit,
	}
	for _, t := range auditTypes {
		if t = strings.TrimSpace(t); t != "" {
			filter.Types = append(filter.Types, security.AuditEventType(t))
		}
	}
	if auditSeverity != "" {
		sev, err := security.ParseSeverity(strings.ToLower(auditSeverity))
		if err != nil {
			return filter, err
		}
		filter.MinSeverity = sev
	}
	if auditSince != "" {
		since, err := parseSince(auditSince, now)
		if err != nil {
			return filter, err
		}
		filter.Since = since
	}
	if auditLimit < 0 {
		return filter, fmt.Errorf("--limit must not be negative")
	}
	return filter, nil
}

func parseSince(value string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since must be a duration or RFC 3339 time: %q", value)
	}
	return t, nil
}

func writeAuditTable(w io.Writer, entries []security.AuditEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No matching audit entries")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tSEVERITY\tADDRESS\tEVENT\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Type,
			e.Severity,
			e.RemoteAddress,
			dash(e.EventName),
			e.Message,
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
