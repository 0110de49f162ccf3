package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpiv/internal/config"
	"github.com/remiblancher/qpiv/pkg/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log management",
	Long: `Commands for verifying and reading the audit log.

The audit log is a tamper-evident record of key generation, issuance,
certificate storage and authentication failures. Each event is chained to
the previous one with a SHA-256 hash.

Examples:
  # Verify audit log integrity
  qpiv audit verify --log /var/log/qpiv/audit.jsonl

  # Show last 10 events
  qpiv audit tail --log /var/log/qpiv/audit.jsonl -n 10`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log integrity",
	Long: `Verify the hash chain of an audit log file.

Each event in the log contains:
  - hash_prev: SHA-256 hash of the previous event
  - hash: SHA-256 hash of the current event

The chain starts with hash_prev="sha256:genesis" for the first event.
A modified, deleted or inserted event breaks the chain at that point.`,
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit events",
	Args:  cobra.NoArgs,
	RunE:  runAuditTail,
}

var (
	auditLogFile  string
	auditTailNum  int
	auditShowJSON bool
)

func init() {
	auditVerifyCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (default: the active audit log)")

	auditTailCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (default: the active audit log)")
	auditTailCmd.Flags().IntVarP(&auditTailNum, "num", "n", 10, "Number of events to show")
	auditTailCmd.Flags().BoolVar(&auditShowJSON, "json", false, "Output as JSON")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
}

// auditTarget resolves the log to read: --log, then the global audit log
// settings.
func auditTarget() (string, error) {
	for _, p := range []string{auditLogFile, auditLogPath, os.Getenv("QPIV_AUDIT_LOG"), configAuditLog(appConfig)} {
		if p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("no audit log given (use --log)")
}

func configAuditLog(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Audit.Log
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditTarget()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Verifying audit log: %s\n\n", path)

	count, err := audit.VerifyChain(path)
	if err != nil {
		fmt.Fprintf(out, "VERIFICATION FAILED\n")
		fmt.Fprintf(out, "  Valid events: %d\n", count)
		fmt.Fprintf(out, "  Error: %s\n", err)
		return fmt.Errorf("audit log verification failed: %w", err)
	}

	fmt.Fprintf(out, "VERIFICATION PASSED\n")
	fmt.Fprintf(out, "  Total events: %d\n", count)
	fmt.Fprintf(out, "  Hash chain: VALID\n")
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditTarget()
	if err != nil {
		return err
	}
	events, err := audit.Tail(path, auditTailNum)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "Audit log is empty")
		return nil
	}
	if auditShowJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
	for i := range events {
		printEvent(out, &events[i])
	}
	return nil
}

func printEvent(w io.Writer, e *audit.Event) {
	resultIcon := "✓"
	if e.Result == audit.ResultFailure {
		resultIcon = "✗"
	}

	fmt.Fprintf(w, "[%s] %s %s\n", e.Timestamp, resultIcon, e.EventType)
	fmt.Fprintf(w, "    Actor:  %s@%s\n", e.Actor.ID, e.Actor.Host)

	if e.Object.Type != "" {
		fmt.Fprintf(w, "    Object: %s", e.Object.Type)
		if e.Object.Slot != "" {
			fmt.Fprintf(w, " slot=%s", e.Object.Slot)
		}
		if e.Object.Serial != "" {
			fmt.Fprintf(w, " serial=%s", e.Object.Serial)
		}
		if e.Object.Subject != "" {
			fmt.Fprintf(w, " subject=%s", e.Object.Subject)
		}
		fmt.Fprintln(w)
	}

	c := e.Context
	if c.Algorithm != "" || c.Stage != "" || c.Reason != "" {
		fmt.Fprint(w, "    Context:")
		if c.Algorithm != "" {
			fmt.Fprintf(w, " algorithm=%s", c.Algorithm)
		}
		if c.Stage != "" {
			fmt.Fprintf(w, " stage=%s", c.Stage)
		}
		if c.Reason != "" {
			fmt.Fprintf(w, " reason=%s", c.Reason)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)
}
