package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpiv/internal/token"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Token discovery commands",
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reachable tokens",
	Long: `List the tokens reachable through the configured backend: PC/SC readers
holding a PIV card for the piv backend, PKCS#11 slots with a token for the
pkcs11 backend. No PIN is needed.`,
	Args: cobra.NoArgs,
	RunE: runTokenList,
}

// listReaders is replaced in tests.
var listReaders = token.ListReaders

func init() {
	tokenCmd.AddCommand(tokenListCmd)
}

func runTokenList(cmd *cobra.Command, args []string) error {
	cfg, err := appConfig.TokenConfig(appLog)
	if err != nil {
		return err
	}
	readers, err := listReaders(cfg)
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}
	if len(readers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tokens found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "READER\tSERIAL\tLABEL")
	for _, r := range readers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, orDash(r.Serial), orDash(r.Label))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
