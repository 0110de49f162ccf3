package main

import (
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpiv/internal/journal"
	"github.com/remiblancher/qpiv/pkg/piv"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the local issuance journal",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	Args:  cobra.NoArgs,
	RunE:  runJournalList,
}

var journalShowCmd = &cobra.Command{
	Use:   "show <serial>",
	Short: "Show one issued certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalShow,
}

var (
	journalSlot string
	journalPEM  bool
)

func init() {
	journalListCmd.Flags().StringVar(&journalSlot, "slot", "", "Only show certificates of this slot")
	journalShowCmd.Flags().BoolVar(&journalPEM, "pem", false, "Print the certificate as PEM")

	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalShowCmd)
}

func requireJournal() (*journal.Journal, error) {
	j, err := openJournal()
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("no journal configured (set journal.path)")
	}
	return j, nil
}

func runJournalList(cmd *cobra.Command, args []string) error {
	j, err := requireJournal()
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	var filter journal.Filter
	if journalSlot != "" {
		slot, err := piv.ParseSlotID(journalSlot)
		if err != nil {
			return err
		}
		filter.Slot = slot.String()
	}
	records, err := j.List(filter)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No certificates issued")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tSLOT\tALGORITHM\tSUBJECT\tNOT AFTER\tSTORED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
			r.Serial, r.Slot, r.Algorithm, r.Subject, r.NotAfter.Format(time.DateOnly), r.Stored)
	}
	return w.Flush()
}

func runJournalShow(cmd *cobra.Command, args []string) error {
	serial, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(args[0]), "0x"), 16)
	if !ok {
		return fmt.Errorf("invalid serial number: %s (expected hex)", args[0])
	}

	j, err := requireJournal()
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	r, err := j.Get(journal.SerialKey(serial))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if journalPEM {
		if len(r.DER) == 0 {
			return fmt.Errorf("journal record %s carries no certificate", r.Serial)
		}
		return pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: r.DER})
	}
	fmt.Fprintf(out, "Serial:      %s\n", r.Serial)
	fmt.Fprintf(out, "Slot:        %s\n", r.Slot)
	fmt.Fprintf(out, "Algorithm:   %s\n", r.Algorithm)
	fmt.Fprintf(out, "Subject:     %s\n", r.Subject)
	fmt.Fprintf(out, "Not before:  %s\n", r.NotBefore.Format(time.RFC3339))
	fmt.Fprintf(out, "Not after:   %s\n", r.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(out, "Issued at:   %s\n", r.IssuedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Fingerprint: %s\n", r.Fingerprint)
	fmt.Fprintf(out, "Stored:      %v\n", r.Stored)
	return nil
}
