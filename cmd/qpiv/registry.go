package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/pkg/piv"
)

var algorithmsCmd = &cobra.Command{
	Use:   "algorithms",
	Short: "List supported signing algorithms",
	Args:  cobra.NoArgs,
	RunE:  runAlgorithms,
}

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "List PIV key slots and their default policies",
	Long: `List PIV key slots, their default PIN and touch policies and whether a
key can be issued into them. With --token the certificate object of every
issuable slot is read from the token.`,
	Args: cobra.NoArgs,
	RunE: runSlots,
}

var slotsToken bool

func init() {
	slotsCmd.Flags().BoolVar(&slotsToken, "token", false, "Read certificate presence from the token")
}

func runAlgorithms(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALGORITHM\tKEY\tBITS\tHASH\tMECHANISM")
	for _, alg := range piv.Algorithms() {
		p, err := piv.ParametersFor(alg)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", alg, p.KeyKind, p.Bits, p.Hash, p.Mechanism)
	}
	return w.Flush()
}

func runSlots(cmd *cobra.Command, args []string) error {
	states := map[piv.SlotID]issuance.SlotState{}
	if slotsToken {
		session, err := openSession(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to open token: %w", err)
		}
		list, err := issuance.New(session, nil).SlotStatus(cmd.Context())
		if err != nil {
			return err
		}
		for _, st := range list {
			states[st.Slot] = st
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	header := "SLOT\tNAME\tPIN\tTOUCH\tISSUABLE"
	if slotsToken {
		header += "\tCERTIFICATE"
	}
	fmt.Fprintln(w, header)
	for _, slot := range piv.Slots() {
		sp, err := piv.PolicyFor(slot)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%v", slot, slot.Name(), sp.Pin, sp.Touch, sp.Issuable)
		if slotsToken {
			line += "\t" + describeSlotState(states[slot], sp.Issuable)
		}
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}

func describeSlotState(st issuance.SlotState, issuable bool) string {
	switch {
	case !issuable:
		return "-"
	case !st.HasCertificate:
		return "empty"
	case st.Subject == "":
		return "present"
	default:
		return fmt.Sprintf("%s (%s, until %s)", st.Subject, st.Algorithm, st.NotAfter.Format(time.DateOnly))
	}
}
