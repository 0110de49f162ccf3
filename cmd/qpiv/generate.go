package main

import (
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/pkg/audit"
	"github.com/remiblancher/qpiv/pkg/piv"
	"github.com/remiblancher/qpiv/pkg/selfsign"
	"github.com/remiblancher/qpiv/pkg/x509util"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a key on the token and a self-signed certificate for it",
	Long: `Generate a key in a PIV slot and issue a self-signed certificate for it.

The key is generated on the token, the certificate is built on the host, and
only its digest is sent to the token for signing. With --reuse-key the key
already in the slot is used instead, identified by the certificate stored
next to it.

The PIN is read from the variable named by token.pin_env (default QPIV_PIN).

Examples:
  # ECC P-256 certificate in the authentication slot
  qpiv generate --slot 9a --cn "Jane Operator" --out jane.pem

  # RSA 2048 signature certificate, valid for two years, stored on the token
  qpiv generate --slot signature --algorithm rsa-2048 --cn "Jane Operator" \
      --email jane@example.com --days 730 --store

  # Renew the certificate of slot 9a without replacing its key
  qpiv generate --slot 9a --reuse-key --cn "Jane Operator" --store`,
	RunE: runGenerate,
}

var (
	genSlot             string
	genAlgorithm        string
	genCN               string
	genOrg              string
	genOU               string
	genCountry          string
	genDNS              []string
	genEmail            []string
	genIP               []string
	genSerial           string
	genDays             int
	genNotBefore        string
	genNotAfter         string
	genPinPolicy        string
	genTouchPolicy      string
	genReuseKey         bool
	genStore            bool
	genCA               bool
	genOut              string
	genSignTimeout      time.Duration
	genAllowSerialReuse bool
)

func init() {
	f := generateCmd.Flags()
	f.StringVar(&genSlot, "slot", "", "Key slot (9a, 9c, 9d, 9e or role name; default from config)")
	f.StringVar(&genAlgorithm, "algorithm", "", "Signing algorithm (ecc-p256, ecc-p384, rsa-1024..rsa-4096)")
	f.StringVar(&genCN, "cn", "", "Subject common name")
	f.StringVar(&genOrg, "org", "", "Subject organization")
	f.StringVar(&genOU, "ou", "", "Subject organizational unit")
	f.StringVar(&genCountry, "country", "", "Subject country (two letters)")
	f.StringSliceVar(&genDNS, "dns", nil, "DNS subject alternative names")
	f.StringSliceVar(&genEmail, "email", nil, "Email subject alternative names")
	f.StringSliceVar(&genIP, "ip", nil, "IP address subject alternative names")
	f.StringVar(&genSerial, "serial", "", "Serial number in hex (random when empty)")
	f.IntVar(&genDays, "days", 0, "Validity in days (default from config)")
	f.StringVar(&genNotBefore, "not-before", "", "Start of validity (RFC3339, default now)")
	f.StringVar(&genNotAfter, "not-after", "", "End of validity (RFC3339, overrides --days)")
	f.StringVar(&genPinPolicy, "pin-policy", "", "PIN policy (default, never, once, always)")
	f.StringVar(&genTouchPolicy, "touch-policy", "", "Touch policy (default, never, always, cached)")
	f.BoolVar(&genReuseKey, "reuse-key", false, "Reuse the key already in the slot")
	f.BoolVar(&genStore, "store", false, "Write the certificate into the slot")
	f.BoolVar(&genCA, "ca", false, "Issue a self-signed CA certificate")
	f.StringVarP(&genOut, "out", "o", "", "Write the PEM certificate to this file (default stdout)")
	f.DurationVar(&genSignTimeout, "sign-timeout", 0, "Bound on PIN entry and touch confirmation")
	f.BoolVar(&genAllowSerialReuse, "allow-serial-reuse", false, "Allow a serial already in the journal")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	params, err := generateParams()
	if err != nil {
		return err
	}

	j, err := openJournal()
	if err != nil {
		return err
	}
	if j != nil {
		defer func() { _ = j.Close() }()
	}

	session, err := openSession(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to open token: %w", err)
	}

	issuer := selfsign.NewIssuer(
		selfsign.WithLogger(appLog),
		selfsign.WithAuditor(audit.Auditor{Token: session.Describe()}),
		selfsign.WithSignTimeout(appConfig.Timeouts.Sign),
	)
	svc := issuance.New(session, issuer,
		issuance.WithJournal(j),
		issuance.WithLogger(appLog),
		issuance.WithTokenName(session.Describe()),
	)

	res, err := svc.Issue(cmd.Context(), params)
	if res == nil {
		return describeIssueError(err)
	}

	pemData := res.Certificate.PEM()
	if genOut != "" {
		if werr := os.WriteFile(genOut, pemData, 0644); werr != nil {
			return fmt.Errorf("failed to write certificate: %w", werr)
		}
	} else {
		_, _ = cmd.OutOrStdout().Write(pemData)
	}

	out := cmd.ErrOrStderr()
	if genOut != "" {
		out = cmd.OutOrStdout()
	}
	fmt.Fprintf(out, "Certificate issued\n")
	fmt.Fprintf(out, "  Slot:        %s (%s)\n", res.Record.Slot, params.Slot.Name())
	fmt.Fprintf(out, "  Algorithm:   %s\n", res.Record.Algorithm)
	fmt.Fprintf(out, "  Subject:     %s\n", res.Record.Subject)
	fmt.Fprintf(out, "  Serial:      %s\n", res.Record.Serial)
	fmt.Fprintf(out, "  Not after:   %s\n", res.Record.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(out, "  Fingerprint: %s\n", res.Record.Fingerprint)
	if res.Stored {
		fmt.Fprintf(out, "  Stored on token\n")
	}
	return err
}

// describeIssueError adds retry guidance to an issuance error.
func describeIssueError(err error) error {
	var ie *selfsign.IssueError
	if errors.As(err, &ie) && ie.Key != nil {
		return fmt.Errorf("%w (a new key is in slot %s; retry with --reuse-key after storing a certificate, or generate again)", err, ie.Slot)
	}
	var pe *piv.PinError
	if errors.As(err, &pe) && pe.Retries >= 0 {
		return fmt.Errorf("%w (%d PIN attempts left)", err, pe.Retries)
	}
	return err
}

// generateParams converts flags to issuance parameters, applying the
// configured defaults.
func generateParams() (issuance.Params, error) {
	d := appConfig.Defaults
	var p issuance.Params
	var err error

	slot := genSlot
	if slot == "" {
		slot = d.Slot
	}
	if p.Slot, err = piv.ParseSlotID(slot); err != nil {
		return p, err
	}

	switch {
	case genAlgorithm != "":
		if p.Algorithm, err = piv.ParseSigningAlgorithm(genAlgorithm); err != nil {
			return p, err
		}
	case !genReuseKey:
		if p.Algorithm, err = d.SigningAlgorithm(); err != nil {
			return p, err
		}
	}

	pin, touch := genPinPolicy, genTouchPolicy
	if pin == "" {
		pin = d.PinPolicy
	}
	if touch == "" {
		touch = d.TouchPolicy
	}
	if p.PinPolicy, err = piv.ParsePinPolicy(pin); err != nil {
		return p, err
	}
	if p.TouchPolicy, err = piv.ParseTouchPolicy(touch); err != nil {
		return p, err
	}

	p.Subject = pkix.Name{CommonName: genCN}
	if genOrg != "" {
		p.Subject.Organization = []string{genOrg}
	}
	if genOU != "" {
		p.Subject.OrganizationalUnit = []string{genOU}
	}
	if genCountry != "" {
		p.Subject.Country = []string{strings.ToUpper(genCountry)}
	}

	p.AltNames = x509util.AltNames{DNSNames: genDNS, EmailAddresses: genEmail}
	for _, s := range genIP {
		ip := net.ParseIP(s)
		if ip == nil {
			return p, fmt.Errorf("invalid IP address: %s", s)
		}
		p.AltNames.IPAddresses = append(p.AltNames.IPAddresses, ip)
	}

	if genSerial != "" {
		serial, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(genSerial), "0x"), 16)
		if !ok {
			return p, fmt.Errorf("invalid serial number: %s (expected hex)", genSerial)
		}
		p.Serial = serial
	}

	if genNotBefore != "" {
		if p.NotBefore, err = time.Parse(time.RFC3339, genNotBefore); err != nil {
			return p, fmt.Errorf("invalid --not-before: %w", err)
		}
	}
	if genNotAfter != "" {
		if p.NotAfter, err = time.Parse(time.RFC3339, genNotAfter); err != nil {
			return p, fmt.Errorf("invalid --not-after: %w", err)
		}
	}
	p.Validity = d.Validity()
	if genDays != 0 {
		if p.Validity, err = issuance.ValidityDays(genDays); err != nil {
			return p, fmt.Errorf("--days: %w", err)
		}
	}

	p.ReuseKey = genReuseKey
	p.Store = genStore
	p.CA = genCA
	p.SignTimeout = genSignTimeout
	p.AllowSerialReuse = genAllowSerialReuse
	return p, nil
}
