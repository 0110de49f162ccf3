package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpiv/internal/token"
	"github.com/remiblancher/qpiv/pkg/audit"
	"github.com/remiblancher/qpiv/pkg/piv/pivtest"
)

// executeCommand executes a Cobra command with the given args and returns output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err = root.Execute()
	return buf.String(), err
}

// fakeSession is a software token standing in for a card.
type fakeSession struct {
	*pivtest.Token
	closed bool
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSession) Describe() string { return "pivtest" }

// testContext holds test resources.
type testContext struct {
	t       *testing.T
	tempDir string
	token   *pivtest.Token
	session *fakeSession
	opened  []token.Config
}

// newTestContext creates a temp directory, a configuration file pointing
// the journal and audit log into it, and a software token.
func newTestContext(t *testing.T) *testContext {
	t.Helper()
	resetFlags()

	tc := &testContext{t: t, tempDir: t.TempDir(), token: pivtest.New()}
	tc.session = &fakeSession{Token: tc.token}

	cfg := "journal:\n  path: " + tc.path("journal.db") + "\n" +
		"audit:\n  log: " + tc.path("audit.jsonl") + "\n"
	configPath = tc.writeFile("qpiv.yaml", cfg)

	prev := openToken
	openToken = func(ctx context.Context, cfg token.Config) (token.Session, error) {
		tc.opened = append(tc.opened, cfg)
		return tc.session, nil
	}
	t.Setenv("QPIV_PIN", "123456")
	t.Cleanup(func() {
		openToken = prev
		closeActiveSession()
		_ = audit.Close()
		resetFlags()
	})
	return tc
}

// path returns a path within the temp directory.
func (tc *testContext) path(name string) string {
	return filepath.Join(tc.tempDir, name)
}

// writeFile writes content to a file in the temp directory.
func (tc *testContext) writeFile(name, content string) string {
	tc.t.Helper()
	path := tc.path(name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		tc.t.Fatalf("Failed to write file %s: %v", name, err)
	}
	return path
}

// run executes the root command with the test configuration.
func (tc *testContext) run(args ...string) (string, error) {
	tc.t.Helper()
	out, err := executeCommand(rootCmd, args...)
	// Post-run hooks are skipped on error.
	closeActiveSession()
	_ = audit.Close()
	resetFlags()
	configPath = tc.path("qpiv.yaml")
	return out, err
}

// resetFlags restores every command flag to its default.
func resetFlags() {
	configPath = ""
	auditLogPath = ""
	logLevel = ""
	envFile = ""

	genSlot = ""
	genAlgorithm = ""
	genCN = ""
	genOrg = ""
	genOU = ""
	genCountry = ""
	genDNS = nil
	genEmail = nil
	genIP = nil
	genSerial = ""
	genDays = 0
	genNotBefore = ""
	genNotAfter = ""
	genPinPolicy = ""
	genTouchPolicy = ""
	genReuseKey = false
	genStore = false
	genCA = false
	genOut = ""
	genSignTimeout = 0
	genAllowSerialReuse = false

	slotsToken = false
	journalSlot = ""
	journalPEM = false

	auditLogFile = ""
	auditTailNum = 10
	auditShowJSON = false

	serveListen = ""
	serveTLSCert = ""
	serveTLSKey = ""
}

// assertNoError fails the test if err is not nil.
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError fails the test if err is nil.
func assertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// assertContains fails the test if s does not contain sub.
func assertContains(t *testing.T, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Errorf("output does not contain %q:\n%s", sub, s)
	}
}

// assertFileNotEmpty verifies that a file exists and is not empty.
func assertFileNotEmpty(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	if len(data) == 0 {
		t.Errorf("file %s is empty", path)
	}
}
