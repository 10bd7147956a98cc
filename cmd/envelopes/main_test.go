package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/snapshot"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/shopspring/decimal"
)

func runCommand(test *testing.T, args ...string) (string, error) {
	test.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestImportVerifyExport(test *testing.T) {
	dir := test.TempDir()
	stateDir := filepath.Join(dir, "state")
	common := []string{"--" + flagStateDir, stateDir, "--" + flagProbeTargets, "", "--" + flagWatchFiles, ""}

	backup := ledger.Snapshot{
		Envelopes: []ledger.Envelope{{ID: "env-1", Name: "Groceries", CurrentBalance: decimal.RequireFromString("42.50"), IsActive: true}},
		Transactions: []ledger.Transaction{{
			ID:          "tx-1",
			Date:        time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
			Amount:      decimal.RequireFromString("42.50"),
			Description: "Deposit",
			EnvelopeID:  "env-1",
			Type:        ledger.TransactionIncome,
		}},
	}
	backupPath := filepath.Join(dir, "backup.json")
	if err := snapshot.WriteFile(backupPath, backup, time.Now()); err != nil {
		test.Fatalf("write backup: %v", err)
	}

	output, err := runCommand(test, append([]string{"import", backupPath}, common...)...)
	if err != nil {
		test.Fatalf("import: %v (%s)", err, output)
	}
	if !strings.Contains(output, "Successfully imported 1 envelopes and 1 transactions") {
		test.Fatalf("unexpected import output %q", output)
	}

	output, err = runCommand(test, append([]string{"verify"}, common...)...)
	if err != nil {
		test.Fatalf("verify: %v (%s)", err, output)
	}
	if !strings.Contains(output, "1 envelopes consistent (source: cache)") {
		test.Fatalf("unexpected verify output %q", output)
	}

	output, err = runCommand(test, append([]string{"export"}, common...)...)
	if err != nil {
		test.Fatalf("export: %v", err)
	}
	exported, err := snapshot.Decode([]byte(output))
	if err != nil {
		test.Fatalf("decode export: %v", err)
	}
	if len(exported.Envelopes) != 1 || !exported.Envelopes[0].CurrentBalance.Equal(decimal.RequireFromString("42.50")) {
		test.Fatalf("unexpected export %+v", exported)
	}
}

func TestImportRejectsInvalidBackup(test *testing.T) {
	dir := test.TempDir()
	invalidPath := filepath.Join(dir, "invalid.json")
	if err := snapshot.WriteFileAtomic(invalidPath, []byte(`{"envelopes": 3}`), 0o600); err != nil {
		test.Fatalf("write invalid backup: %v", err)
	}
	_, err := runCommand(test, "import", invalidPath, "--"+flagStateDir, filepath.Join(dir, "state"), "--"+flagProbeTargets, "", "--"+flagWatchFiles, "")
	if err == nil || !strings.Contains(err.Error(), "Invalid backup file") {
		test.Fatalf("expected invalid backup error, got %v", err)
	}
}
