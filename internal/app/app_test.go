package app

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/session"
	"github.com/MarkoPoloResearchLab/envelopes/internal/snapshot"
	"github.com/MarkoPoloResearchLab/envelopes/internal/syncer"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var fixedTime = time.Date(2024, time.April, 2, 8, 0, 0, 0, time.UTC)

func TestConfigValidateDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("Validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.StateDir != defaultStateDir {
		test.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.GracePeriod != session.DefaultGracePeriod {
		test.Fatalf("grace period = %s", cfg.GracePeriod)
	}
	if cfg.ProbeTimeout != defaultProbeTimeout || cfg.CheckInterval != defaultCheckInterval {
		test.Fatalf("unexpected timings: %s %s", cfg.ProbeTimeout, cfg.CheckInterval)
	}
	if len(cfg.ProbeTargets) == 0 || len(cfg.WatchFiles) == 0 {
		test.Fatalf("expected default probes and watched files")
	}
	if !cfg.LocalOnly() || cfg.AuthEnabled() {
		test.Fatalf("expected local-only mode without auth")
	}
	if cfg.CachePath() != filepath.Join(defaultStateDir, cacheFileName) {
		test.Fatalf("cache path = %s", cfg.CachePath())
	}
}

func TestConfigValidateRejects(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "database without signing key", cfg: Config{DatabaseURL: "sqlite:///tmp/envelopes.db"}},
		{name: "negative grace period", cfg: Config{GracePeriod: -time.Hour}},
		{name: "unsupported probe", cfg: Config{ProbeTargets: []string{"ftp://example.com"}}},
		{name: "database without probes", cfg: Config{DatabaseURL: "sqlite:///tmp/envelopes.db", SessionSigningKey: "secret", ProbeTargets: []string{}}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cfg := testCase.cfg
			if err := cfg.Validate(); err == nil {
				test.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseList(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw  string
		want []string
	}{
		{raw: "", want: []string{}},
		{raw: " http://a , ,http://b", want: []string{"http://a", "http://b"}},
	}
	for _, testCase := range testCases {
		if got := ParseList(testCase.raw); !reflect.DeepEqual(got, testCase.want) {
			test.Fatalf("ParseList(%q) = %v, want %v", testCase.raw, got, testCase.want)
		}
	}
}

func TestOperationLoggerLevels(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := newOperationLogger(zap.New(core))

	adapter.LogOperation(ledger.OperationLog{Operation: "add_to_envelope", EnvelopeID: "env-1", Amount: decimal.RequireFromString("5"), Status: "ok"})
	adapter.LogOperation(ledger.OperationLog{Operation: "delete_envelope", EnvelopeID: "env-2", Status: "error", Error: ledger.ErrUnknownEnvelope})

	entries := logs.All()
	if len(entries) != 2 {
		test.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[0].ContextMap()["amount"] != "5" {
		test.Fatalf("unexpected success entry: %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["envelope_id"] != "env-2" {
		test.Fatalf("unexpected failure entry: %+v", entries[1])
	}
}

func TestLocalImportExport(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	dir := test.TempDir()
	cfg := Config{StateDir: filepath.Join(dir, "state"), ProbeTargets: []string{}, WatchFiles: []string{}}

	local, err := OpenLocal(ctx, cfg, nil)
	if err != nil {
		test.Fatalf("OpenLocal: %v", err)
	}
	if local.Source != syncer.SourceEmpty {
		test.Fatalf("source = %s, want empty", local.Source)
	}

	backup := ledger.Snapshot{
		Envelopes: []ledger.Envelope{{ID: "env-1", Name: "Rent", CurrentBalance: decimal.RequireFromString("900"), IsActive: true}},
		Transactions: []ledger.Transaction{{
			ID:          "tx-1",
			Date:        fixedTime,
			Amount:      decimal.RequireFromString("900"),
			Description: "Paycheck",
			EnvelopeID:  "env-1",
			Type:        ledger.TransactionIncome,
		}},
	}
	backupPath := filepath.Join(dir, "backup.json")
	if err := snapshot.WriteFile(backupPath, backup, fixedTime); err != nil {
		test.Fatalf("write backup: %v", err)
	}
	result, err := local.Import(ctx, backupPath)
	if err != nil {
		test.Fatalf("Import: %v", err)
	}
	if !result.Success || result.Envelopes != 1 || result.Transactions != 1 {
		test.Fatalf("unexpected import result %+v", result)
	}
	if _, err := local.Import(ctx, filepath.Join(dir, "missing.json")); err == nil {
		test.Fatalf("expected error for missing backup")
	}

	reopened, err := OpenLocal(ctx, cfg, nil)
	if err != nil {
		test.Fatalf("reopen: %v", err)
	}
	if reopened.Source != syncer.SourceCache {
		test.Fatalf("source = %s, want cache", reopened.Source)
	}
	if total := reopened.Ledger.TotalBalance(); !total.Equal(decimal.RequireFromString("900")) {
		test.Fatalf("total = %s, want 900", total)
	}
	if mismatches := reopened.Ledger.VerifyBalances(); len(mismatches) != 0 {
		test.Fatalf("unexpected mismatches %+v", mismatches)
	}

	exportPath := filepath.Join(dir, "export.json")
	if err := reopened.Export(exportPath, nil); err != nil {
		test.Fatalf("Export: %v", err)
	}
	exported, err := snapshot.ReadFile(exportPath)
	if err != nil {
		test.Fatalf("read export: %v", err)
	}
	if len(exported.Envelopes) != 1 || exported.Envelopes[0].Name != "Rent" {
		test.Fatalf("unexpected export %+v", exported)
	}

	var stdout bytes.Buffer
	if err := reopened.Export("-", &stdout); err != nil {
		test.Fatalf("Export to writer: %v", err)
	}
	if _, err := snapshot.Decode(stdout.Bytes()); err != nil {
		test.Fatalf("stdout export not decodable: %v", err)
	}
}

func TestCheckConnectivityWithoutProbes(test *testing.T) {
	test.Parallel()
	cfg := Config{StateDir: test.TempDir(), ProbeTargets: []string{}, WatchFiles: []string{}}
	if _, err := CheckConnectivity(context.Background(), cfg, nil); err != nil {
		test.Fatalf("CheckConnectivity: %v", err)
	}
	invalid := Config{ProbeTargets: []string{"nope"}}
	if _, err := CheckConnectivity(context.Background(), invalid, nil); err == nil {
		test.Fatalf("expected invalid probe error")
	}
}

func TestRunRejectsInvalidConfig(test *testing.T) {
	test.Parallel()
	err := Run(context.Background(), Config{DatabaseURL: "postgres://localhost/envelopes"}, nil)
	if err == nil || errors.Is(err, context.Canceled) {
		test.Fatalf("expected config error, got %v", err)
	}
}
