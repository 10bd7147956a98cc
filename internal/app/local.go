package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/snapshot"
	"github.com/MarkoPoloResearchLab/envelopes/internal/syncer"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"go.uber.org/zap"
)

const exportFileMode = 0o600

// Local is the on-disk ledger opened without the remote store, for offline tooling.
type Local struct {
	Ledger     *ledger.Store
	Reconciler *syncer.Reconciler
	Source     syncer.Source
}

type offlineChecker struct{}

func (offlineChecker) Check(context.Context) bool { return false }

func (offlineChecker) Testing() bool { return false }

// OpenLocal loads the cached ledger, falling back to the configured fallback snapshot.
func OpenLocal(ctx context.Context, cfg Config, logger *zap.Logger) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.StateDir, stateDirMode); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	store, err := newLedger(logger)
	if err != nil {
		return nil, err
	}
	reconciler, err := syncer.New(syncer.Config{
		Ledger:       store,
		Connectivity: offlineChecker{},
		Cache:        snapshot.NewFileCache(cfg.CachePath(), time.Now),
		FallbackPath: cfg.FallbackPath,
		Logger:       logger.Named("syncer"),
	})
	if err != nil {
		return nil, err
	}
	source, err := reconciler.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load local ledger: %w", err)
	}
	return &Local{Ledger: store, Reconciler: reconciler, Source: source}, nil
}

// Export writes a backup document to path, or to out when path is empty or "-".
func (local *Local) Export(path string, out io.Writer) error {
	encoded, err := local.Reconciler.ExportData()
	if err != nil {
		return err
	}
	if path == "" || path == "-" {
		_, err := out.Write(append(encoded, '\n'))
		return err
	}
	return snapshot.WriteFileAtomic(path, encoded, exportFileMode)
}

// Import replaces the local ledger with the backup at path. The cache is rewritten on success.
func (local *Local) Import(ctx context.Context, path string) (syncer.ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return syncer.ImportResult{}, fmt.Errorf("read backup: %w", err)
	}
	return local.Reconciler.ImportData(ctx, data), nil
}

// CheckConnectivity runs a single connectivity check with the configured probes.
func CheckConnectivity(ctx context.Context, cfg Config, logger *zap.Logger) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor, err := newMonitor(cfg, logger)
	if err != nil {
		return false, err
	}
	return monitor.Check(ctx), nil
}
