package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/connectivity"
	"github.com/MarkoPoloResearchLab/envelopes/internal/httpapi"
	"github.com/MarkoPoloResearchLab/envelopes/internal/remote"
	"github.com/MarkoPoloResearchLab/envelopes/internal/session"
	"github.com/MarkoPoloResearchLab/envelopes/internal/snapshot"
	"github.com/MarkoPoloResearchLab/envelopes/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/envelopes/internal/syncer"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 5 * time.Second
	stateDirMode    = 0o700
)

// Run boots the reconciler and the HTTP facade and blocks until ctx is done.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.StateDir, stateDirMode); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	store, err := newLedger(logger)
	if err != nil {
		return err
	}
	monitor, err := newMonitor(cfg, logger)
	if err != nil {
		return err
	}

	reconcilerConfig := syncer.Config{
		Ledger:        store,
		Connectivity:  monitor,
		Cache:         snapshot.NewFileCache(cfg.CachePath(), time.Now),
		FallbackPath:  cfg.FallbackPath,
		CheckInterval: cfg.CheckInterval,
		Logger:        logger.Named("syncer"),
	}

	trigger, err := connectivity.WatchFiles(cfg.WatchFiles, 0, logger.Named("connectivity"))
	if err != nil {
		logger.Warn("network change trigger unavailable", zap.Error(err))
	} else {
		reconcilerConfig.Triggers = append(reconcilerConfig.Triggers, trigger.C())
		group.Go(func() error { return trigger.Run(groupCtx) })
	}

	if !cfg.LocalOnly() {
		remoteStore, cleanup, err := openRemote(groupCtx, group, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = cleanup() }()
		reconcilerConfig.Remote = remoteStore
	}

	var verifier *session.TokenVerifier
	var validator *sessionvalidator.Validator
	if cfg.AuthEnabled() {
		gate, err := session.NewGate(session.GateConfig{
			GracePeriod: cfg.GracePeriod,
			Store:       session.NewFileStateStore(cfg.SessionStatePath()),
			Logger:      logger.Named("session"),
		})
		if err != nil {
			return fmt.Errorf("session gate: %w", err)
		}
		reconcilerConfig.Gate = gate
		verifier, err = session.NewTokenVerifier(session.TokenVerifierConfig{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return fmt.Errorf("token verifier: %w", err)
		}
		validator, err = sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return fmt.Errorf("session validator: %w", err)
		}
	}

	reconciler, err := syncer.New(reconcilerConfig)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}
	if _, err := reconciler.Load(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}

	router, err := httpapi.NewRouter(httpapi.Config{
		Ledger:           store,
		Reconciler:       reconciler,
		Verifier:         verifier,
		SessionValidator: validator,
		AllowedOrigins:   cfg.AllowedOrigins,
		Logger:           logger.Named("http"),
	})
	if err != nil {
		return err
	}

	group.Go(func() error { return reconciler.Run(groupCtx) })
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case err := <-reconciler.Errors():
				logger.Error("remote mirror failed", zap.Error(err))
			}
		}
	})
	group.Go(func() error {
		return serveHTTP(groupCtx, &http.Server{Addr: cfg.ListenAddr, Handler: router}, logger)
	})
	return group.Wait()
}

func serveHTTP(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("envelopes listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLedger(logger *zap.Logger) (*ledger.Store, error) {
	store, err := ledger.NewStore(time.Now, ledger.WithOperationLogger(newOperationLogger(logger.Named("ledger"))))
	if err != nil {
		return nil, fmt.Errorf("ledger init: %w", err)
	}
	return store, nil
}

func newMonitor(cfg Config, logger *zap.Logger) (*connectivity.Monitor, error) {
	probes, err := connectivity.ParseProbes(cfg.ProbeTargets)
	if err != nil {
		return nil, err
	}
	monitor, err := connectivity.NewMonitor(connectivity.Config{
		Interfaces:   connectivity.SystemInterfaces{},
		Probes:       probes,
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       logger.Named("connectivity"),
	})
	if err != nil {
		return nil, fmt.Errorf("connectivity monitor: %w", err)
	}
	return monitor, nil
}

// openRemote connects the document store. On PostgreSQL, commits are announced with NOTIFY
// and a listener wakes subscriptions without waiting for the next poll.
func openRemote(ctx context.Context, group *errgroup.Group, cfg Config, logger *zap.Logger) (remote.Store, func() error, error) {
	db, cleanup, driver, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.PrepareSchema(db); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	options := []gormstore.Option{gormstore.WithPollInterval(cfg.PollInterval)}
	if driver == gormstore.DriverPostgres {
		listener, err := gormstore.ListenForChanges(cfg.DatabaseURL, cfg.NotifyChannel, logger.Named("notify"))
		if err != nil {
			logger.Warn("change notifications unavailable; polling only", zap.Error(err))
		} else {
			options = append(options, gormstore.WithChangeNotification(cfg.NotifyChannel), gormstore.WithWakeups(listener.Wakeups()))
			group.Go(func() error { return listener.Run(ctx) })
		}
	}
	logger.Info("remote store ready", zap.String("driver", driver))
	return gormstore.New(db, options...), cleanup, nil
}
