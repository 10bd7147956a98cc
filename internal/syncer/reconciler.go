package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/remote"
	"github.com/MarkoPoloResearchLab/envelopes/internal/session"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultCheckInterval = 30 * time.Second
	changeQueueSize      = 256
	errorBufferSize      = 16
)

var (
	// ErrInvalidConfig indicates a Reconciler cannot be constructed.
	ErrInvalidConfig = errors.New("invalid reconciler config")
	// ErrLocalOnly indicates no remote store is configured.
	ErrLocalOnly = errors.New("remote store not configured")
	// ErrNotAuthenticated indicates no user is signed in.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrOffline indicates the remote store is unreachable.
	ErrOffline = errors.New("offline")
)

// Status is the reconciler state.
type Status string

const (
	StatusOffline     Status = "offline"
	StatusOnline      Status = "online"
	StatusSyncing     Status = "syncing"
	StatusPendingSync Status = "pending_sync"
)

// ConnectivityChecker decides whether the remote store is reachable.
type ConnectivityChecker interface {
	Check(ctx context.Context) bool
	Testing() bool
}

// SessionGate decides effective authentication.
type SessionGate interface {
	Evaluate(userID string, online bool) session.Decision
	SignOut()
}

// Cache persists the local state between runs together with the user it belongs to.
type Cache interface {
	Load() (snapshot ledger.Snapshot, owner string, found bool, err error)
	Save(owner string, snapshot ledger.Snapshot) error
	Clear() error
}

// Config wires a Reconciler. Remote may be nil for local-only operation.
type Config struct {
	Ledger        *ledger.Store
	Remote        remote.Store
	Connectivity  ConnectivityChecker
	Gate          SessionGate
	Cache         Cache
	FallbackPath  string
	CheckInterval time.Duration
	Triggers      []<-chan struct{}
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Meta is the observable sync state.
type Meta struct {
	Status              Status    `json:"status"`
	Online              bool      `json:"isOnline"`
	PendingSync         bool      `json:"pendingSync"`
	ResetPending        bool      `json:"resetPending"`
	TestingConnectivity bool      `json:"testingConnectivity"`
	UserID              string    `json:"userId,omitempty"`
	LastSync            time.Time `json:"lastSync,omitempty"`
}

type queuedChange struct {
	epoch  uint64
	change ledger.Change
}

// Reconciler mirrors local ledger changes to the remote store.
//
// Local mutations are never blocked on the network: the ledger notifies the reconciler of each
// committed change, and a single worker forwards them in commit order while online. A transient
// failure sets pendingSync and the next successful connectivity transition pushes the whole
// local state. Asynchronous failures are delivered on Errors.
type Reconciler struct {
	ledger        *ledger.Store
	remote        remote.Store
	connectivity  ConnectivityChecker
	gate          SessionGate
	cache         Cache
	fallbackPath  string
	checkInterval time.Duration
	triggers      []<-chan struct{}
	logger        *zap.Logger
	clock         func() time.Time

	queue    chan queuedChange
	errs     chan error
	epoch    atomic.Uint64
	overflow atomic.Bool

	// pushMu serializes every remote write.
	pushMu sync.Mutex
	// authMu serializes user switches.
	authMu sync.Mutex

	mu     sync.Mutex
	userID string
	// owner is the user whose data the local state holds. It outlives a denied session.
	owner  string

	online       bool
	pendingSync  bool
	resetPending bool
	syncing      bool
	lastSync     time.Time
	runCtx       context.Context
	subscription context.CancelFunc
	subscribedTo string
	updates      <-chan remote.Update
}

// New validates cfg and registers the reconciler as a ledger change observer.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	}
	if cfg.Connectivity == nil {
		return nil, fmt.Errorf("%w: connectivity checker is nil", ErrInvalidConfig)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	reconciler := &Reconciler{
		ledger:        cfg.Ledger,
		remote:        cfg.Remote,
		connectivity:  cfg.Connectivity,
		gate:          cfg.Gate,
		cache:         cfg.Cache,
		fallbackPath:  cfg.FallbackPath,
		checkInterval: cfg.CheckInterval,
		triggers:      append([]<-chan struct{}{}, cfg.Triggers...),
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		queue:         make(chan queuedChange, changeQueueSize),
		errs:          make(chan error, errorBufferSize),
	}
	cfg.Ledger.AddObserver(reconciler)
	return reconciler, nil
}

// ObserveChange queues a committed ledger change. It never blocks: when the queue is full the
// change is dropped and a full sync is scheduled instead.
func (reconciler *Reconciler) ObserveChange(change ledger.Change) {
	select {
	case reconciler.queue <- queuedChange{epoch: reconciler.epoch.Load(), change: change}:
	default:
		reconciler.overflow.Store(true)
	}
}

// Errors delivers asynchronous remote failures.
func (reconciler *Reconciler) Errors() <-chan error {
	return reconciler.errs
}

// Meta returns the current sync state.
func (reconciler *Reconciler) Meta() Meta {
	testing := reconciler.connectivity.Testing()
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	meta := Meta{
		Online:              reconciler.online,
		PendingSync:         reconciler.pendingSync,
		ResetPending:        reconciler.resetPending,
		TestingConnectivity: testing,
		UserID:              reconciler.userID,
		LastSync:            reconciler.lastSync,
	}
	switch {
	case reconciler.syncing:
		meta.Status = StatusSyncing
	case reconciler.pendingSync || reconciler.resetPending:
		meta.Status = StatusPendingSync
	case reconciler.online:
		meta.Status = StatusOnline
	default:
		meta.Status = StatusOffline
	}
	return meta
}

// MarkOnline records that the remote store just answered successfully.
func (reconciler *Reconciler) MarkOnline() {
	reconciler.mu.Lock()
	reconciler.online = true
	reconciler.mu.Unlock()
}

// UpdateOnlineStatus runs a connectivity check. Coming back online with pending work starts a
// full sync.
func (reconciler *Reconciler) UpdateOnlineStatus(ctx context.Context) bool {
	online := reconciler.connectivity.Check(ctx)

	reconciler.mu.Lock()
	wasOnline := reconciler.online
	reconciler.online = online
	pending := reconciler.pendingSync || reconciler.resetPending
	userID := reconciler.userID
	reconciler.mu.Unlock()

	if online && !wasOnline {
		reconciler.logger.Info("remote store reachable", zap.Bool("pending_sync", pending))
	}
	if online && pending && userID != "" && reconciler.remote != nil {
		if err := reconciler.SyncData(ctx); err != nil {
			reconciler.report(err)
		}
	}
	reconciler.ensureSubscription()
	return online
}

// Run forwards queued changes, re-checks connectivity on a timer and on triggers, and applies
// remote push updates until ctx is done.
func (reconciler *Reconciler) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	for _, trigger := range reconciler.triggers {
		go forward(ctx, trigger, wake)
	}
	ticker := time.NewTicker(reconciler.checkInterval)
	defer ticker.Stop()
	reconciler.mu.Lock()
	reconciler.runCtx = ctx
	reconciler.mu.Unlock()
	defer func() {
		reconciler.mu.Lock()
		reconciler.runCtx = nil
		reconciler.mu.Unlock()
		reconciler.stopSubscription()
	}()

	reconciler.UpdateOnlineStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case queued := <-reconciler.queue:
			reconciler.handleChange(ctx, queued)
		case <-ticker.C:
			reconciler.UpdateOnlineStatus(ctx)
		case <-wake:
			reconciler.UpdateOnlineStatus(ctx)
		case update, ok := <-reconciler.currentUpdates():
			if !ok {
				reconciler.clearSubscription()
				continue
			}
			reconciler.handleUpdate(update)
		}
	}
}

// Drain forwards every queued change without waiting for new ones.
func (reconciler *Reconciler) Drain(ctx context.Context) {
	for {
		select {
		case queued := <-reconciler.queue:
			reconciler.handleChange(ctx, queued)
		default:
			return
		}
	}
}

func forward(ctx context.Context, source <-chan struct{}, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-source:
			if !ok {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

func (reconciler *Reconciler) handleChange(ctx context.Context, queued queuedChange) {
	reconciler.persistCache()
	if queued.epoch != reconciler.epoch.Load() {
		return
	}
	if reconciler.remote == nil {
		return
	}

	reconciler.pushMu.Lock()
	defer reconciler.pushMu.Unlock()

	reconciler.mu.Lock()
	if reconciler.overflow.Swap(false) && reconciler.userID != "" {
		reconciler.pendingSync = true
	}
	userID := reconciler.userID
	push := userID != "" && reconciler.online && !reconciler.pendingSync && !reconciler.resetPending
	if userID != "" && !push {
		reconciler.pendingSync = true
	}
	reconciler.mu.Unlock()
	if !push {
		return
	}

	err := reconciler.remote.Apply(ctx, userID, queued.change.Writes)
	if err == nil {
		reconciler.ledger.Acknowledge(queued.change)
		reconciler.MarkOnline()
		return
	}
	reconciler.mu.Lock()
	reconciler.pendingSync = true
	if remote.IsTransient(err) {
		reconciler.online = false
	}
	reconciler.mu.Unlock()

	if remote.IsTransient(err) {
		reconciler.logger.Warn("remote write deferred", zap.String("operation", queued.change.Operation), zap.Error(err))
		return
	}
	reconciler.report(fmt.Errorf("mirror %s: %w", queued.change.Operation, err))
}

func (reconciler *Reconciler) handleUpdate(update remote.Update) {
	reconciler.mu.Lock()
	skip := reconciler.pendingSync || reconciler.resetPending || reconciler.syncing || reconciler.userID == ""
	reconciler.mu.Unlock()
	if skip || len(reconciler.queue) > 0 {
		reconciler.logger.Debug("remote update skipped", zap.String("collection", string(update.Collection)))
		return
	}
	result, applied := reconciler.ledger.ApplyRemoteUpdate(update.LoadedAt, update.Snapshot, update.Collection)
	if !applied {
		reconciler.logger.Debug("stale remote update dropped", zap.String("collection", string(update.Collection)))
		return
	}
	if result.CorrectedBalances > 0 {
		reconciler.logger.Info("balances recomputed from remote transactions", zap.Int("corrected", result.CorrectedBalances))
	}
	reconciler.persistCache()
}

// ensureSubscription keeps one push subscription for the signed-in user while online and
// while Run is active.
func (reconciler *Reconciler) ensureSubscription() {
	if reconciler.remote == nil {
		return
	}
	reconciler.mu.Lock()
	runCtx := reconciler.runCtx
	userID := reconciler.userID
	wanted := runCtx != nil && userID != "" && reconciler.online
	current := reconciler.subscribedTo
	reconciler.mu.Unlock()
	if wanted && current == userID {
		return
	}
	reconciler.stopSubscription()
	if !wanted {
		return
	}

	subscriptionCtx, cancel := context.WithCancel(runCtx)
	updates, err := reconciler.remote.Subscribe(subscriptionCtx, userID)
	if err != nil {
		cancel()
		reconciler.logger.Warn("remote subscription failed", zap.Error(err))
		return
	}
	reconciler.mu.Lock()
	reconciler.subscription = cancel
	reconciler.subscribedTo = userID
	reconciler.updates = updates
	reconciler.mu.Unlock()
}

func (reconciler *Reconciler) currentUpdates() <-chan remote.Update {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	return reconciler.updates
}

func (reconciler *Reconciler) stopSubscription() {
	reconciler.mu.Lock()
	cancel := reconciler.subscription
	reconciler.subscription = nil
	reconciler.subscribedTo = ""
	reconciler.updates = nil
	reconciler.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (reconciler *Reconciler) clearSubscription() {
	reconciler.mu.Lock()
	reconciler.updates = nil
	reconciler.subscribedTo = ""
	reconciler.subscription = nil
	reconciler.mu.Unlock()
}

func (reconciler *Reconciler) persistCache() {
	if reconciler.cache == nil {
		return
	}
	reconciler.mu.Lock()
	owner := reconciler.owner
	reconciler.mu.Unlock()
	if err := reconciler.cache.Save(owner, reconciler.ledger.Snapshot()); err != nil {
		reconciler.logger.Warn("persist local cache failed", zap.Error(err))
	}
}

func (reconciler *Reconciler) report(err error) {
	if err == nil {
		return
	}
	select {
	case reconciler.errs <- err:
	default:
		reconciler.logger.Error("remote error dropped", zap.Error(err))
	}
}

func (reconciler *Reconciler) canReachRemote() (string, error) {
	if reconciler.remote == nil {
		return "", ErrLocalOnly
	}
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	if reconciler.userID == "" {
		return "", ErrNotAuthenticated
	}
	if !reconciler.online {
		return reconciler.userID, ErrOffline
	}
	return reconciler.userID, nil
}
