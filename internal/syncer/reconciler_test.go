package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/remote"
	"github.com/MarkoPoloResearchLab/envelopes/internal/session"
	"github.com/MarkoPoloResearchLab/envelopes/internal/snapshot"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/shopspring/decimal"
)

const testUserID = "user-1"

var fixedTime = time.Date(2024, time.April, 2, 8, 0, 0, 0, time.UTC)

type stubConnectivity struct {
	online atomic.Bool
	checks atomic.Int32
}

func (connectivity *stubConnectivity) Check(ctx context.Context) bool {
	connectivity.checks.Add(1)
	return connectivity.online.Load()
}

func (connectivity *stubConnectivity) Testing() bool { return false }

type harness struct {
	ledger       *ledger.Store
	remote       *remote.MemoryStore
	connectivity *stubConnectivity
	cache        *snapshot.FileCache
	reconciler   *Reconciler
	dir          string
}

type harnessOption func(*Config)

func newHarness(test *testing.T, online bool, options ...harnessOption) *harness {
	test.Helper()
	var counter atomic.Int64
	store, err := ledger.NewStore(func() time.Time { return fixedTime }, ledger.WithIDGenerator(func() string {
		return fmt.Sprintf("id-%03d", counter.Add(1))
	}))
	if err != nil {
		test.Fatalf("ledger init failed: %v", err)
	}
	dir := test.TempDir()
	connectivity := &stubConnectivity{}
	connectivity.online.Store(online)
	memory := remote.NewMemoryStore()
	cache := snapshot.NewFileCache(filepath.Join(dir, "cache.json"), func() time.Time { return fixedTime })
	cfg := Config{
		Ledger:       store,
		Remote:       memory,
		Connectivity: connectivity,
		Cache:        cache,
		Clock:        func() time.Time { return fixedTime },
	}
	for _, option := range options {
		option(&cfg)
	}
	reconciler, err := New(cfg)
	if err != nil {
		test.Fatalf("reconciler init failed: %v", err)
	}
	return &harness{ledger: store, remote: memory, connectivity: connectivity, cache: cache, reconciler: reconciler, dir: dir}
}

func (h *harness) signIn(test *testing.T) {
	test.Helper()
	ctx := context.Background()
	h.reconciler.UpdateOnlineStatus(ctx)
	if err := h.reconciler.SetUser(ctx, testUserID); err != nil {
		test.Fatalf("SetUser: %v", err)
	}
}

func (h *harness) setOnline(test *testing.T, online bool) {
	test.Helper()
	h.connectivity.online.Store(online)
	if got := h.reconciler.UpdateOnlineStatus(context.Background()); got != online {
		test.Fatalf("UpdateOnlineStatus = %t, want %t", got, online)
	}
}

func (h *harness) remoteSnapshot(test *testing.T) ledger.Snapshot {
	test.Helper()
	h.remote.SetFailure(nil)
	loaded, err := h.remote.Load(context.Background(), testUserID)
	if err != nil {
		test.Fatalf("remote load: %v", err)
	}
	return loaded
}

func mustCreateEnvelope(test *testing.T, store *ledger.Store, name string, initial string) ledger.Envelope {
	test.Helper()
	envelope, err := store.CreateEnvelope(name, decimal.RequireFromString(initial))
	if err != nil {
		test.Fatalf("create envelope %q failed: %v", name, err)
	}
	return envelope
}

func mustPositiveAmount(test *testing.T, raw string) ledger.PositiveAmount {
	test.Helper()
	amount, err := ledger.ParsePositiveAmount(raw)
	if err != nil {
		test.Fatalf("invalid amount %q: %v", raw, err)
	}
	return amount
}

func findEnvelope(snapshot ledger.Snapshot, envelopeID string) (ledger.Envelope, bool) {
	for _, envelope := range snapshot.Envelopes {
		if envelope.ID == envelopeID {
			return envelope, true
		}
	}
	return ledger.Envelope{}, false
}

func TestNewRequiresCollaborators(test *testing.T) {
	test.Parallel()
	if _, err := New(Config{}); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	store, err := ledger.NewStore(time.Now)
	if err != nil {
		test.Fatalf("ledger init failed: %v", err)
	}
	if _, err := New(Config{Ledger: store}); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig without connectivity, got %v", err)
	}
}

func TestReconcilerMirrorsChangesWhenOnline(test *testing.T) {
	test.Parallel()
	h := newHarness(test, true)
	h.signIn(test)
	ctx := context.Background()

	envelope := mustCreateEnvelope(test, h.ledger, "Groceries", "100")
	if _, err := h.ledger.AddToEnvelope(envelope.ID, mustPositiveAmount(test, "20"), "bonus", time.Time{}); err != nil {
		test.Fatalf("add: %v", err)
	}
	h.reconciler.Drain(ctx)

	mirrored := h.remoteSnapshot(test)
	remoteEnvelope, found := findEnvelope(mirrored, envelope.ID)
	if !found || !remoteEnvelope.CurrentBalance.Equal(decimal.NewFromInt(120)) {
		test.Fatalf("expected remote balance 120, got %+v", mirrored.Envelopes)
	}
	if len(mirrored.Transactions) != 2 {
		test.Fatalf("expected 2 remote transactions, got %d", len(mirrored.Transactions))
	}
	meta := h.reconciler.Meta()
	if meta.Status != StatusOnline || meta.PendingSync || meta.UserID != testUserID {
		test.Fatalf("unexpected meta %+v", meta)
	}

	cached, owner, found, err := h.cache.Load()
	if err != nil || !found || len(cached.Envelopes) != 1 {
		test.Fatalf("expected cached state, got %+v, %t, %v", cached, found, err)
	}
	if owner != testUserID {
		test.Fatalf("cache owner = %q, want %q", owner, testUserID)
	}
}

func TestReconcilerDefersWhileOffline(test *testing.T) {
	test.Parallel()
	h := newHarness(test, true)
	h.signIn(test)
	h.setOnline(test, false)
	ctx := context.Background()

	envelope := mustCreateEnvelope(test, h.ledger, "Rent", "900")
	h.reconciler.Drain(ctx)

	meta := h.reconciler.Meta()
	if !meta.PendingSync || meta.Status != StatusPendingSync || meta.Online {
		test.Fatalf("expected pending offline state, got %+v", meta)
	}
	if applied := h.remote.AppliedChanges(); applied != 0 {
		test.Fatalf("expected no remote writes while offline, got %d", applied)
	}
	if _, err := h.ledger.Envelope(envelope.ID); err != nil {
		test.Fatalf("local state must keep the envelope: %v", err)
	}

	h.setOnline(test, true)
	mirrored := h.remoteSnapshot(test)
	if _, found := findEnvelope(mirrored, envelope.ID); !found {
		test.Fatalf("expected envelope pushed after reconnect")
	}
	meta = h.reconciler.Meta()
	if meta.PendingSync || meta.Status != StatusOnline || !meta.LastSync.Equal(fixedTime) {
		test.Fatalf("expected synced state, got %+v", meta)
	}
}

func TestReconcilerTransientFailureKeepsLocalState(test *testing.T) {
	test.Parallel()
	h := newHarness(test, true)
	h.signIn(test)
	ctx := context.Background()

	h.remote.SetFailure(remote.NewError(remote.KindTransient, "apply", errors.New("unavailable")))
	envelope := mustCreateEnvelope(test, h.ledger, "Fuel", "40")
	h.reconciler.Drain(ctx)

	meta := h.reconciler.Meta()
	if !meta.PendingSync || meta.Online {
		test.Fatalf("expected pending and offline after transient failure, got %+v", meta)
	}
	select {
	case err := <-h.reconciler.Errors():
		test.Fatalf("transient failures must not be surfaced: %v", err)
	default:
	}
	if _, err := h.ledger.Envelope(envelope.ID); err != nil {
		test.Fatalf("local state rolled back: %v", err)
	}

	h.remote.SetFailure(nil)
	h.setOnline(test, true)
	if _, found := findEnvelope(h.remoteSnapshot(test), envelope.ID); !found {
		test.Fatalf("expected retry after reconnect")
	}
	if h.reconciler.Meta().PendingSync {
		test.Fatalf("expected pending flag cleared")
	}
}

func TestReconcilerPermanentFailureIsReported(test *testing.T) {
	test.Parallel()
	h := newHarness(test, true)
	h.signIn(test)
	ctx := context.Background()

	h.remote.SetFailure(remote.NewError(remote.KindPermanent, "apply", errors.New("permission denied")))
	envelope := mustCreateEnvelope(test, h.ledger, "Gifts", "0")
	h.reconciler.Drain(ctx)

	select {
	case err := <-h.reconciler.Errors():
		if remote.KindOf(err) != remote.KindPermanent {
			test.Fatalf("expected permanent kind, got %v", err)
		}
	default:
		test.Fatalf("expected permanent failure on the error channel")
	}
	if !h.reconciler.Meta().PendingSync {
		test.Fatalf("expected discrepancy flagged as pending")
	}
	if _, err := h.ledger.Envelope(envelope.ID); err != nil {
		test.Fatalf("local state rolled back: %v", err)
	}
}

func TestReconcilerLoadOrder(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	seeded := ledger.Snapshot{
		Envelopes:    []ledger.Envelope{{ID: "env-seed", Name: "Seed", IsActive: true}},
		Transactions: []ledger.Transaction{{ID: "tx-seed", Date: fixedTime, Amount: decimal.NewFromInt(15), EnvelopeID: "env-seed", Type: ledger.TransactionIncome}},
	}

	test.Run("remote", func(test *testing.T) {
		test.Parallel()
		h := newHarness(test, true)
		envelope := seeded.Envelopes[0]
		transaction := seeded.Transactions[0]
		if err := h.remote.Apply(ctx, testUserID, []ledger.DocumentWrite{
			{Kind: ledger.WritePut, Collection: ledger.CollectionEnvelopes, DocumentID: envelope.ID, Envelope: &envelope},
			{Kind: ledger.WritePut, Collection: ledger.CollectionTransactions, DocumentID: transaction.ID, Transaction: &transaction},
		}); err != nil {
			test.Fatalf("seed remote: %v", err)
		}
		h.signIn(test)
		source, err := h.reconciler.Load(ctx)
		if err != nil || source != SourceRemote {
			test.Fatalf("expected remote source, got %s, %v", source, err)
		}
		balance, err := h.ledger.Balance("env-seed")
		if err != nil || !balance.Equal(decimal.NewFromInt(15)) {
			test.Fatalf("expected recomputed balance 15, got %s, %v", balance, err)
		}
	})

	test.Run("cache when remote is unreachable", func(test *testing.T) {
		test.Parallel()
		h := newHarness(test, true)
		h.signIn(test)
		if err := h.cache.Save(testUserID, seeded); err != nil {
			test.Fatalf("seed cache: %v", err)
		}
		h.remote.SetFailure(remote.NewError(remote.KindTransient, "load", errors.New("timeout")))
		source, err := h.reconciler.Load(ctx)
		if err != nil || source != SourceCache {
			test.Fatalf("expected cache source, got %s, %v", source, err)
		}
		if h.reconciler.Meta().Online {
			test.Fatalf("expected offline after transient load failure")
		}
	})

	test.Run("fallback", func(test *testing.T) {
		test.Parallel()
		fallbackPath := filepath.Join(test.TempDir(), "fallback.json")
		if err := snapshot.WriteFile(fallbackPath, seeded, fixedTime); err != nil {
			test.Fatalf("write fallback: %v", err)
		}
		h := newHarness(test, false, func(cfg *Config) { cfg.FallbackPath = fallbackPath })
		source, err := h.reconciler.Load(ctx)
		if err != nil || source != SourceFallback {
			test.Fatalf("expected fallback source, got %s, %v", source, err)
		}
		if _, err := h.ledger.Envelope("env-seed"); err != nil {
			test.Fatalf("expected fallback envelope: %v", err)
		}
	})

	test.Run("empty", func(test *testing.T) {
		test.Parallel()
		h := newHarness(test, false, func(cfg *Config) { cfg.FallbackPath = filepath.Join(test.TempDir(), "missing.json") })
		source, err := h.reconciler.Load(ctx)
		if err != nil || source != SourceEmpty {
			test.Fatalf("expected empty source, got %s, %v", source, err)
		}
	})

	test.Run("invalid fallback", func(test *testing.T) {
		test.Parallel()
		fallbackPath := filepath.Join(test.TempDir(), "fallback.json")
		if err := os.WriteFile(fallbackPath, []byte(`{"envelopes": {}}`), 0o600); err != nil {
			test.Fatalf("write fallback: %v", err)
		}
		h := newHarness(test, false, func(cfg *Config) { cfg.FallbackPath = fallbackPath })
		if _, err := h.reconciler.Load(ctx); err == nil {
			test.Fatalf("expected error for invalid fallback")
		}
	})
}

func TestReconcilerResetData(test *testing.T) {
	test.Parallel()
	ctx := context.Background()

	test.Run("online", func(test *testing.T) {
		test.Parallel()
		h := newHarness(test, true)
		h.signIn(test)
		mustCreateEnvelope(test, h.ledger, "Travel", "50")
		h.reconciler.Drain(ctx)
		if err := h.reconciler.ResetData(ctx); err != nil {
			test.Fatalf("ResetData: %v", err)
		}
		if remaining := h.remoteSnapshot(test); len(remaining.Envelopes)+len(remaining.Transactions) != 0 {
			test.Fatalf("expected remote cleared, got %+v", remaining)
		}
		if len(h.ledger.Snapshot().Envelopes) != 0 {
			test.Fatalf("expected local state cleared")
		}
	})

	test.Run("offline defers remote deletion", func(test *testing.T) {
		test.Parallel()
		h := newHarness(test, true)
		h.signIn(test)
		mustCreateEnvelope(test, h.ledger, "Travel", "50")
		h.reconciler.Drain(ctx)
		h.setOnline(test, false)

		if err := h.reconciler.ResetData(ctx); err != nil {
			test.Fatalf("ResetData: %v", err)
		}
		meta := h.reconciler.Meta()
		if !meta.ResetPending || meta.Status != StatusPendingSync {
			test.Fatalf("expected reset pending, got %+v", meta)
		}
		if len(h.remoteSnapshot(test).Envelopes) != 1 {
			test.Fatalf("remote must be untouched while offline")
		}

		h.setOnline(test, true)
		if remaining := h.remoteSnapshot(test); len(remaining.Envelopes) != 0 {
			test.Fatalf("expected deferred reset applied, got %+v", remaining.Envelopes)
		}
		if h.reconciler.Meta().ResetPending {
			test.Fatalf("expected reset flag cleared")
		}
	})
}

func TestReconcilerImportData(test *testing.T) {
	test.Parallel()
	h := newHarness(test, true)
	h.signIn(test)
	ctx := context.Background()

	stale := mustCreateEnvelope(test, h.ledger, "Stale", "5")
	h.reconciler.Drain(ctx)

	invalid := h.reconciler.ImportData(ctx, []byte(`{"envelopes": [], "transactions": {}}`))
	if invalid.Success || !strings.HasPrefix(invalid.Message, "Invalid backup file") {
		test.Fatalf("expected rejection, got %+v", invalid)
	}
	if _, err := h.ledger.Envelope(stale.ID); err != nil {
		test.Fatalf("rejected import must not change state: %v", err)
	}

	backup := ledger.Snapshot{
		Envelopes: []ledger.Envelope{{ID: "env-food", Name: "Food", CurrentBalance: decimal.NewFromInt(999), IsActive: true}},
		Transactions: []ledger.Transaction{
			{ID: "tx-1", Date: fixedTime, Amount: decimal.NewFromInt(80), EnvelopeID: "env-food", Type: ledger.TransactionIncome, Description: "Paycheck"},
			{ID: "tx-2", Date: fixedTime, Amount: decimal.RequireFromString("12.50"), EnvelopeID: "env-food", Type: ledger.TransactionExpense, Description: "Market"},
		},
	}
	encoded, err := snapshot.Encode(backup, fixedTime)
	if err != nil {
		test.Fatalf("encode: %v", err)
	}
	result := h.reconciler.ImportData(ctx, encoded)
	if !result.Success || result.Message != "Successfully imported 1 envelopes and 2 transactions" {
		test.Fatalf("unexpected import result %+v", result)
	}
	balance, err := h.ledger.Balance("env-food")
	if err != nil || !balance.Equal(decimal.RequireFromString("67.50")) {
		test.Fatalf("expected recomputed balance 67.50, got %s, %v", balance, err)
	}

	h.reconciler.Drain(ctx)
	mirrored := h.remoteSnapshot(test)
	if _, found := findEnvelope(mirrored, stale.ID); found {
		test.Fatalf("expected stale remote envelope deleted by full sync")
	}
	if _, found := findEnvelope(mirrored, "env-food"); !found || len(mirrored.Transactions) != 2 {
		test.Fatalf("expected imported state pushed, got %+v", mirrored)
	}

	exported, err := h.reconciler.ExportData()
	if err != nil {
		test.Fatalf("ExportData: %v", err)
	}
	roundTrip, err := snapshot.Decode(exported)
	if err != nil || len(roundTrip.Transactions) != 2 {
		test.Fatalf("export round trip failed: %v", err)
	}
}

func TestReconcilerImportWhileOfflineIsPending(test *testing.T) {
	test.Parallel()
	h := newHarness(test, true)
	h.signIn(test)
	h.setOnline(test, false)
	encoded, err := snapshot.Encode(ledger.Snapshot{Envelopes: []ledger.Envelope{{ID: "env-a", Name: "A"}}}, fixedTime)
	if err != nil {
		test.Fatalf("encode: %v", err)
	}
	result := h.reconciler.ImportData(context.Background(), encoded)
	if !result.Success {
		test.Fatalf("import failed: %+v", result)
	}
	if !h.reconciler.Meta().PendingSync {
		test.Fatalf("expected pending sync after offline import")
	}
}

func TestReconcilerLogoutClearsState(test *testing.T) {
	test.Parallel()
	h := newHarness(test, true)
	h.signIn(test)
	mustCreateEnvelope(test, h.ledger, "Fun", "10")
	h.reconciler.Drain(context.Background())

	h.reconciler.HandleUserLogout()
	meta := h.reconciler.Meta()
	if meta.UserID != "" || meta.PendingSync || meta.ResetPending {
		test.Fatalf("unexpected meta after logout %+v", meta)
	}
	if len(h.ledger.Snapshot().Envelopes) != 0 {
		test.Fatalf("expected local entities cleared")
	}
	if _, err := os.Stat(h.cache.Path()); !errors.Is(err, os.ErrNotExist) {
		test.Fatalf("expected cache removed, got %v", err)
	}
	if err := h.reconciler.SyncData(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		test.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

type memoryStateStore struct {
	state session.State
}

func (store *memoryStateStore) Load() (session.State, error) { return store.state, nil }

func (store *memoryStateStore) Save(state session.State) error {
	store.state = state
	return nil
}

func TestReconcilerAuthenticateUsesGracePeriod(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		age      time.Duration
		expected bool
	}{
		{name: "three days", age: 3 * 24 * time.Hour, expected: true},
		{name: "eight days", age: 8 * 24 * time.Hour, expected: false},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			gate, err := session.NewGate(session.GateConfig{
				GracePeriod: 7 * 24 * time.Hour,
				Store:       &memoryStateStore{state: session.State{Authenticated: true, UserID: "user-7", LastAuthTime: fixedTime.Add(-testCase.age)}},
				Clock:       func() time.Time { return fixedTime },
			})
			if err != nil {
				test.Fatalf("NewGate: %v", err)
			}
			h := newHarness(test, false, func(cfg *Config) { cfg.Gate = gate })
			decision := h.reconciler.Authenticate(context.Background(), "")
			if decision.Authenticated != testCase.expected {
				test.Fatalf("Authenticated = %t, want %t", decision.Authenticated, testCase.expected)
			}
			expectedUser := ""
			if testCase.expected {
				expectedUser = "user-7"
			}
			if h.reconciler.Meta().UserID != expectedUser {
				test.Fatalf("UserID = %q, want %q", h.reconciler.Meta().UserID, expectedUser)
			}
		})
	}
}

func TestReconcilerRemoteUpdatesRespectPendingSync(test *testing.T) {
	test.Parallel()
	h := newHarness(test, true)
	h.signIn(test)

	update := remote.Update{
		Collection: ledger.CollectionEnvelopes,
		Snapshot:   ledger.Snapshot{Envelopes: []ledger.Envelope{{ID: "env-remote", Name: "From phone", IsActive: true}}},
		LoadedAt:   time.Now(),
	}
	h.reconciler.handleUpdate(update)
	if _, err := h.ledger.Envelope("env-remote"); err != nil {
		test.Fatalf("expected remote envelope applied: %v", err)
	}

	h.reconciler.setPending(true)
	h.reconciler.handleUpdate(remote.Update{Collection: ledger.CollectionEnvelopes, Snapshot: ledger.Snapshot{}, LoadedAt: time.Now()})
	if _, err := h.ledger.Envelope("env-remote"); err != nil {
		test.Fatalf("remote update must be ignored while pending: %v", err)
	}
}

func TestReconcilerDropsRemoteUpdatesLoadedBeforePush(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	h := newHarness(test, true)
	h.signIn(test)

	loadedAt := time.Now()
	before := h.remoteSnapshot(test)
	envelope := mustCreateEnvelope(test, h.ledger, "Fresh", "10")
	h.reconciler.Drain(ctx)

	h.reconciler.handleUpdate(remote.Update{Collection: ledger.CollectionEnvelopes, Snapshot: before, LoadedAt: loadedAt})
	h.reconciler.handleUpdate(remote.Update{Collection: ledger.CollectionTransactions, Snapshot: before, LoadedAt: loadedAt})
	if _, err := h.ledger.Envelope(envelope.ID); err != nil {
		test.Fatalf("local change reverted by an older snapshot: %v", err)
	}
	if balance, err := h.ledger.Balance(envelope.ID); err != nil || !balance.Equal(decimal.NewFromInt(10)) {
		test.Fatalf("balance = %s, %v, want 10", balance, err)
	}

	renamed, err := h.ledger.Envelope(envelope.ID)
	if err != nil {
		test.Fatalf("envelope lookup: %v", err)
	}
	renamed.Name = "Renamed on phone"
	fresh := ledger.Snapshot{Envelopes: []ledger.Envelope{renamed}}
	h.reconciler.handleUpdate(remote.Update{Collection: ledger.CollectionEnvelopes, Snapshot: fresh, LoadedAt: time.Now()})
	if current, err := h.ledger.Envelope(envelope.ID); err != nil || current.Name != "Renamed on phone" {
		test.Fatalf("fresh update not applied: %+v, %v", current, err)
	}
}

func TestReconcilerDeniedSessionIsNotInheritedByNextUser(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	const nextUserID = "user-2"
	h := newHarness(test, true)
	h.signIn(test)
	private := mustCreateEnvelope(test, h.ledger, "A private", "40")
	h.reconciler.Drain(ctx)

	if decision := h.reconciler.Authenticate(ctx, ""); decision.Authenticated {
		test.Fatalf("expected the expired session to be denied")
	}
	if _, err := h.ledger.Envelope(private.ID); err != nil {
		test.Fatalf("a denied session keeps the local state: %v", err)
	}
	h.setOnline(test, false)

	if decision := h.reconciler.Authenticate(ctx, nextUserID); !decision.Authenticated {
		test.Fatalf("expected %s to be signed in", nextUserID)
	}
	if meta := h.reconciler.Meta(); meta.UserID != nextUserID {
		test.Fatalf("UserID = %q, want %q", meta.UserID, nextUserID)
	}
	if envelopes := h.ledger.Snapshot().Envelopes; len(envelopes) != 0 {
		test.Fatalf("next user inherited %+v", envelopes)
	}
	if _, owner, found, err := h.cache.Load(); err != nil || (found && owner != nextUserID) {
		test.Fatalf("cache still holds %q state: found=%t err=%v", owner, found, err)
	}

	budget := mustCreateEnvelope(test, h.ledger, "B budget", "5")
	h.reconciler.Drain(ctx)
	if !h.reconciler.Meta().PendingSync {
		test.Fatalf("expected offline edit to be pending")
	}
	h.setOnline(test, true)

	nextRemote, err := h.remote.Load(ctx, nextUserID)
	if err != nil {
		test.Fatalf("remote load: %v", err)
	}
	if len(nextRemote.Envelopes) != 1 || nextRemote.Envelopes[0].ID != budget.ID {
		test.Fatalf("unexpected remote state for %s: %+v", nextUserID, nextRemote.Envelopes)
	}
	previousRemote := h.remoteSnapshot(test)
	if _, found := findEnvelope(previousRemote, private.ID); !found || len(previousRemote.Envelopes) != 1 {
		test.Fatalf("previous user's remote state changed: %+v", previousRemote.Envelopes)
	}
}

func TestReconcilerCachedStateOfAnotherUserIsDiscarded(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	h := newHarness(test, false)
	seeded := ledger.Snapshot{Envelopes: []ledger.Envelope{{ID: "env-other", Name: "Other", IsActive: true}}}
	if err := h.cache.Save("user-9", seeded); err != nil {
		test.Fatalf("seed cache: %v", err)
	}
	if source, err := h.reconciler.Load(ctx); err != nil || source != SourceCache {
		test.Fatalf("expected cache source before sign-in, got %s, %v", source, err)
	}

	if err := h.reconciler.SetUser(ctx, testUserID); err != nil && !errors.Is(err, ErrOffline) {
		test.Fatalf("SetUser: %v", err)
	}
	if _, err := h.ledger.Envelope("env-other"); !errors.Is(err, ledger.ErrUnknownEnvelope) {
		test.Fatalf("expected the other user's envelope gone, got %v", err)
	}
	if _, _, found, err := h.cache.Load(); err != nil || found {
		test.Fatalf("expected the other user's cache removed: found=%t err=%v", found, err)
	}

	if err := h.cache.Save(testUserID, seeded); err != nil {
		test.Fatalf("seed own cache: %v", err)
	}
	if source, err := h.reconciler.Load(ctx); err != nil || source != SourceCache {
		test.Fatalf("expected own cache to load, got %s, %v", source, err)
	}
}

func TestReconcilerRunMirrorsAndSubscribes(test *testing.T) {
	test.Parallel()
	trigger := make(chan struct{})
	h := newHarness(test, true, func(cfg *Config) {
		cfg.Triggers = []<-chan struct{}{trigger}
		cfg.CheckInterval = time.Hour
	})
	h.signIn(test)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.reconciler.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	envelope := mustCreateEnvelope(test, h.ledger, "Savings", "250")
	waitFor(test, "local change mirrored", func() bool {
		loaded, err := h.remote.Load(context.Background(), testUserID)
		if err != nil {
			return false
		}
		_, found := findEnvelope(loaded, envelope.ID)
		return found
	})

	other := ledger.Envelope{ID: "env-phone", Name: "Phone", IsActive: true, OrderIndex: 9}
	waitFor(test, "remote change applied", func() bool {
		if err := h.remote.Apply(context.Background(), testUserID, []ledger.DocumentWrite{
			{Kind: ledger.WritePut, Collection: ledger.CollectionEnvelopes, DocumentID: other.ID, Envelope: &other},
		}); err != nil {
			return false
		}
		_, err := h.ledger.Envelope(other.ID)
		return err == nil
	})

	before := h.connectivity.checks.Load()
	trigger <- struct{}{}
	waitFor(test, "trigger re-check", func() bool { return h.connectivity.checks.Load() > before })
}

func waitFor(test *testing.T, description string, condition func() bool) {
	test.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	test.Fatalf("timed out waiting for %s", description)
}

func TestFullStateWrites(test *testing.T) {
	test.Parallel()
	local := ledger.Snapshot{
		Envelopes:    []ledger.Envelope{{ID: "keep"}},
		Transactions: []ledger.Transaction{{ID: "tx-keep", EnvelopeID: "keep"}},
		AppSettings:  &ledger.AppSettings{Theme: ledger.ThemeDark},
	}
	remoteState := ledger.Snapshot{
		Envelopes:             []ledger.Envelope{{ID: "keep"}, {ID: "gone"}},
		Transactions:          []ledger.Transaction{{ID: "tx-gone"}},
		DistributionTemplates: []ledger.DistributionTemplate{{ID: "tpl-gone"}},
	}
	writes := fullStateWrites(local, remoteState)

	var deletes, puts []string
	for _, write := range writes {
		switch write.Kind {
		case ledger.WriteDelete:
			deletes = append(deletes, string(write.Collection)+"/"+write.DocumentID)
		case ledger.WritePut:
			puts = append(puts, string(write.Collection)+"/"+write.DocumentID)
		}
	}
	expectedDeletes := []string{"transactions/tx-gone", "envelopes/gone", "distributionTemplates/tpl-gone"}
	expectedPuts := []string{"envelopes/keep", "transactions/tx-keep", "appSettings/settings"}
	if strings.Join(deletes, ",") != strings.Join(expectedDeletes, ",") {
		test.Fatalf("deletes = %v, want %v", deletes, expectedDeletes)
	}
	if strings.Join(puts, ",") != strings.Join(expectedPuts, ",") {
		test.Fatalf("puts = %v, want %v", puts, expectedPuts)
	}
}
