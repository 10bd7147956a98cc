package syncer

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/envelopes/internal/remote"
	"github.com/MarkoPoloResearchLab/envelopes/internal/snapshot"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"go.uber.org/zap"
)

// Source names where the initial state came from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceEmpty    Source = "empty"
)

// ImportResult reports the outcome of ImportData.
type ImportResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Envelopes    int    `json:"envelopes"`
	Transactions int    `json:"transactions"`
}

// Load fills the ledger from the first available source: the remote store when signed in and
// online, then the local cache, then the fallback snapshot, else nothing. Orphaned template
// references are cleaned afterwards.
func (reconciler *Reconciler) Load(ctx context.Context) (Source, error) {
	source, err := reconciler.load(ctx)
	if err != nil {
		return source, err
	}
	reconciler.ledger.CleanupOrphanedTemplates()
	reconciler.logger.Info("ledger loaded", zap.String("source", string(source)))
	return source, nil
}

func (reconciler *Reconciler) load(ctx context.Context) (Source, error) {
	if userID, err := reconciler.canReachRemote(); err == nil {
		remoteSnapshot, loadErr := reconciler.remote.Load(ctx, userID)
		if loadErr == nil {
			reconciler.epoch.Add(1)
			reconciler.ledger.ApplyRemote(remoteSnapshot)
			reconciler.MarkOnline()
			reconciler.persistCache()
			return SourceRemote, nil
		}
		reconciler.logger.Warn("remote load failed", zap.Error(loadErr))
		if remote.IsTransient(loadErr) {
			reconciler.mu.Lock()
			reconciler.online = false
			reconciler.mu.Unlock()
		}
	}

	if reconciler.cache != nil {
		cached, cachedOwner, found, err := reconciler.cache.Load()
		if err != nil {
			reconciler.logger.Warn("local cache unreadable", zap.Error(err))
		}
		if found && err == nil {
			if reconciler.claimCache(cachedOwner) {
				if result, err := reconciler.replaceLocal(cached); err == nil {
					reconciler.ledger.MarkSynced(result.Sequence)
					return SourceCache, nil
				}
			} else {
				reconciler.logger.Warn("local cache of another user discarded")
				if err := reconciler.cache.Clear(); err != nil {
					reconciler.logger.Warn("clear local cache failed", zap.Error(err))
				}
			}
		}
	}

	fallback, found, err := snapshot.LoadFallback(reconciler.fallbackPath)
	if err != nil {
		return SourceEmpty, err
	}
	if found {
		result, err := reconciler.replaceLocal(fallback)
		if err != nil {
			return SourceEmpty, err
		}
		reconciler.ledger.MarkSynced(result.Sequence)
		return SourceFallback, nil
	}
	return SourceEmpty, nil
}

// claimCache reports whether cached state recorded for cachedOwner may become the local state.
// Unclaimed state is adopted by anyone. Claimed state is adopted only by its owner, or while
// no owner is known yet.
func (reconciler *Reconciler) claimCache(cachedOwner string) bool {
	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	switch {
	case cachedOwner == "" || cachedOwner == reconciler.owner:
		return true
	case reconciler.owner == "" && reconciler.userID == "":
		reconciler.owner = cachedOwner
		return true
	default:
		return false
	}
}

// SyncData pushes the whole local state: a deferred reset first, then deletion of remote
// documents missing locally, then create-or-replace of every local document. Success clears
// pendingSync.
func (reconciler *Reconciler) SyncData(ctx context.Context) error {
	userID, err := reconciler.canReachRemote()
	if err != nil {
		if userID != "" {
			reconciler.setPending(true)
		}
		return err
	}

	reconciler.pushMu.Lock()
	defer reconciler.pushMu.Unlock()
	reconciler.setSyncing(true)
	defer reconciler.setSyncing(false)

	sequence, err := reconciler.syncData(ctx, userID)
	if err != nil {
		reconciler.mu.Lock()
		reconciler.pendingSync = true
		if remote.IsTransient(err) {
			reconciler.online = false
		}
		reconciler.mu.Unlock()
		return fmt.Errorf("sync: %w", err)
	}

	reconciler.ledger.MarkSynced(sequence)
	reconciler.overflow.Store(false)
	reconciler.mu.Lock()
	reconciler.pendingSync = false
	reconciler.online = true
	reconciler.lastSync = reconciler.clock()
	reconciler.mu.Unlock()
	reconciler.logger.Info("sync completed", zap.String("user_id", userID))
	return nil
}

// syncData returns the ledger sequence the pushed state reflects.
func (reconciler *Reconciler) syncData(ctx context.Context, userID string) (uint64, error) {
	reconciler.mu.Lock()
	resetPending := reconciler.resetPending
	reconciler.mu.Unlock()
	if resetPending {
		if err := reconciler.remote.DeleteAll(ctx, userID); err != nil {
			return 0, err
		}
		reconciler.mu.Lock()
		reconciler.resetPending = false
		reconciler.mu.Unlock()
	}

	remoteSnapshot, err := reconciler.remote.Load(ctx, userID)
	if err != nil {
		return 0, err
	}
	local, sequence := reconciler.ledger.Checkpoint()
	if err := reconciler.remote.Apply(ctx, userID, fullStateWrites(local, remoteSnapshot)); err != nil {
		return 0, err
	}
	return sequence, nil
}

// ResetData clears every local entity and the matching remote documents. When the remote
// store cannot be reached the remote deletion is deferred to the next sync.
func (reconciler *Reconciler) ResetData(ctx context.Context) error {
	reconciler.epoch.Add(1)
	sequence := reconciler.ledger.Reset()
	reconciler.persistCache()

	userID, err := reconciler.canReachRemote()
	switch {
	case userID == "":
		return nil
	case err != nil:
		reconciler.setResetPending(true)
		return nil
	}

	reconciler.pushMu.Lock()
	defer reconciler.pushMu.Unlock()
	if err := reconciler.remote.DeleteAll(ctx, userID); err != nil {
		reconciler.setResetPending(true)
		if remote.IsTransient(err) {
			reconciler.mu.Lock()
			reconciler.online = false
			reconciler.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reset: %w", err)
	}
	reconciler.ledger.MarkSynced(sequence)
	reconciler.mu.Lock()
	reconciler.resetPending = false
	reconciler.pendingSync = false
	reconciler.mu.Unlock()
	reconciler.MarkOnline()
	return nil
}

// ImportData replaces the local state wholesale with an exported document. Nothing changes
// when the document is invalid. A successful import is pushed in full when possible and
// otherwise left pending.
func (reconciler *Reconciler) ImportData(ctx context.Context, data []byte) ImportResult {
	decoded, err := snapshot.Decode(data)
	if err != nil {
		return ImportResult{Message: fmt.Sprintf("Invalid backup file: %v", err)}
	}
	result, err := reconciler.replaceLocal(decoded)
	if err != nil {
		return ImportResult{Message: fmt.Sprintf("Import failed: %v", err)}
	}

	if userID, reachErr := reconciler.canReachRemote(); reachErr == nil {
		if err := reconciler.SyncData(ctx); err != nil {
			reconciler.report(err)
		}
	} else if userID != "" {
		reconciler.setPending(true)
	}
	return ImportResult{
		Success:      true,
		Message:      fmt.Sprintf("Successfully imported %d envelopes and %d transactions", result.Envelopes, result.Transactions),
		Envelopes:    result.Envelopes,
		Transactions: result.Transactions,
	}
}

// ExportData encodes the local state as a backup document.
func (reconciler *Reconciler) ExportData() ([]byte, error) {
	return snapshot.Encode(reconciler.ledger.Snapshot(), reconciler.clock())
}

func (reconciler *Reconciler) replaceLocal(replacement ledger.Snapshot) (ledger.ReplaceResult, error) {
	result, err := reconciler.ledger.Replace(replacement)
	if err != nil {
		return result, err
	}
	reconciler.epoch.Add(1)
	reconciler.persistCache()
	return result, nil
}

func (reconciler *Reconciler) setPending(pending bool) {
	reconciler.mu.Lock()
	reconciler.pendingSync = pending
	reconciler.mu.Unlock()
}

func (reconciler *Reconciler) setResetPending(pending bool) {
	reconciler.mu.Lock()
	reconciler.resetPending = pending
	reconciler.mu.Unlock()
}

func (reconciler *Reconciler) setSyncing(syncing bool) {
	reconciler.mu.Lock()
	reconciler.syncing = syncing
	reconciler.mu.Unlock()
}

// fullStateWrites deletes remote documents that are absent locally and puts every local one.
func fullStateWrites(local ledger.Snapshot, remoteSnapshot ledger.Snapshot) []ledger.DocumentWrite {
	var writes []ledger.DocumentWrite

	envelopeIDs := make(map[string]struct{}, len(local.Envelopes))
	for _, envelope := range local.Envelopes {
		envelopeIDs[envelope.ID] = struct{}{}
	}
	transactionIDs := make(map[string]struct{}, len(local.Transactions))
	for _, transaction := range local.Transactions {
		transactionIDs[transaction.ID] = struct{}{}
	}
	templateIDs := make(map[string]struct{}, len(local.DistributionTemplates))
	for _, template := range local.DistributionTemplates {
		templateIDs[template.ID] = struct{}{}
	}

	for _, transaction := range remoteSnapshot.Transactions {
		if _, kept := transactionIDs[transaction.ID]; !kept {
			writes = append(writes, deleteWrite(ledger.CollectionTransactions, transaction.ID))
		}
	}
	for _, envelope := range remoteSnapshot.Envelopes {
		if _, kept := envelopeIDs[envelope.ID]; !kept {
			writes = append(writes, deleteWrite(ledger.CollectionEnvelopes, envelope.ID))
		}
	}
	for _, template := range remoteSnapshot.DistributionTemplates {
		if _, kept := templateIDs[template.ID]; !kept {
			writes = append(writes, deleteWrite(ledger.CollectionTemplates, template.ID))
		}
	}

	for index := range local.Envelopes {
		envelope := local.Envelopes[index]
		writes = append(writes, ledger.DocumentWrite{Kind: ledger.WritePut, Collection: ledger.CollectionEnvelopes, DocumentID: envelope.ID, Envelope: &envelope})
	}
	for index := range local.Transactions {
		transaction := local.Transactions[index]
		writes = append(writes, ledger.DocumentWrite{Kind: ledger.WritePut, Collection: ledger.CollectionTransactions, DocumentID: transaction.ID, Transaction: &transaction})
	}
	for index := range local.DistributionTemplates {
		template := local.DistributionTemplates[index]
		writes = append(writes, ledger.DocumentWrite{Kind: ledger.WritePut, Collection: ledger.CollectionTemplates, DocumentID: template.ID, Template: &template})
	}
	if local.AppSettings != nil {
		settings := *local.AppSettings
		writes = append(writes, ledger.DocumentWrite{Kind: ledger.WritePut, Collection: ledger.CollectionSettings, DocumentID: ledger.SettingsDocumentID, Settings: &settings})
	}
	return writes
}

func deleteWrite(collection ledger.Collection, documentID string) ledger.DocumentWrite {
	return ledger.DocumentWrite{Kind: ledger.WriteDelete, Collection: collection, DocumentID: documentID}
}
