package ledger

import (
	"fmt"
	"strings"
	"time"
)

var allCollections = []Collection{CollectionEnvelopes, CollectionTransactions, CollectionTemplates, CollectionSettings}

// ReplaceResult summarizes a whole-state replacement.
type ReplaceResult struct {
	Envelopes         int
	Transactions      int
	CorrectedBalances int
	// Sequence identifies the replacement for Acknowledge and MarkSynced.
	Sequence uint64
}

// Replace swaps the whole local state for the snapshot, as an import does.
//
// The snapshot is validated completely before anything changes: ids must be unique, every
// transaction must be well formed and reference an envelope from the same snapshot. Cached
// balances are recomputed from the transactions. Template keys that reference missing
// envelopes are dropped. No change is emitted.
func (store *Store) Replace(snapshot Snapshot) (ReplaceResult, error) {
	result, operationError := store.replace(snapshot)
	store.logOperation(OperationLog{Operation: operationReplace, Error: operationError})
	return result, operationError
}

func (store *Store) replace(snapshot Snapshot) (ReplaceResult, error) {
	envelopeIDs := make(map[string]struct{}, len(snapshot.Envelopes))
	for _, envelope := range snapshot.Envelopes {
		if strings.TrimSpace(envelope.ID) == "" {
			return ReplaceResult{}, fmt.Errorf("%w: %w: empty value", ErrInvalidSnapshot, ErrInvalidEnvelopeID)
		}
		if _, duplicate := envelopeIDs[envelope.ID]; duplicate {
			return ReplaceResult{}, fmt.Errorf("%w: %w: envelope %s", ErrInvalidSnapshot, ErrDuplicateID, envelope.ID)
		}
		envelopeIDs[envelope.ID] = struct{}{}
	}
	transactionIDs := make(map[string]struct{}, len(snapshot.Transactions))
	for _, transaction := range snapshot.Transactions {
		if err := transaction.validate(); err != nil {
			return ReplaceResult{}, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
		if _, duplicate := transactionIDs[transaction.ID]; duplicate {
			return ReplaceResult{}, fmt.Errorf("%w: %w: transaction %s", ErrInvalidSnapshot, ErrDuplicateID, transaction.ID)
		}
		transactionIDs[transaction.ID] = struct{}{}
		if _, known := envelopeIDs[transaction.EnvelopeID]; !known {
			return ReplaceResult{}, fmt.Errorf("%w: %w: transaction %s references %s", ErrInvalidSnapshot, ErrUnknownEnvelope, transaction.ID, transaction.EnvelopeID)
		}
	}
	var settings *AppSettings
	if snapshot.AppSettings != nil {
		theme, err := ParseTheme(string(snapshot.AppSettings.Theme))
		if err != nil {
			return ReplaceResult{}, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
		settings = &AppSettings{Theme: theme}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	store.envelopes = append([]Envelope{}, snapshot.Envelopes...)
	store.transactions = append([]Transaction{}, snapshot.Transactions...)
	store.templates = store.templates[:0:0]
	for _, template := range snapshot.DistributionTemplates {
		if strings.TrimSpace(template.ID) == "" {
			continue
		}
		store.templates = append(store.templates, template.clone())
	}
	store.purgeTemplateReferences(func(envelopeID string) bool {
		_, known := envelopeIDs[envelopeID]
		return !known
	})
	store.settings = settings
	return ReplaceResult{
		Envelopes:         len(store.envelopes),
		Transactions:      len(store.transactions),
		CorrectedBalances: store.recomputeBalances(),
		Sequence:          store.touchAll(),
	}, nil
}

// ApplyRemote replaces the named collections with the remote copies, last writer wins per
// document. With no collections named, every collection is replaced. Malformed transactions
// are skipped, while transactions whose envelope has not arrived yet are kept. Balances are
// recomputed from the resulting transactions. No change is emitted, and every earlier local
// change counts as acknowledged afterwards.
func (store *Store) ApplyRemote(snapshot Snapshot, collections ...Collection) ReplaceResult {
	if len(collections) == 0 {
		collections = allCollections
	}
	store.mu.Lock()
	result := store.applyRemote(snapshot, collections)
	store.acknowledge(store.sequence, collections)
	store.mu.Unlock()

	store.logOperation(OperationLog{Operation: operationApplyRemote})
	return result
}

// ApplyRemoteUpdate applies one pushed collection that the remote store loaded at loadedAt.
// The update is stale, dropped and reported as false when the collection holds local changes
// the remote store has not acknowledged, or when it was loaded before the last acknowledgment
// of that collection.
func (store *Store) ApplyRemoteUpdate(loadedAt time.Time, snapshot Snapshot, collection Collection) (ReplaceResult, bool) {
	store.mu.Lock()
	if store.committed[collection] > store.acknowledged || loadedAt.Before(store.syncedAt[collection]) {
		store.mu.Unlock()
		return ReplaceResult{}, false
	}
	result := store.applyRemote(snapshot, []Collection{collection})
	store.mu.Unlock()

	store.logOperation(OperationLog{Operation: operationApplyRemote})
	return result, true
}

// Acknowledge records that the remote store holds the writes of change.
func (store *Store) Acknowledge(change Change) {
	collections := make([]Collection, 0, len(change.Writes))
	for _, write := range change.Writes {
		collections = append(collections, write.Collection)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.acknowledge(change.Sequence, collections)
}

// MarkSynced records that the remote store holds the whole local state up to sequence.
func (store *Store) MarkSynced(sequence uint64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.acknowledge(sequence, allCollections)
}

// Reset clears every entity. No change is emitted, but the reset counts as an unacknowledged
// local change. The returned sequence identifies it.
func (store *Store) Reset() uint64 {
	store.mu.Lock()
	store.envelopes = nil
	store.transactions = nil
	store.templates = nil
	store.settings = nil
	sequence := store.touchAll()
	store.mu.Unlock()
	store.logOperation(OperationLog{Operation: operationReset})
	return sequence
}

// applyRemote must be called with the lock held.
func (store *Store) applyRemote(snapshot Snapshot, collections []Collection) ReplaceResult {
	for _, collection := range collections {
		switch collection {
		case CollectionEnvelopes:
			store.envelopes = uniqueEnvelopes(snapshot.Envelopes)
		case CollectionTransactions:
			store.transactions = uniqueTransactions(snapshot.Transactions)
		case CollectionTemplates:
			templates := make([]DistributionTemplate, 0, len(snapshot.DistributionTemplates))
			for _, template := range snapshot.DistributionTemplates {
				templates = append(templates, template.clone())
			}
			store.templates = templates
		case CollectionSettings:
			if snapshot.AppSettings == nil {
				continue
			}
			if theme, err := ParseTheme(string(snapshot.AppSettings.Theme)); err == nil {
				store.settings = &AppSettings{Theme: theme}
			}
		}
	}
	return ReplaceResult{
		Envelopes:         len(store.envelopes),
		Transactions:      len(store.transactions),
		CorrectedBalances: store.recomputeBalances(),
		Sequence:          store.sequence,
	}
}

// acknowledge must be called with the lock held.
func (store *Store) acknowledge(sequence uint64, collections []Collection) {
	if sequence > store.sequence {
		sequence = store.sequence
	}
	if sequence > store.acknowledged {
		store.acknowledged = sequence
	}
	now := store.syncClock()
	for _, collection := range collections {
		store.syncedAt[collection] = now
	}
}

// touchAll marks every collection as locally changed. It must be called with the lock held.
func (store *Store) touchAll() uint64 {
	store.sequence++
	for _, collection := range allCollections {
		store.committed[collection] = store.sequence
	}
	return store.sequence
}

// recomputeBalances must be called with the lock held.
func (store *Store) recomputeBalances() int {
	corrected := 0
	for index := range store.envelopes {
		replayed := store.replay(store.envelopes[index].ID)
		if !replayed.Equal(store.envelopes[index].CurrentBalance) {
			store.envelopes[index].CurrentBalance = replayed
			corrected++
		}
	}
	return corrected
}

func uniqueEnvelopes(envelopes []Envelope) []Envelope {
	positions := make(map[string]int, len(envelopes))
	unique := make([]Envelope, 0, len(envelopes))
	for _, envelope := range envelopes {
		if strings.TrimSpace(envelope.ID) == "" {
			continue
		}
		if position, seen := positions[envelope.ID]; seen {
			unique[position] = envelope
			continue
		}
		positions[envelope.ID] = len(unique)
		unique = append(unique, envelope)
	}
	return unique
}

func uniqueTransactions(transactions []Transaction) []Transaction {
	positions := make(map[string]int, len(transactions))
	unique := make([]Transaction, 0, len(transactions))
	for _, transaction := range transactions {
		if transaction.validate() != nil {
			continue
		}
		if position, seen := positions[transaction.ID]; seen {
			unique[position] = transaction
			continue
		}
		positions[transaction.ID] = len(unique)
		unique = append(unique, transaction)
	}
	return unique
}
