package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// UpdateTransaction replaces a transaction and rebalances the affected envelopes.
//
// Moving a transaction to another envelope reverses it on the old envelope and applies it on
// the new one. Within one envelope an unchanged type applies only the amount delta, while a
// type change reverts the old contribution and applies the new one as a single adjustment.
// The stored transfer id is kept.
func (store *Store) UpdateTransaction(updated Transaction) (Transaction, error) {
	transaction, operationError := store.updateTransaction(updated)
	store.logOperation(OperationLog{
		Operation:     operationUpdateTransaction,
		EnvelopeID:    updated.EnvelopeID,
		TransactionID: updated.ID,
		Amount:        updated.Amount,
		Error:         operationError,
	})
	return transaction, operationError
}

func (store *Store) updateTransaction(updated Transaction) (Transaction, error) {
	updated.Description = strings.TrimSpace(updated.Description)
	if err := updated.validate(); err != nil {
		return Transaction{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	transactionIndex := store.transactionIndex(updated.ID)
	if transactionIndex < 0 {
		return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, updated.ID)
	}
	old := store.transactions[transactionIndex]
	targetIndex := store.envelopeIndex(updated.EnvelopeID)
	if targetIndex < 0 {
		return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownEnvelope, updated.EnvelopeID)
	}
	updated.TransferID = old.TransferID
	if updated.Date.IsZero() {
		updated.Date = old.Date
	}

	now := store.nowFn()
	writes := []DocumentWrite{putTransaction(updated)}
	if old.EnvelopeID != updated.EnvelopeID {
		if sourceIndex := store.envelopeIndex(old.EnvelopeID); sourceIndex >= 0 {
			writes = append(writes, patchBalance(store.adjustBalance(sourceIndex, old.SignedAmount().Neg(), now)))
		}
		writes = append(writes, patchBalance(store.adjustBalance(targetIndex, updated.SignedAmount(), now)))
	} else {
		var delta decimal.Decimal
		if old.Type == updated.Type {
			delta = updated.Type.Signed(updated.Amount.Sub(old.Amount))
		} else {
			delta = old.SignedAmount().Neg().Add(updated.SignedAmount())
		}
		writes = append(writes, patchBalance(store.adjustBalance(targetIndex, delta, now)))
	}
	store.transactions[transactionIndex] = updated
	store.commit(operationUpdateTransaction, writes)
	return updated, nil
}

// DeleteTransaction removes a transaction and reverses its balance effect. Deleting either leg
// of a transfer removes both legs. The removed transactions are returned for undo.
func (store *Store) DeleteTransaction(transactionID string) ([]Transaction, error) {
	removed, operationError := store.deleteTransaction(transactionID)
	entry := OperationLog{Operation: operationDeleteTransaction, TransactionID: transactionID, Error: operationError}
	if len(removed) > 0 {
		entry.EnvelopeID = removed[0].EnvelopeID
		entry.Amount = removed[0].Amount
	}
	store.logOperation(entry)
	return removed, operationError
}

func (store *Store) deleteTransaction(transactionID string) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	index := store.transactionIndex(transactionID)
	if index < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	target := store.transactions[index]
	removed := []Transaction{target}
	if target.IsTransferLeg() {
		for _, candidate := range store.transactions {
			if candidate.TransferID == target.TransferID && candidate.ID != target.ID {
				removed = append(removed, candidate)
				break
			}
		}
	}

	removedIDs := make(map[string]struct{}, len(removed))
	var envelopeOrder []string
	deltas := make(map[string]decimal.Decimal, len(removed))
	writes := make([]DocumentWrite, 0, 2*len(removed))
	for _, transaction := range removed {
		removedIDs[transaction.ID] = struct{}{}
		writes = append(writes, deleteDocument(CollectionTransactions, transaction.ID))
		if _, seen := deltas[transaction.EnvelopeID]; !seen {
			envelopeOrder = append(envelopeOrder, transaction.EnvelopeID)
			deltas[transaction.EnvelopeID] = decimal.Zero
		}
		deltas[transaction.EnvelopeID] = deltas[transaction.EnvelopeID].Sub(transaction.SignedAmount())
	}

	kept := make([]Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if _, drop := removedIDs[transaction.ID]; !drop {
			kept = append(kept, transaction)
		}
	}
	store.transactions = kept

	now := store.nowFn()
	for _, envelopeID := range envelopeOrder {
		if envelopeIndex := store.envelopeIndex(envelopeID); envelopeIndex >= 0 {
			writes = append(writes, patchBalance(store.adjustBalance(envelopeIndex, deltas[envelopeID], now)))
		}
	}
	store.commit(operationDeleteTransaction, writes)
	return removed, nil
}

// RestoreTransaction re-inserts a previously deleted transaction and re-applies its balance
// effect. Restoring an id that already exists is a no-op and reports false. Restoring one
// transfer leg does not restore its pair.
func (store *Store) RestoreTransaction(transaction Transaction) (bool, error) {
	restored, operationError := store.restoreTransaction(transaction)
	store.logOperation(OperationLog{
		Operation:     operationRestoreTransaction,
		EnvelopeID:    transaction.EnvelopeID,
		TransactionID: transaction.ID,
		Amount:        transaction.Amount,
		Error:         operationError,
	})
	return restored, operationError
}

func (store *Store) restoreTransaction(transaction Transaction) (bool, error) {
	if err := transaction.validate(); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.transactionIndex(transaction.ID) >= 0 {
		return false, nil
	}
	envelopeIndex := store.envelopeIndex(transaction.EnvelopeID)
	if envelopeIndex < 0 {
		return false, fmt.Errorf("%w: %s", ErrUnknownEnvelope, transaction.EnvelopeID)
	}
	store.transactions = append(store.transactions, transaction)
	updated := store.adjustBalance(envelopeIndex, transaction.SignedAmount(), store.nowFn())
	store.commit(operationRestoreTransaction, []DocumentWrite{putTransaction(transaction), patchBalance(updated)})
	return true, nil
}
