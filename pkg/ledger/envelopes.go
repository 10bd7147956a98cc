package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transfer holds the two legs written by TransferFunds.
type Transfer struct {
	TransferID string
	Outgoing   Transaction
	Incoming   Transaction
}

// CreateEnvelope adds an envelope. A positive initial balance is recorded as an
// "Initial balance" income transaction so the balance stays reconstructible.
func (store *Store) CreateEnvelope(name string, initialBalance decimal.Decimal) (Envelope, error) {
	envelope, operationError := store.createEnvelope(name, initialBalance)
	store.logOperation(OperationLog{
		Operation:  operationCreateEnvelope,
		EnvelopeID: envelope.ID,
		Amount:     initialBalance,
		Error:      operationError,
	})
	return envelope, operationError
}

func (store *Store) createEnvelope(name string, initialBalance decimal.Decimal) (Envelope, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return Envelope{}, fmt.Errorf("%w: empty value", ErrInvalidEnvelopeName)
	}
	if initialBalance.IsNegative() {
		return Envelope{}, fmt.Errorf("%w: initial balance must not be negative", ErrInvalidAmount)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	now := store.nowFn()
	envelope := Envelope{
		ID:             store.newID(),
		Name:           trimmedName,
		CurrentBalance: initialBalance,
		LastUpdated:    now,
		IsActive:       true,
		OrderIndex:     store.nextOrderIndex(),
	}
	store.envelopes = append(store.envelopes, envelope)
	writes := []DocumentWrite{putEnvelope(envelope)}
	if initialBalance.IsPositive() {
		initial := Transaction{
			ID:          store.newID(),
			Date:        now,
			Amount:      initialBalance,
			Description: initialBalanceDescription,
			EnvelopeID:  envelope.ID,
			Type:        TransactionIncome,
		}
		store.transactions = append(store.transactions, initial)
		writes = append(writes, putTransaction(initial))
	}
	store.commit(operationCreateEnvelope, writes)
	return envelope, nil
}

// RenameEnvelope changes an envelope's name without touching its balance.
func (store *Store) RenameEnvelope(envelopeID string, newName string) (Envelope, error) {
	envelope, operationError := store.renameEnvelope(envelopeID, newName)
	store.logOperation(OperationLog{Operation: operationRenameEnvelope, EnvelopeID: envelopeID, Error: operationError})
	return envelope, operationError
}

func (store *Store) renameEnvelope(envelopeID string, newName string) (Envelope, error) {
	trimmedName := strings.TrimSpace(newName)
	if trimmedName == "" {
		return Envelope{}, fmt.Errorf("%w: empty value", ErrInvalidEnvelopeName)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	index := store.envelopeIndex(envelopeID)
	if index < 0 {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownEnvelope, envelopeID)
	}
	store.envelopes[index].Name = trimmedName
	store.commit(operationRenameEnvelope, []DocumentWrite{{
		Kind:       WritePatch,
		Collection: CollectionEnvelopes,
		DocumentID: envelopeID,
		Fields:     map[string]any{FieldName: trimmedName},
	}})
	return store.envelopes[index], nil
}

// DeleteEnvelope removes an envelope together with every transaction referencing it, and
// purges the envelope from distribution templates. Other envelopes are never rebalanced.
func (store *Store) DeleteEnvelope(envelopeID string) error {
	operationError := store.deleteEnvelope(envelopeID)
	store.logOperation(OperationLog{Operation: operationDeleteEnvelope, EnvelopeID: envelopeID, Error: operationError})
	return operationError
}

func (store *Store) deleteEnvelope(envelopeID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	index := store.envelopeIndex(envelopeID)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEnvelope, envelopeID)
	}
	writes := []DocumentWrite{deleteDocument(CollectionEnvelopes, envelopeID)}
	store.envelopes = append(store.envelopes[:index:index], store.envelopes[index+1:]...)

	kept := make([]Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.EnvelopeID == envelopeID {
			writes = append(writes, deleteDocument(CollectionTransactions, transaction.ID))
			continue
		}
		kept = append(kept, transaction)
	}
	store.transactions = kept

	writes = append(writes, store.purgeTemplateReferences(func(candidate string) bool {
		return candidate == envelopeID
	})...)
	store.commit(operationDeleteEnvelope, writes)
	return nil
}

// AddToEnvelope records income on an envelope. A zero date means now.
func (store *Store) AddToEnvelope(envelopeID string, amount PositiveAmount, note string, date time.Time) (Transaction, error) {
	transaction, operationError := store.record(operationAddToEnvelope, envelopeID, TransactionIncome, amount, note, date)
	store.logOperation(OperationLog{
		Operation:     operationAddToEnvelope,
		EnvelopeID:    envelopeID,
		TransactionID: transaction.ID,
		Amount:        amount.Decimal(),
		Error:         operationError,
	})
	return transaction, operationError
}

// SpendFromEnvelope records an expense on an envelope. A zero date means now.
func (store *Store) SpendFromEnvelope(envelopeID string, amount PositiveAmount, note string, date time.Time) (Transaction, error) {
	transaction, operationError := store.record(operationSpendFromEnvelope, envelopeID, TransactionExpense, amount, note, date)
	store.logOperation(OperationLog{
		Operation:     operationSpendFromEnvelope,
		EnvelopeID:    envelopeID,
		TransactionID: transaction.ID,
		Amount:        amount.Decimal(),
		Error:         operationError,
	})
	return transaction, operationError
}

func (store *Store) record(operation string, envelopeID string, transactionType TransactionType, amount PositiveAmount, note string, date time.Time) (Transaction, error) {
	if !amount.Decimal().IsPositive() {
		return Transaction{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	index := store.envelopeIndex(envelopeID)
	if index < 0 {
		return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownEnvelope, envelopeID)
	}
	now := store.nowFn()
	transaction := Transaction{
		ID:          store.newID(),
		Date:        transactionDate(date, now),
		Amount:      amount.Decimal(),
		Description: strings.TrimSpace(note),
		EnvelopeID:  envelopeID,
		Type:        transactionType,
	}
	store.transactions = append(store.transactions, transaction)
	updated := store.adjustBalance(index, transaction.SignedAmount(), now)
	store.commit(operation, []DocumentWrite{putTransaction(transaction), patchBalance(updated)})
	return transaction, nil
}

// TransferFunds moves money between two envelopes as a pair of legs sharing a transfer id.
// Both legs and both balance adjustments are applied together or not at all.
func (store *Store) TransferFunds(fromEnvelopeID string, toEnvelopeID string, amount PositiveAmount, note string, date time.Time) (Transfer, error) {
	transfer, operationError := store.transferFunds(fromEnvelopeID, toEnvelopeID, amount, note, date)
	store.logOperation(OperationLog{
		Operation:     operationTransferFunds,
		EnvelopeID:    fromEnvelopeID,
		TransactionID: transfer.TransferID,
		Amount:        amount.Decimal(),
		Error:         operationError,
	})
	return transfer, operationError
}

func (store *Store) transferFunds(fromEnvelopeID string, toEnvelopeID string, amount PositiveAmount, note string, date time.Time) (Transfer, error) {
	if !amount.Decimal().IsPositive() {
		return Transfer{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if fromEnvelopeID == toEnvelopeID {
		return Transfer{}, fmt.Errorf("%w: source and destination are the same envelope", ErrInvalidTransfer)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	fromIndex := store.envelopeIndex(fromEnvelopeID)
	if fromIndex < 0 {
		return Transfer{}, fmt.Errorf("%w: %w: source %s", ErrInvalidTransfer, ErrUnknownEnvelope, fromEnvelopeID)
	}
	toIndex := store.envelopeIndex(toEnvelopeID)
	if toIndex < 0 {
		return Transfer{}, fmt.Errorf("%w: %w: destination %s", ErrInvalidTransfer, ErrUnknownEnvelope, toEnvelopeID)
	}
	now := store.nowFn()
	when := transactionDate(date, now)
	transferID := store.newID()
	suffix := ""
	if trimmedNote := strings.TrimSpace(note); trimmedNote != "" {
		suffix = " (" + trimmedNote + ")"
	}
	outgoing := Transaction{
		ID:          store.newID(),
		Date:        when,
		Amount:      amount.Decimal(),
		Description: transferToPrefix + store.envelopes[toIndex].Name + suffix,
		EnvelopeID:  fromEnvelopeID,
		Type:        TransactionExpense,
		TransferID:  transferID,
	}
	incoming := Transaction{
		ID:          store.newID(),
		Date:        when,
		Amount:      amount.Decimal(),
		Description: transferFromPrefix + store.envelopes[fromIndex].Name + suffix,
		EnvelopeID:  toEnvelopeID,
		Type:        TransactionIncome,
		TransferID:  transferID,
	}
	store.transactions = append(store.transactions, outgoing, incoming)
	debited := store.adjustBalance(fromIndex, outgoing.SignedAmount(), now)
	credited := store.adjustBalance(toIndex, incoming.SignedAmount(), now)
	store.commit(operationTransferFunds, []DocumentWrite{
		putTransaction(outgoing),
		putTransaction(incoming),
		patchBalance(debited),
		patchBalance(credited),
	})
	return Transfer{TransferID: transferID, Outgoing: outgoing, Incoming: incoming}, nil
}
