package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the authoritative in-memory ledger state.
//
// Every mutation validates its input and then applies one complete state transition while
// holding the store lock, so no reader observes a half-applied operation. Envelope balances
// are kept equal to the signed sum of the transactions that reference them.
type Store struct {
	mu           sync.Mutex
	nowFn        func() time.Time
	syncClock    func() time.Time
	newID        func() string
	logger       OperationLogger
	observers    []ChangeObserver
	sequence     uint64
	envelopes    []Envelope
	transactions []Transaction
	templates    []DistributionTemplate
	settings     *AppSettings

	// acknowledged is the last sequence the remote store holds. committed and syncedAt are
	// tracked per collection.
	acknowledged uint64
	committed    map[Collection]uint64
	syncedAt     map[Collection]time.Time
}

// NewStore wires an empty Store.
func NewStore(now func() time.Time, options ...Option) (*Store, error) {
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidStoreConfig)
	}
	store := &Store{
		nowFn:     now,
		syncClock: time.Now,
		newID:     uuid.NewString,
		committed: make(map[Collection]uint64, len(allCollections)),
		syncedAt:  make(map[Collection]time.Time, len(allCollections)),
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store, nil
}

// AddObserver registers an observer after construction.
func (store *Store) AddObserver(observer ChangeObserver) {
	if observer == nil {
		return
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.observers = append(store.observers, observer)
}

// Snapshot returns a deep copy of the current state.
func (store *Store) Snapshot() Snapshot {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.snapshot()
}

// Checkpoint returns the current state together with the sequence of the last change it
// contains.
func (store *Store) Checkpoint() (Snapshot, uint64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.snapshot(), store.sequence
}

// snapshot must be called with the lock held.
func (store *Store) snapshot() Snapshot {
	snapshot := Snapshot{
		Envelopes:             append([]Envelope{}, store.envelopes...),
		Transactions:          append([]Transaction{}, store.transactions...),
		DistributionTemplates: make([]DistributionTemplate, 0, len(store.templates)),
	}
	for _, template := range store.templates {
		snapshot.DistributionTemplates = append(snapshot.DistributionTemplates, template.clone())
	}
	if store.settings != nil {
		settings := *store.settings
		snapshot.AppSettings = &settings
	}
	return snapshot
}

// Envelope returns the envelope with the given id.
func (store *Store) Envelope(envelopeID string) (Envelope, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	index := store.envelopeIndex(envelopeID)
	if index < 0 {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownEnvelope, envelopeID)
	}
	return store.envelopes[index], nil
}

// Transaction returns the transaction with the given id.
func (store *Store) Transaction(transactionID string) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	index := store.transactionIndex(transactionID)
	if index < 0 {
		return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	return store.transactions[index], nil
}

// Template returns the distribution template with the given id.
func (store *Store) Template(templateID string) (DistributionTemplate, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	index := store.templateIndex(templateID)
	if index < 0 {
		return DistributionTemplate{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}
	return store.templates[index].clone(), nil
}

// Settings returns the current settings or the defaults when none were saved.
func (store *Store) Settings() AppSettings {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.settings == nil {
		return DefaultAppSettings()
	}
	return *store.settings
}

// Balance returns the cached balance of an envelope.
func (store *Store) Balance(envelopeID string) (decimal.Decimal, error) {
	envelope, err := store.Envelope(envelopeID)
	if err != nil {
		return decimal.Zero, err
	}
	return envelope.CurrentBalance, nil
}

// ReplayBalance recomputes an envelope balance from its transactions.
func (store *Store) ReplayBalance(envelopeID string) (decimal.Decimal, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.envelopeIndex(envelopeID) < 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownEnvelope, envelopeID)
	}
	return store.replay(envelopeID), nil
}

// VerifyBalances lists envelopes whose cached balance differs from the replayed one.
func (store *Store) VerifyBalances() []BalanceMismatch {
	store.mu.Lock()
	defer store.mu.Unlock()
	var mismatches []BalanceMismatch
	for _, envelope := range store.envelopes {
		replayed := store.replay(envelope.ID)
		if !replayed.Equal(envelope.CurrentBalance) {
			mismatches = append(mismatches, BalanceMismatch{
				EnvelopeID: envelope.ID,
				Cached:     envelope.CurrentBalance,
				Replayed:   replayed,
			})
		}
	}
	return mismatches
}

// TotalBalance sums the cached balances of all envelopes.
func (store *Store) TotalBalance() decimal.Decimal {
	store.mu.Lock()
	defer store.mu.Unlock()
	total := decimal.Zero
	for _, envelope := range store.envelopes {
		total = total.Add(envelope.CurrentBalance)
	}
	return total
}

func (store *Store) replay(envelopeID string) decimal.Decimal {
	balance := decimal.Zero
	for _, transaction := range store.transactions {
		if transaction.EnvelopeID == envelopeID {
			balance = balance.Add(transaction.SignedAmount())
		}
	}
	return balance
}

func (store *Store) envelopeIndex(envelopeID string) int {
	for index := range store.envelopes {
		if store.envelopes[index].ID == envelopeID {
			return index
		}
	}
	return -1
}

func (store *Store) transactionIndex(transactionID string) int {
	for index := range store.transactions {
		if store.transactions[index].ID == transactionID {
			return index
		}
	}
	return -1
}

func (store *Store) templateIndex(templateID string) int {
	for index := range store.templates {
		if store.templates[index].ID == templateID {
			return index
		}
	}
	return -1
}

func (store *Store) adjustBalance(index int, delta decimal.Decimal, now time.Time) Envelope {
	envelope := store.envelopes[index]
	envelope.CurrentBalance = envelope.CurrentBalance.Add(delta)
	envelope.LastUpdated = now
	store.envelopes[index] = envelope
	return envelope
}

func (store *Store) nextOrderIndex() int {
	next := 0
	for _, envelope := range store.envelopes {
		if envelope.OrderIndex >= next {
			next = envelope.OrderIndex + 1
		}
	}
	return next
}

// commit must be called with the lock held.
func (store *Store) commit(operation string, writes []DocumentWrite) {
	if len(writes) == 0 {
		return
	}
	store.sequence++
	for _, write := range writes {
		store.committed[write.Collection] = store.sequence
	}
	change := Change{Sequence: store.sequence, Operation: operation, Writes: writes}
	for _, observer := range store.observers {
		observer.ObserveChange(change)
	}
}

func (store *Store) logOperation(entry OperationLog) {
	if store.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	store.logger.LogOperation(entry)
}

func normalizeID(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", sentinel)
	}
	return trimmed, nil
}

func transactionDate(date time.Time, now time.Time) time.Time {
	if date.IsZero() {
		return now
	}
	return date
}
