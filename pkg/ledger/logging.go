package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Option configures a Store instance.
type Option func(*Store)

// OperationLogger records domain-level events emitted by Store operations.
type OperationLogger interface {
	LogOperation(entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	EnvelopeID    string
	TransactionID string
	TemplateID    string
	Amount        decimal.Decimal
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(store *Store) {
		store.logger = logger
	}
}

// WithChangeObserver registers an observer for committed changes.
func WithChangeObserver(observer ChangeObserver) Option {
	return func(store *Store) {
		if observer != nil {
			store.observers = append(store.observers, observer)
		}
	}
}

// WithIDGenerator replaces the uuid-based identifier source.
func WithIDGenerator(newID func() string) Option {
	return func(store *Store) {
		if newID != nil {
			store.newID = newID
		}
	}
}

// WithSyncClock replaces the clock that stamps remote acknowledgments. It must be comparable
// with the load times carried by remote updates.
func WithSyncClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.syncClock = now
		}
	}
}
