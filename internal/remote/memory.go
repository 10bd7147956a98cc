package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	operationLoad      = "load"
	operationApply     = "apply"
	operationDeleteAll = "delete_all"
	operationSubscribe = "subscribe"

	subscriptionBuffer = 16
)

var errDocumentNotFound = errors.New("document not found")

// MemoryStore is an in-process Store. A failure set with SetFailure is returned by every call
// until cleared, which simulates an unreachable or rejecting backend.
type MemoryStore struct {
	mu          sync.Mutex
	namespaces  map[string]*memoryNamespace
	failure     error
	applied     int
	subscribers map[string][]chan Update
}

type memoryNamespace struct {
	envelopes    map[string]ledger.Envelope
	transactions map[string]ledger.Transaction
	templates    map[string]ledger.DistributionTemplate
	settings     *ledger.AppSettings
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces:  make(map[string]*memoryNamespace),
		subscribers: make(map[string][]chan Update),
	}
}

// SetFailure makes every following call fail with err; nil restores normal operation.
func (store *MemoryStore) SetFailure(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failure = err
}

// AppliedChanges counts successful Apply calls.
func (store *MemoryStore) AppliedChanges() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.applied
}

// Load returns the user's documents.
func (store *MemoryStore) Load(ctx context.Context, userID string) (ledger.Snapshot, error) {
	normalized, err := store.begin(ctx, operationLoad, userID)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	defer store.mu.Unlock()
	return store.namespace(normalized).snapshot(), nil
}

// Apply writes one change atomically: either every write lands or none does.
func (store *MemoryStore) Apply(ctx context.Context, userID string, writes []ledger.DocumentWrite) error {
	normalized, err := store.begin(ctx, operationApply, userID)
	if err != nil {
		return err
	}
	defer store.mu.Unlock()
	current := store.namespace(normalized)
	staged := current.clone()
	touched := make(map[ledger.Collection]bool)
	for _, write := range writes {
		if err := staged.apply(write); err != nil {
			kind := KindPermanent
			if errors.Is(err, errDocumentNotFound) {
				kind = KindNotFound
			}
			return NewError(kind, operationApply, err)
		}
		touched[write.Collection] = true
	}
	store.namespaces[normalized] = staged
	store.applied++
	for collection := range touched {
		store.publish(normalized, collection)
	}
	return nil
}

// DeleteAll removes every document of the user.
func (store *MemoryStore) DeleteAll(ctx context.Context, userID string) error {
	normalized, err := store.begin(ctx, operationDeleteAll, userID)
	if err != nil {
		return err
	}
	defer store.mu.Unlock()
	delete(store.namespaces, normalized)
	for _, collection := range []ledger.Collection{ledger.CollectionEnvelopes, ledger.CollectionTransactions, ledger.CollectionTemplates} {
		store.publish(normalized, collection)
	}
	return nil
}

// Subscribe delivers collection updates until ctx is done. Updates that do not fit the
// subscriber buffer are dropped; each update carries the whole collection.
func (store *MemoryStore) Subscribe(ctx context.Context, userID string) (<-chan Update, error) {
	normalized, err := store.begin(ctx, operationSubscribe, userID)
	if err != nil {
		return nil, err
	}
	updates := make(chan Update, subscriptionBuffer)
	store.subscribers[normalized] = append(store.subscribers[normalized], updates)
	store.mu.Unlock()
	go func() {
		<-ctx.Done()
		store.mu.Lock()
		defer store.mu.Unlock()
		subscribers := store.subscribers[normalized]
		for index, candidate := range subscribers {
			if candidate == updates {
				store.subscribers[normalized] = append(subscribers[:index:index], subscribers[index+1:]...)
				break
			}
		}
		close(updates)
	}()
	return updates, nil
}

// begin validates the call and returns with the lock held on success.
func (store *MemoryStore) begin(ctx context.Context, operation string, userID string) (string, error) {
	normalized, err := NormalizeUserID(userID)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", NewError(KindTransient, operation, err)
	}
	store.mu.Lock()
	if store.failure != nil {
		failure := store.failure
		store.mu.Unlock()
		return "", Classify(operation, failure)
	}
	return normalized, nil
}

func (store *MemoryStore) namespace(userID string) *memoryNamespace {
	namespace, ok := store.namespaces[userID]
	if !ok {
		namespace = &memoryNamespace{
			envelopes:    make(map[string]ledger.Envelope),
			transactions: make(map[string]ledger.Transaction),
			templates:    make(map[string]ledger.DistributionTemplate),
		}
		store.namespaces[userID] = namespace
	}
	return namespace
}

func (store *MemoryStore) publish(userID string, collection ledger.Collection) {
	subscribers := store.subscribers[userID]
	if len(subscribers) == 0 {
		return
	}
	update := Update{Collection: collection, Snapshot: store.namespace(userID).snapshot(), LoadedAt: time.Now()}
	for _, subscriber := range subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
}

func (namespace *memoryNamespace) clone() *memoryNamespace {
	cloned := &memoryNamespace{
		envelopes:    make(map[string]ledger.Envelope, len(namespace.envelopes)),
		transactions: make(map[string]ledger.Transaction, len(namespace.transactions)),
		templates:    make(map[string]ledger.DistributionTemplate, len(namespace.templates)),
		settings:     namespace.settings,
	}
	for id, envelope := range namespace.envelopes {
		cloned.envelopes[id] = envelope
	}
	for id, transaction := range namespace.transactions {
		cloned.transactions[id] = transaction
	}
	for id, template := range namespace.templates {
		cloned.templates[id] = template
	}
	return cloned
}

func (namespace *memoryNamespace) snapshot() ledger.Snapshot {
	snapshot := ledger.Snapshot{
		Envelopes:             make([]ledger.Envelope, 0, len(namespace.envelopes)),
		Transactions:          make([]ledger.Transaction, 0, len(namespace.transactions)),
		DistributionTemplates: make([]ledger.DistributionTemplate, 0, len(namespace.templates)),
	}
	for _, envelope := range namespace.envelopes {
		snapshot.Envelopes = append(snapshot.Envelopes, envelope)
	}
	for _, transaction := range namespace.transactions {
		snapshot.Transactions = append(snapshot.Transactions, transaction)
	}
	for _, template := range namespace.templates {
		snapshot.DistributionTemplates = append(snapshot.DistributionTemplates, copyTemplate(template))
	}
	if namespace.settings != nil {
		settings := *namespace.settings
		snapshot.AppSettings = &settings
	}
	SortSnapshot(&snapshot)
	return snapshot
}

func (namespace *memoryNamespace) apply(write ledger.DocumentWrite) error {
	switch write.Kind {
	case ledger.WritePut:
		return namespace.put(write)
	case ledger.WritePatch:
		return namespace.patch(write)
	case ledger.WriteDelete:
		switch write.Collection {
		case ledger.CollectionEnvelopes:
			delete(namespace.envelopes, write.DocumentID)
		case ledger.CollectionTransactions:
			delete(namespace.transactions, write.DocumentID)
		case ledger.CollectionTemplates:
			delete(namespace.templates, write.DocumentID)
		case ledger.CollectionSettings:
			namespace.settings = nil
		}
		return nil
	default:
		return fmt.Errorf("unsupported write kind %q", write.Kind)
	}
}

func (namespace *memoryNamespace) put(write ledger.DocumentWrite) error {
	switch {
	case write.Collection == ledger.CollectionEnvelopes && write.Envelope != nil:
		namespace.envelopes[write.DocumentID] = *write.Envelope
	case write.Collection == ledger.CollectionTransactions && write.Transaction != nil:
		namespace.transactions[write.DocumentID] = *write.Transaction
	case write.Collection == ledger.CollectionTemplates && write.Template != nil:
		namespace.templates[write.DocumentID] = copyTemplate(*write.Template)
	case write.Collection == ledger.CollectionSettings && write.Settings != nil:
		settings := *write.Settings
		namespace.settings = &settings
	default:
		return fmt.Errorf("put %s/%s carries no document", write.Collection, write.DocumentID)
	}
	return nil
}

func (namespace *memoryNamespace) patch(write ledger.DocumentWrite) error {
	switch write.Collection {
	case ledger.CollectionEnvelopes:
		envelope, ok := namespace.envelopes[write.DocumentID]
		if !ok {
			return fmt.Errorf("%w: envelope %s", errDocumentNotFound, write.DocumentID)
		}
		if err := PatchEnvelope(&envelope, write.Fields); err != nil {
			return err
		}
		namespace.envelopes[write.DocumentID] = envelope
	case ledger.CollectionTemplates:
		template, ok := namespace.templates[write.DocumentID]
		if !ok {
			return fmt.Errorf("%w: template %s", errDocumentNotFound, write.DocumentID)
		}
		template = copyTemplate(template)
		if err := PatchTemplate(&template, write.Fields); err != nil {
			return err
		}
		namespace.templates[write.DocumentID] = template
	default:
		return fmt.Errorf("patch is not supported on %s", write.Collection)
	}
	return nil
}

func copyTemplate(template ledger.DistributionTemplate) ledger.DistributionTemplate {
	distributions := make(map[string]decimal.Decimal, len(template.Distributions))
	for envelopeID, amount := range template.Distributions {
		distributions[envelopeID] = amount
	}
	template.Distributions = distributions
	return template
}
