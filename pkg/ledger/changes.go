package ledger

// Collection names a remote document collection.
type Collection string

const (
	CollectionEnvelopes    Collection = "envelopes"
	CollectionTransactions Collection = "transactions"
	CollectionTemplates    Collection = "distributionTemplates"
	CollectionSettings     Collection = "appSettings"
)

// WriteKind enumerates remote document operations.
type WriteKind string

const (
	// WritePut creates or replaces a whole document.
	WritePut WriteKind = "put"
	// WritePatch updates the listed fields only.
	WritePatch WriteKind = "patch"
	// WriteDelete removes a document.
	WriteDelete WriteKind = "delete"
)

// DocumentWrite is one remote document operation needed to mirror a local mutation.
// Exactly one of the entity pointers is set for WritePut; Fields is set for WritePatch.
type DocumentWrite struct {
	Kind        WriteKind
	Collection  Collection
	DocumentID  string
	Envelope    *Envelope
	Transaction *Transaction
	Template    *DistributionTemplate
	Settings    *AppSettings
	Fields      map[string]any
}

// Change groups the writes produced by one committed Store operation.
type Change struct {
	Sequence  uint64
	Operation string
	Writes    []DocumentWrite
}

// ChangeObserver receives committed changes in commit order.
// ObserveChange runs while the Store is locked: it must not block or call back into the Store.
type ChangeObserver interface {
	ObserveChange(change Change)
}

func putEnvelope(envelope Envelope) DocumentWrite {
	return DocumentWrite{Kind: WritePut, Collection: CollectionEnvelopes, DocumentID: envelope.ID, Envelope: &envelope}
}

func putTransaction(transaction Transaction) DocumentWrite {
	return DocumentWrite{Kind: WritePut, Collection: CollectionTransactions, DocumentID: transaction.ID, Transaction: &transaction}
}

func putTemplate(template DistributionTemplate) DocumentWrite {
	cloned := template.clone()
	return DocumentWrite{Kind: WritePut, Collection: CollectionTemplates, DocumentID: template.ID, Template: &cloned}
}

func putSettings(settings AppSettings) DocumentWrite {
	return DocumentWrite{Kind: WritePut, Collection: CollectionSettings, DocumentID: SettingsDocumentID, Settings: &settings}
}

func patchBalance(envelope Envelope) DocumentWrite {
	return DocumentWrite{
		Kind:       WritePatch,
		Collection: CollectionEnvelopes,
		DocumentID: envelope.ID,
		Fields: map[string]any{
			FieldCurrentBalance: envelope.CurrentBalance,
			FieldLastUpdated:    envelope.LastUpdated,
		},
	}
}

func deleteDocument(collection Collection, documentID string) DocumentWrite {
	return DocumentWrite{Kind: WriteDelete, Collection: collection, DocumentID: documentID}
}
