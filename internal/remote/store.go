package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Store is the remote document store holding one namespace per user.
//
// Apply mirrors the writes of one committed ledger change. put creates or replaces a document,
// patch updates the listed fields of an existing document, delete removes a document and is
// a no-op when it is already gone. Load returns envelopes ordered by orderIndex and
// transactions ordered by date, newest first.
type Store interface {
	Load(ctx context.Context, userID string) (ledger.Snapshot, error)
	Apply(ctx context.Context, userID string, writes []ledger.DocumentWrite) error
	DeleteAll(ctx context.Context, userID string) error
	Subscribe(ctx context.Context, userID string) (<-chan Update, error)
}

// Update is one push delivery: the full, ordered content of a collection. LoadedAt is taken
// before the content was read, so writes acknowledged after it may be missing.
type Update struct {
	Collection ledger.Collection
	Snapshot   ledger.Snapshot
	LoadedAt   time.Time
}

// NormalizeUserID rejects an empty namespace.
func NormalizeUserID(userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", NewError(KindPermanent, "user", ErrInvalidUser)
	}
	return trimmed, nil
}

// SortSnapshot applies the collection ordering of Load in place.
func SortSnapshot(snapshot *ledger.Snapshot) {
	sort.SliceStable(snapshot.Envelopes, func(left, right int) bool {
		return snapshot.Envelopes[left].OrderIndex < snapshot.Envelopes[right].OrderIndex
	})
	sort.SliceStable(snapshot.Transactions, func(left, right int) bool {
		return snapshot.Transactions[left].Date.After(snapshot.Transactions[right].Date)
	})
}

// PatchEnvelope applies patch fields to an envelope.
func PatchEnvelope(envelope *ledger.Envelope, fields map[string]any) error {
	for field, value := range fields {
		switch field {
		case ledger.FieldName:
			name, ok := value.(string)
			if !ok {
				return fieldTypeError(field, value)
			}
			envelope.Name = name
		case ledger.FieldCurrentBalance:
			balance, ok := value.(decimal.Decimal)
			if !ok {
				return fieldTypeError(field, value)
			}
			envelope.CurrentBalance = balance
		case ledger.FieldLastUpdated:
			lastUpdated, ok := value.(time.Time)
			if !ok {
				return fieldTypeError(field, value)
			}
			envelope.LastUpdated = lastUpdated
		default:
			return fmt.Errorf("unsupported envelope field %q", field)
		}
	}
	return nil
}

// PatchTemplate applies patch fields to a distribution template.
func PatchTemplate(template *ledger.DistributionTemplate, fields map[string]any) error {
	for field, value := range fields {
		if field != ledger.FieldLastUsed {
			return fmt.Errorf("unsupported template field %q", field)
		}
		lastUsed, ok := value.(time.Time)
		if !ok {
			return fieldTypeError(field, value)
		}
		template.LastUsed = lastUsed
	}
	return nil
}

func fieldTypeError(field string, value any) error {
	return fmt.Errorf("field %q has unexpected type %T", field, value)
}
