package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SaveTemplate stores a new distribution template. Non-positive entries are dropped before
// saving; every remaining key must name an existing envelope.
func (store *Store) SaveTemplate(name string, distributions map[string]decimal.Decimal, note string) (DistributionTemplate, error) {
	template, operationError := store.saveTemplate(name, distributions, note)
	store.logOperation(OperationLog{Operation: operationSaveTemplate, TemplateID: template.ID, Error: operationError})
	return template, operationError
}

func (store *Store) saveTemplate(name string, distributions map[string]decimal.Decimal, note string) (DistributionTemplate, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return DistributionTemplate{}, fmt.Errorf("%w: empty value", ErrInvalidTemplateName)
	}
	filtered := make(map[string]decimal.Decimal, len(distributions))
	for envelopeID, amount := range distributions {
		if amount.IsPositive() {
			filtered[envelopeID] = amount
		}
	}
	if len(filtered) == 0 {
		return DistributionTemplate{}, fmt.Errorf("%w: no positive allocations", ErrInvalidTemplate)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for envelopeID := range filtered {
		if store.envelopeIndex(envelopeID) < 0 {
			return DistributionTemplate{}, fmt.Errorf("%w: %w: %s", ErrInvalidTemplate, ErrUnknownEnvelope, envelopeID)
		}
	}
	template := DistributionTemplate{
		ID:            store.newID(),
		Name:          trimmedName,
		Distributions: filtered,
		LastUsed:      store.nowFn(),
		Note:          strings.TrimSpace(note),
	}
	store.templates = append(store.templates, template)
	store.commit(operationSaveTemplate, []DocumentWrite{putTemplate(template)})
	return template.clone(), nil
}

// DeleteTemplate removes a distribution template.
func (store *Store) DeleteTemplate(templateID string) error {
	operationError := store.deleteTemplate(templateID)
	store.logOperation(OperationLog{Operation: operationDeleteTemplate, TemplateID: templateID, Error: operationError})
	return operationError
}

func (store *Store) deleteTemplate(templateID string) error {
	normalized, err := normalizeID(templateID, ErrInvalidTemplateID)
	if err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	index := store.templateIndex(normalized)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, normalized)
	}
	store.templates = append(store.templates[:index:index], store.templates[index+1:]...)
	store.commit(operationDeleteTemplate, []DocumentWrite{deleteDocument(CollectionTemplates, normalized)})
	return nil
}

// MarkTemplateUsed records when a template was last applied.
func (store *Store) MarkTemplateUsed(templateID string, usedAt time.Time) (DistributionTemplate, error) {
	template, operationError := store.markTemplateUsed(templateID, usedAt)
	store.logOperation(OperationLog{Operation: operationMarkTemplateUsed, TemplateID: templateID, Error: operationError})
	return template, operationError
}

func (store *Store) markTemplateUsed(templateID string, usedAt time.Time) (DistributionTemplate, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	index := store.templateIndex(templateID)
	if index < 0 {
		return DistributionTemplate{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}
	usedAt = transactionDate(usedAt, store.nowFn())
	store.templates[index].LastUsed = usedAt
	store.commit(operationMarkTemplateUsed, []DocumentWrite{{
		Kind:       WritePatch,
		Collection: CollectionTemplates,
		DocumentID: templateID,
		Fields:     map[string]any{FieldLastUsed: usedAt},
	}})
	return store.templates[index].clone(), nil
}

// CleanupOrphanedTemplates drops template keys that reference missing envelopes and deletes
// templates left empty. It returns the number of templates changed or removed.
func (store *Store) CleanupOrphanedTemplates() int {
	cleaned := store.cleanupOrphanedTemplates()
	if cleaned > 0 {
		store.logOperation(OperationLog{Operation: operationCleanupTemplates})
	}
	return cleaned
}

func (store *Store) cleanupOrphanedTemplates() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	writes := store.purgeTemplateReferences(func(envelopeID string) bool {
		return store.envelopeIndex(envelopeID) < 0
	})
	store.commit(operationCleanupTemplates, writes)
	return len(writes)
}

// purgeTemplateReferences must be called with the lock held.
func (store *Store) purgeTemplateReferences(match func(envelopeID string) bool) []DocumentWrite {
	var writes []DocumentWrite
	kept := make([]DistributionTemplate, 0, len(store.templates))
	for _, template := range store.templates {
		changed := false
		for envelopeID := range template.Distributions {
			if match(envelopeID) {
				if !changed {
					template = template.clone()
					changed = true
				}
				delete(template.Distributions, envelopeID)
			}
		}
		switch {
		case !changed:
			kept = append(kept, template)
		case len(template.Distributions) == 0:
			writes = append(writes, deleteDocument(CollectionTemplates, template.ID))
		default:
			kept = append(kept, template)
			writes = append(writes, putTemplate(template))
		}
	}
	store.templates = kept
	return writes
}
