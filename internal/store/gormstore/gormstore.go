package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/remote"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPollInterval     = 5 * time.Second
	errorOperationStore     = "store"
	errorSubjectEnvelope    = "envelope"
	errorSubjectSettings    = "settings"
	errorSubjectSnapshot    = "snapshot"
	errorSubjectTemplate    = "template"
	errorSubjectTransaction = "transaction"
	errorSubjectWrite       = "write"
	errorCodeApply          = "apply"
	errorCodeDelete         = "delete"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeNotFound       = "not_found"
	errorCodePatch          = "patch"
	errorCodePut            = "put"
)

var (
	errMissingDocument    = errors.New("document missing from put")
	errUnsupportedField   = errors.New("unsupported patch field")
	errUnsupportedWrite   = errors.New("unsupported write")
	errDocumentNotPresent = errors.New("document not found")
)

var _ remote.Store = (*Store)(nil)

// Store implements remote.Store using GORM. Every user owns a namespace keyed by user_id.
type Store struct {
	db            *gorm.DB
	pollInterval  time.Duration
	notifyChannel string
	wakeups       <-chan string
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often subscriptions check for remote changes.
func WithPollInterval(interval time.Duration) Option {
	return func(store *Store) {
		if interval > 0 {
			store.pollInterval = interval
		}
	}
}

// WithChangeNotification makes Apply and DeleteAll announce the user id on a PostgreSQL
// NOTIFY channel inside the same database transaction.
func WithChangeNotification(channel string) Option {
	return func(store *Store) {
		store.notifyChannel = channel
	}
}

// WithWakeups makes subscriptions poll immediately when a user id arrives on wakeups.
func WithWakeups(wakeups <-chan string) Option {
	return func(store *Store) {
		store.wakeups = wakeups
	}
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db, pollInterval: defaultPollInterval}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// Load reads every document of the user, envelopes by orderIndex and transactions newest first.
func (store *Store) Load(ctx context.Context, userID string) (ledger.Snapshot, error) {
	normalized, err := remote.NormalizeUserID(userID)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	database := store.db.WithContext(ctx)

	var envelopeRows []EnvelopeRecord
	if err := database.Where("user_id = ?", normalized).Order("order_index ASC").Find(&envelopeRows).Error; err != nil {
		return ledger.Snapshot{}, wrapStoreError(errorSubjectEnvelope, errorCodeList, err)
	}
	var transactionRows []TransactionRecord
	if err := database.Where("user_id = ?", normalized).Order("date DESC").Find(&transactionRows).Error; err != nil {
		return ledger.Snapshot{}, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	var templateRows []TemplateRecord
	if err := database.Where("user_id = ?", normalized).Order("template_id ASC").Find(&templateRows).Error; err != nil {
		return ledger.Snapshot{}, wrapStoreError(errorSubjectTemplate, errorCodeList, err)
	}
	var settingsRows []SettingsRecord
	if err := database.Where("user_id = ?", normalized).Limit(1).Find(&settingsRows).Error; err != nil {
		return ledger.Snapshot{}, wrapStoreError(errorSubjectSettings, errorCodeList, err)
	}

	snapshot := ledger.Snapshot{
		Envelopes:             make([]ledger.Envelope, 0, len(envelopeRows)),
		Transactions:          make([]ledger.Transaction, 0, len(transactionRows)),
		DistributionTemplates: make([]ledger.DistributionTemplate, 0, len(templateRows)),
	}
	for _, row := range envelopeRows {
		envelope, err := mapEnvelope(row)
		if err != nil {
			return ledger.Snapshot{}, wrapStoreError(errorSubjectEnvelope, errorCodeInvalid, err)
		}
		snapshot.Envelopes = append(snapshot.Envelopes, envelope)
	}
	for _, row := range transactionRows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return ledger.Snapshot{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		snapshot.Transactions = append(snapshot.Transactions, transaction)
	}
	for _, row := range templateRows {
		template, err := mapTemplate(row)
		if err != nil {
			return ledger.Snapshot{}, wrapStoreError(errorSubjectTemplate, errorCodeInvalid, err)
		}
		snapshot.DistributionTemplates = append(snapshot.DistributionTemplates, template)
	}
	if len(settingsRows) == 1 {
		theme, err := ledger.ParseTheme(settingsRows[0].Theme)
		if err != nil {
			return ledger.Snapshot{}, wrapStoreError(errorSubjectSettings, errorCodeInvalid, err)
		}
		snapshot.AppSettings = &ledger.AppSettings{Theme: theme}
	}
	remote.SortSnapshot(&snapshot)
	return snapshot, nil
}

// Apply writes the documents of one ledger change inside a single database transaction.
func (store *Store) Apply(ctx context.Context, userID string, writes []ledger.DocumentWrite) error {
	normalized, err := remote.NormalizeUserID(userID)
	if err != nil {
		return err
	}
	err = store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, write := range writes {
			if err := applyWrite(transaction, normalized, write); err != nil {
				return err
			}
		}
		return store.announce(transaction, normalized)
	})
	if err != nil {
		var remoteError *remote.Error
		if errors.As(err, &remoteError) {
			return err
		}
		return wrapStoreError(errorSubjectWrite, errorCodeApply, err)
	}
	return nil
}

// DeleteAll removes every document of the user.
func (store *Store) DeleteAll(ctx context.Context, userID string) error {
	normalized, err := remote.NormalizeUserID(userID)
	if err != nil {
		return err
	}
	err = store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, model := range Models() {
			if err := transaction.Where("user_id = ?", normalized).Delete(model).Error; err != nil {
				return err
			}
		}
		return store.announce(transaction, normalized)
	})
	if err != nil {
		return wrapStoreError(errorSubjectSnapshot, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) announce(transaction *gorm.DB, userID string) error {
	if store.notifyChannel == "" {
		return nil
	}
	return transaction.Exec("SELECT pg_notify(?, ?)", store.notifyChannel, userID).Error
}

func applyWrite(database *gorm.DB, userID string, write ledger.DocumentWrite) error {
	switch write.Kind {
	case ledger.WritePut:
		return putDocument(database, userID, write)
	case ledger.WritePatch:
		return patchDocument(database, userID, write)
	case ledger.WriteDelete:
		return deleteDocument(database, userID, write)
	default:
		return wrapStoreError(errorSubjectWrite, errorCodeInvalid, errUnsupportedWrite)
	}
}

func putDocument(database *gorm.DB, userID string, write ledger.DocumentWrite) error {
	upsert := database.Clauses(clause.OnConflict{UpdateAll: true})
	switch {
	case write.Collection == ledger.CollectionEnvelopes && write.Envelope != nil:
		record := envelopeRecord(userID, *write.Envelope)
		if err := upsert.Create(&record).Error; err != nil {
			return wrapStoreError(errorSubjectEnvelope, errorCodePut, err)
		}
	case write.Collection == ledger.CollectionTransactions && write.Transaction != nil:
		record := transactionRecord(userID, *write.Transaction)
		if err := upsert.Create(&record).Error; err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodePut, err)
		}
	case write.Collection == ledger.CollectionTemplates && write.Template != nil:
		record, err := templateRecord(userID, *write.Template)
		if err != nil {
			return wrapStoreError(errorSubjectTemplate, errorCodeInvalid, err)
		}
		if err := upsert.Create(&record).Error; err != nil {
			return wrapStoreError(errorSubjectTemplate, errorCodePut, err)
		}
	case write.Collection == ledger.CollectionSettings && write.Settings != nil:
		record := SettingsRecord{UserID: userID, Theme: string(write.Settings.Theme)}
		if err := upsert.Create(&record).Error; err != nil {
			return wrapStoreError(errorSubjectSettings, errorCodePut, err)
		}
	default:
		return wrapStoreError(errorSubjectWrite, errorCodeInvalid, errMissingDocument)
	}
	return nil
}

func patchDocument(database *gorm.DB, userID string, write ledger.DocumentWrite) error {
	var (
		model   any
		subject string
		where   string
	)
	switch write.Collection {
	case ledger.CollectionEnvelopes:
		model, subject, where = &EnvelopeRecord{}, errorSubjectEnvelope, "user_id = ? AND envelope_id = ?"
	case ledger.CollectionTemplates:
		model, subject, where = &TemplateRecord{}, errorSubjectTemplate, "user_id = ? AND template_id = ?"
	default:
		return wrapStoreError(errorSubjectWrite, errorCodeInvalid, errUnsupportedWrite)
	}
	columns, err := patchColumns(write.Collection, write.Fields)
	if err != nil {
		return wrapStoreError(subject, errorCodeInvalid, err)
	}
	result := database.Model(model).Where(where, userID, write.DocumentID).Updates(columns)
	if result.Error != nil {
		return wrapStoreError(subject, errorCodePatch, result.Error)
	}
	if result.RowsAffected == 0 {
		return remote.NewError(remote.KindNotFound, errorCodePatch, ledger.WrapError(errorOperationStore, subject, errorCodeNotFound, errDocumentNotPresent))
	}
	return nil
}

func deleteDocument(database *gorm.DB, userID string, write ledger.DocumentWrite) error {
	var (
		query   *gorm.DB
		subject string
	)
	switch write.Collection {
	case ledger.CollectionEnvelopes:
		subject = errorSubjectEnvelope
		query = database.Where("user_id = ? AND envelope_id = ?", userID, write.DocumentID).Delete(&EnvelopeRecord{})
	case ledger.CollectionTransactions:
		subject = errorSubjectTransaction
		query = database.Where("user_id = ? AND transaction_id = ?", userID, write.DocumentID).Delete(&TransactionRecord{})
	case ledger.CollectionTemplates:
		subject = errorSubjectTemplate
		query = database.Where("user_id = ? AND template_id = ?", userID, write.DocumentID).Delete(&TemplateRecord{})
	case ledger.CollectionSettings:
		subject = errorSubjectSettings
		query = database.Where("user_id = ?", userID).Delete(&SettingsRecord{})
	default:
		return wrapStoreError(errorSubjectWrite, errorCodeInvalid, errUnsupportedWrite)
	}
	if query.Error != nil {
		return wrapStoreError(subject, errorCodeDelete, query.Error)
	}
	return nil
}

func patchColumns(collection ledger.Collection, fields map[string]any) (map[string]any, error) {
	columns := make(map[string]any, len(fields))
	for field, value := range fields {
		switch {
		case collection == ledger.CollectionEnvelopes && field == ledger.FieldName:
			name, ok := value.(string)
			if !ok {
				return nil, errUnsupportedField
			}
			columns["name"] = name
		case collection == ledger.CollectionEnvelopes && field == ledger.FieldCurrentBalance:
			balance, ok := value.(decimal.Decimal)
			if !ok {
				return nil, errUnsupportedField
			}
			columns["current_balance"] = balance.String()
		case collection == ledger.CollectionEnvelopes && field == ledger.FieldLastUpdated:
			lastUpdated, ok := value.(time.Time)
			if !ok {
				return nil, errUnsupportedField
			}
			columns["last_updated"] = lastUpdated.UTC()
		case collection == ledger.CollectionTemplates && field == ledger.FieldLastUsed:
			lastUsed, ok := value.(time.Time)
			if !ok {
				return nil, errUnsupportedField
			}
			columns["last_used"] = lastUsed.UTC()
		default:
			return nil, errUnsupportedField
		}
	}
	return columns, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return remote.NewError(classifyKind(err), code, ledger.WrapError(errorOperationStore, subject, code, err))
}

func envelopeRecord(userID string, envelope ledger.Envelope) EnvelopeRecord {
	return EnvelopeRecord{
		UserID:         userID,
		EnvelopeID:     envelope.ID,
		Name:           envelope.Name,
		CurrentBalance: envelope.CurrentBalance.String(),
		LastUpdated:    envelope.LastUpdated.UTC(),
		IsActive:       envelope.IsActive,
		OrderIndex:     envelope.OrderIndex,
	}
}

func transactionRecord(userID string, transaction ledger.Transaction) TransactionRecord {
	var transferID *string
	if transaction.TransferID != "" {
		value := transaction.TransferID
		transferID = &value
	}
	return TransactionRecord{
		UserID:        userID,
		TransactionID: transaction.ID,
		EnvelopeID:    transaction.EnvelopeID,
		Date:          transaction.Date.UTC(),
		Amount:        transaction.Amount.String(),
		Description:   transaction.Description,
		Reconciled:    transaction.Reconciled,
		Type:          transaction.Type.String(),
		TransferID:    transferID,
	}
}

func templateRecord(userID string, template ledger.DistributionTemplate) (TemplateRecord, error) {
	encoded, err := json.Marshal(template.Distributions)
	if err != nil {
		return TemplateRecord{}, err
	}
	return TemplateRecord{
		UserID:        userID,
		TemplateID:    template.ID,
		Name:          template.Name,
		Distributions: datatypes.JSON(encoded),
		LastUsed:      template.LastUsed.UTC(),
		Note:          template.Note,
	}, nil
}

func mapEnvelope(row EnvelopeRecord) (ledger.Envelope, error) {
	balance, err := decimal.NewFromString(row.CurrentBalance)
	if err != nil {
		return ledger.Envelope{}, err
	}
	return ledger.Envelope{
		ID:             row.EnvelopeID,
		Name:           row.Name,
		CurrentBalance: balance,
		LastUpdated:    row.LastUpdated.UTC(),
		IsActive:       row.IsActive,
		OrderIndex:     row.OrderIndex,
	}, nil
}

func mapTransaction(row TransactionRecord) (ledger.Transaction, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction := ledger.Transaction{
		ID:          row.TransactionID,
		Date:        row.Date.UTC(),
		Amount:      amount,
		Description: row.Description,
		EnvelopeID:  row.EnvelopeID,
		Reconciled:  row.Reconciled,
		Type:        transactionType,
	}
	if row.TransferID != nil {
		transaction.TransferID = *row.TransferID
	}
	return transaction, nil
}

func mapTemplate(row TemplateRecord) (ledger.DistributionTemplate, error) {
	distributions := make(map[string]decimal.Decimal)
	if len(row.Distributions) > 0 {
		if err := json.Unmarshal(row.Distributions, &distributions); err != nil {
			return ledger.DistributionTemplate{}, err
		}
	}
	return ledger.DistributionTemplate{
		ID:            row.TemplateID,
		Name:          row.Name,
		Distributions: distributions,
		LastUsed:      row.LastUsed.UTC(),
		Note:          row.Note,
	}, nil
}
