package gormstore

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EnvelopeRecord mirrors the envelopes table. Amounts are stored as decimal strings.
type EnvelopeRecord struct {
	UserID         string    `gorm:"primaryKey;index:idx_envelopes_user_order,priority:1"`
	EnvelopeID     string    `gorm:"primaryKey"`
	Name           string    `gorm:"not null"`
	CurrentBalance string    `gorm:"not null"`
	LastUpdated    time.Time `gorm:"not null"`
	IsActive       bool      `gorm:"not null"`
	OrderIndex     int       `gorm:"not null;index:idx_envelopes_user_order,priority:2"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (EnvelopeRecord) TableName() string { return "envelopes" }

// TransactionRecord mirrors the transactions table.
type TransactionRecord struct {
	UserID        string    `gorm:"primaryKey;index:idx_transactions_user_date,priority:1"`
	TransactionID string    `gorm:"primaryKey"`
	EnvelopeID    string    `gorm:"not null;index"`
	Date          time.Time `gorm:"not null;index:idx_transactions_user_date,priority:2"`
	Amount        string    `gorm:"not null"`
	Description   string    `gorm:"not null"`
	Reconciled    bool      `gorm:"not null"`
	Type          string    `gorm:"not null"`
	TransferID    *string   `gorm:"index"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (TransactionRecord) TableName() string { return "transactions" }

// BeforeSave stores an empty transfer id as NULL.
func (record *TransactionRecord) BeforeSave(tx *gorm.DB) error {
	if record.TransferID != nil && *record.TransferID == "" {
		record.TransferID = nil
	}
	return nil
}

// TemplateRecord mirrors the distribution_templates table.
type TemplateRecord struct {
	UserID        string         `gorm:"primaryKey"`
	TemplateID    string         `gorm:"primaryKey"`
	Name          string         `gorm:"not null"`
	Distributions datatypes.JSON `gorm:"not null"`
	LastUsed      time.Time      `gorm:"not null"`
	Note          string         `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (TemplateRecord) TableName() string { return "distribution_templates" }

// SettingsRecord mirrors the app_settings table, one row per user.
type SettingsRecord struct {
	UserID    string    `gorm:"primaryKey"`
	Theme     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (SettingsRecord) TableName() string { return "app_settings" }

// Models lists every table managed by the store.
func Models() []any {
	return []any{&EnvelopeRecord{}, &TransactionRecord{}, &TemplateRecord{}, &SettingsRecord{}}
}
