package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates transaction kinds. Transfer legs reuse Income and Expense.
type TransactionType string

const (
	TransactionIncome  TransactionType = "Income"
	TransactionExpense TransactionType = "Expense"
)

// ParseTransactionType validates a transaction type regardless of letter case.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "income":
		return TransactionIncome, nil
	case "expense":
		return TransactionExpense, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the canonical type name.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// UnmarshalJSON accepts any letter case and rejects unknown types.
func (transactionType *TransactionType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransactionType, err)
	}
	parsed, err := ParseTransactionType(raw)
	if err != nil {
		return err
	}
	*transactionType = parsed
	return nil
}

// Signed applies the type's sign to a positive amount: income adds, expense subtracts.
func (transactionType TransactionType) Signed(amount decimal.Decimal) decimal.Decimal {
	if transactionType == TransactionExpense {
		return amount.Neg()
	}
	return amount
}

// PositiveAmount is a strictly positive money amount.
type PositiveAmount struct {
	value decimal.Decimal
}

// NewPositiveAmount validates that the amount is greater than zero.
func NewPositiveAmount(value decimal.Decimal) (PositiveAmount, error) {
	if !value.IsPositive() {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount{value: value}, nil
}

// ParsePositiveAmount parses a decimal string such as "12.50".
func ParsePositiveAmount(raw string) (PositiveAmount, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return PositiveAmount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewPositiveAmount(value)
}

// Decimal returns the underlying value.
func (amount PositiveAmount) Decimal() decimal.Decimal {
	return amount.value
}

// String returns the decimal representation.
func (amount PositiveAmount) String() string {
	return amount.value.String()
}

// Envelope is a named bucket holding a running balance.
// CurrentBalance is a materialized view of the transactions referencing the envelope.
type Envelope struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
	LastUpdated    time.Time       `json:"lastUpdated"`
	IsActive       bool            `json:"isActive"`
	OrderIndex     int             `json:"orderIndex"`
}

// Transaction is a single dated money movement against one envelope.
type Transaction struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	EnvelopeID  string          `json:"envelopeId"`
	Reconciled  bool            `json:"reconciled"`
	Type        TransactionType `json:"type"`
	TransferID  string          `json:"transferId,omitempty"`
}

// SignedAmount returns the transaction's contribution to its envelope balance.
func (transaction Transaction) SignedAmount() decimal.Decimal {
	return transaction.Type.Signed(transaction.Amount)
}

// IsTransferLeg reports whether the transaction is one half of a transfer.
func (transaction Transaction) IsTransferLeg() bool {
	return transaction.TransferID != ""
}

func (transaction Transaction) validate() error {
	if strings.TrimSpace(transaction.ID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	if strings.TrimSpace(transaction.EnvelopeID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidEnvelopeID)
	}
	if _, err := ParseTransactionType(transaction.Type.String()); err != nil {
		return err
	}
	if !transaction.Amount.IsPositive() {
		return fmt.Errorf("%w: transaction %s amount must be greater than zero", ErrInvalidAmount, transaction.ID)
	}
	return nil
}

// DistributionTemplate is a saved recipe for splitting a deposit across envelopes.
type DistributionTemplate struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	Distributions map[string]decimal.Decimal `json:"distributions"`
	LastUsed      time.Time                  `json:"lastUsed"`
	Note          string                     `json:"note"`
}

func (template DistributionTemplate) clone() DistributionTemplate {
	distributions := make(map[string]decimal.Decimal, len(template.Distributions))
	for envelopeID, amount := range template.Distributions {
		distributions[envelopeID] = amount
	}
	template.Distributions = distributions
	return template
}

// Theme selects the UI color scheme.
type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

// ParseTheme validates a theme name.
func ParseTheme(raw string) (Theme, error) {
	switch Theme(strings.ToLower(strings.TrimSpace(raw))) {
	case ThemeLight:
		return ThemeLight, nil
	case ThemeDark:
		return ThemeDark, nil
	case ThemeSystem, "":
		return ThemeSystem, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTheme, raw)
	}
}

// AppSettings is the user-scoped configuration singleton.
type AppSettings struct {
	Theme Theme `json:"theme"`
}

// DefaultAppSettings returns the settings used before the user changes anything.
func DefaultAppSettings() AppSettings {
	return AppSettings{Theme: ThemeSystem}
}

// Snapshot is a read-only copy of the whole ledger state.
type Snapshot struct {
	Envelopes             []Envelope             `json:"envelopes"`
	Transactions          []Transaction          `json:"transactions"`
	DistributionTemplates []DistributionTemplate `json:"distributionTemplates"`
	AppSettings           *AppSettings           `json:"appSettings,omitempty"`
}

// BalanceMismatch reports an envelope whose cached balance diverges from its replayed balance.
type BalanceMismatch struct {
	EnvelopeID string
	Cached     decimal.Decimal
	Replayed   decimal.Decimal
}
