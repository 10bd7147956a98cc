package ledger

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestTransferFailuresKeepSentinelsThroughOperationError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	groceries := mustCreateEnvelope(test, store, "Groceries", "30")

	testCases := []struct {
		name      string
		from      string
		to        string
		code      string
		sentinels []error
	}{
		{name: "same envelope", from: groceries.ID, to: groceries.ID, code: "same_envelope", sentinels: []error{ErrInvalidTransfer}},
		{name: "unknown source", from: "missing", to: groceries.ID, code: "not_found", sentinels: []error{ErrInvalidTransfer, ErrUnknownEnvelope}},
		{name: "unknown destination", from: groceries.ID, to: "missing", code: "not_found", sentinels: []error{ErrInvalidTransfer, ErrUnknownEnvelope}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			_, transferErr := store.TransferFunds(testCase.from, testCase.to, mustPositiveAmount(test, "5"), "", fixedTime)
			if transferErr == nil {
				test.Fatalf("expected transfer to fail")
			}
			wrapped := WrapError(operationTransferFunds, "envelope", testCase.code, transferErr)

			var operationError OperationError
			if !errors.As(wrapped, &operationError) {
				test.Fatalf("expected OperationError, got %T", wrapped)
			}
			if operationError.Operation() != operationTransferFunds || operationError.Subject() != "envelope" || operationError.Code() != testCase.code {
				test.Fatalf("unexpected segments %s.%s.%s", operationError.Operation(), operationError.Subject(), operationError.Code())
			}
			prefix := "transfer_funds.envelope." + testCase.code + ": "
			if !strings.HasPrefix(wrapped.Error(), prefix) || !strings.HasSuffix(wrapped.Error(), transferErr.Error()) {
				test.Fatalf("unexpected message %q", wrapped.Error())
			}
			for _, sentinel := range testCase.sentinels {
				if !errors.Is(wrapped, sentinel) {
					test.Fatalf("expected %v in chain of %v", sentinel, wrapped)
				}
			}
		})
	}

	assertBalance(test, store, groceries.ID, "30")
	if len(store.Snapshot().Transactions) != 1 {
		test.Fatalf("failed transfers must not record transactions")
	}
}

func TestWrapErrorKeepsSuccessNil(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	envelope, err := store.CreateEnvelope("Rent", decimal.NewFromInt(100))
	if WrapError(operationCreateEnvelope, "envelope", "invalid", err) != nil {
		test.Fatalf("a nil error must stay nil after wrapping")
	}
	if _, renameErr := store.RenameEnvelope(envelope.ID, "  "); !errors.Is(WrapError(operationRenameEnvelope, "envelope", "invalid", renameErr), ErrInvalidEnvelopeName) {
		test.Fatalf("expected ErrInvalidEnvelopeName, got %v", renameErr)
	}
}
