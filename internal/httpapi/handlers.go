package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/syncer"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	defaultDepositNote = "Deposit"
	maxImportBytes     = 16 << 20
	exportFileLayout   = "2006-01-02"
)

type stateResponse struct {
	ledger.Snapshot
	TotalBalance decimal.Decimal `json:"totalBalance"`
	Sync         syncer.Meta     `json:"sync"`
}

type createEnvelopeRequest struct {
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
}

type renameEnvelopeRequest struct {
	Name string `json:"name"`
}

type movementRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
	Date   time.Time       `json:"date"`
}

type transferRequest struct {
	FromEnvelopeID string          `json:"fromEnvelopeId"`
	ToEnvelopeID   string          `json:"toEnvelopeId"`
	Amount         decimal.Decimal `json:"amount"`
	Note           string          `json:"note"`
	Date           time.Time       `json:"date"`
}

type saveTemplateRequest struct {
	Name          string                     `json:"name"`
	Distributions map[string]decimal.Decimal `json:"distributions"`
	Note          string                     `json:"note"`
}

type applyTemplateRequest struct {
	Note string    `json:"note"`
	Date time.Time `json:"date"`
}

type applyTemplateResponse struct {
	Template     ledger.DistributionTemplate `json:"template"`
	Transactions []ledger.Transaction         `json:"transactions"`
}

type balanceResponse struct {
	EnvelopeID string          `json:"envelopeId"`
	Balance    decimal.Decimal `json:"balance"`
	Replayed   decimal.Decimal `json:"replayed"`
	Consistent bool            `json:"consistent"`
}

func (handler *httpHandler) handleState(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, stateResponse{
		Snapshot:     handler.ledger.Snapshot(),
		TotalBalance: handler.ledger.TotalBalance(),
		Sync:         handler.reconciler.Meta(),
	})
}

func (handler *httpHandler) handleCreateEnvelope(ctx *gin.Context) {
	var request createEnvelopeRequest
	if !handler.bind(ctx, &request) {
		return
	}
	envelope, err := handler.ledger.CreateEnvelope(request.Name, request.InitialBalance)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, envelope)
}

func (handler *httpHandler) handleRenameEnvelope(ctx *gin.Context) {
	var request renameEnvelopeRequest
	if !handler.bind(ctx, &request) {
		return
	}
	envelope, err := handler.ledger.RenameEnvelope(ctx.Param("id"), request.Name)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, envelope)
}

func (handler *httpHandler) handleDeleteEnvelope(ctx *gin.Context) {
	if err := handler.ledger.DeleteEnvelope(ctx.Param("id")); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	envelopeID := ctx.Param("id")
	balance, err := handler.ledger.Balance(envelopeID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	replayed, err := handler.ledger.ReplayBalance(envelopeID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{
		EnvelopeID: envelopeID,
		Balance:    balance,
		Replayed:   replayed,
		Consistent: balance.Equal(replayed),
	})
}

func (handler *httpHandler) handleIncome(ctx *gin.Context) {
	handler.handleMovement(ctx, handler.ledger.AddToEnvelope)
}

func (handler *httpHandler) handleExpense(ctx *gin.Context) {
	handler.handleMovement(ctx, handler.ledger.SpendFromEnvelope)
}

func (handler *httpHandler) handleMovement(ctx *gin.Context, record func(string, ledger.PositiveAmount, string, time.Time) (ledger.Transaction, error)) {
	var request movementRequest
	if !handler.bind(ctx, &request) {
		return
	}
	amount, err := ledger.NewPositiveAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transaction, err := record(ctx.Param("id"), amount, request.Note, request.Date)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, transaction)
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	var request transferRequest
	if !handler.bind(ctx, &request) {
		return
	}
	amount, err := ledger.NewPositiveAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transfer, err := handler.ledger.TransferFunds(request.FromEnvelopeID, request.ToEnvelopeID, amount, request.Note, request.Date)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, transfer)
}

func (handler *httpHandler) handleUpdateTransaction(ctx *gin.Context) {
	var transaction ledger.Transaction
	if !handler.bind(ctx, &transaction) {
		return
	}
	transaction.ID = ctx.Param("id")
	updated, err := handler.ledger.UpdateTransaction(transaction)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, updated)
}

// handleDeleteTransaction returns the removed transactions so a client can offer undo through
// the restore endpoint.
func (handler *httpHandler) handleDeleteTransaction(ctx *gin.Context) {
	removed, err := handler.ledger.DeleteTransaction(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (handler *httpHandler) handleRestoreTransaction(ctx *gin.Context) {
	var transaction ledger.Transaction
	if !handler.bind(ctx, &transaction) {
		return
	}
	restored, err := handler.ledger.RestoreTransaction(transaction)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"restored": restored})
}

func (handler *httpHandler) handleSaveTemplate(ctx *gin.Context) {
	var request saveTemplateRequest
	if !handler.bind(ctx, &request) {
		return
	}
	template, err := handler.ledger.SaveTemplate(request.Name, request.Distributions, request.Note)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, template)
}

func (handler *httpHandler) handleDeleteTemplate(ctx *gin.Context) {
	if err := handler.ledger.DeleteTemplate(ctx.Param("id")); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

// handleApplyTemplate deposits every allocation of a template into its envelope and marks the
// template as used. Allocations are recorded in envelope id order; a failure stops the run and
// keeps the deposits already recorded.
func (handler *httpHandler) handleApplyTemplate(ctx *gin.Context) {
	var request applyTemplateRequest
	if ctx.Request.ContentLength > 0 && !handler.bind(ctx, &request) {
		return
	}
	template, err := handler.ledger.Template(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	note := strings.TrimSpace(request.Note)
	if note == "" {
		note = defaultDepositNote
	}

	envelopeIDs := make([]string, 0, len(template.Distributions))
	for envelopeID := range template.Distributions {
		envelopeIDs = append(envelopeIDs, envelopeID)
	}
	sort.Strings(envelopeIDs)

	transactions := make([]ledger.Transaction, 0, len(envelopeIDs))
	for _, envelopeID := range envelopeIDs {
		amount, err := ledger.NewPositiveAmount(template.Distributions[envelopeID])
		if err != nil {
			continue
		}
		transaction, err := handler.ledger.AddToEnvelope(envelopeID, amount, note, request.Date)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		transactions = append(transactions, transaction)
	}
	used, err := handler.ledger.MarkTemplateUsed(template.ID, handler.clock())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, applyTemplateResponse{Template: used, Transactions: transactions})
}

func (handler *httpHandler) handleUpdateSettings(ctx *gin.Context) {
	var settings ledger.AppSettings
	if !handler.bind(ctx, &settings) {
		return
	}
	updated, err := handler.ledger.UpdateAppSettings(settings)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, updated)
}

func (handler *httpHandler) handleExport(ctx *gin.Context) {
	encoded, err := handler.reconciler.ExportData()
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	fileName := fmt.Sprintf("envelope-budget-backup-%s.json", handler.clock().Format(exportFileLayout))
	ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	ctx.Data(http.StatusOK, "application/json", encoded)
}

func (handler *httpHandler) handleImport(ctx *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxImportBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "unreadable body"))
		return
	}
	result := handler.reconciler.ImportData(ctx.Request.Context(), data)
	if !result.Success {
		ctx.JSON(http.StatusBadRequest, result)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (handler *httpHandler) handleSyncStatus(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, handler.reconciler.Meta())
}

func (handler *httpHandler) handleSync(ctx *gin.Context) {
	if err := handler.reconciler.SyncData(ctx.Request.Context()); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, handler.reconciler.Meta())
}

func (handler *httpHandler) handleReset(ctx *gin.Context) {
	if err := handler.reconciler.ResetData(ctx.Request.Context()); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, handler.reconciler.Meta())
}

func (handler *httpHandler) handleConnectivityCheck(ctx *gin.Context) {
	handler.reconciler.UpdateOnlineStatus(ctx.Request.Context())
	ctx.JSON(http.StatusOK, handler.reconciler.Meta())
}

func (handler *httpHandler) handleLogout(ctx *gin.Context) {
	handler.reconciler.HandleUserLogout()
	if handler.verifier != nil {
		http.SetCookie(ctx.Writer, &http.Cookie{
			Name:     handler.verifier.CookieName(),
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) bind(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		handler.respondError(ctx, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return false
	}
	return true
}
