package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/remote"
	"github.com/MarkoPoloResearchLab/envelopes/internal/session"
	"github.com/MarkoPoloResearchLab/envelopes/internal/syncer"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey   = "auth_claims"
	decisionContextKey = "session_decision"
)

// ErrInvalidConfig indicates the router cannot be built.
var ErrInvalidConfig = errors.New("invalid http api config")

var errInvalidRequest = errors.New("invalid request")

// Config wires the HTTP facade. Verifier and SessionValidator are nil in local-only mode,
// where every request is served without authentication.
type Config struct {
	Ledger           *ledger.Store
	Reconciler       *syncer.Reconciler
	Verifier         *session.TokenVerifier
	SessionValidator *sessionvalidator.Validator
	AllowedOrigins   []string
	Logger           *zap.Logger
	Clock            func() time.Time
}

// NewRouter builds the gin engine exposing ledger and sync operations.
func NewRouter(cfg Config) (*gin.Engine, error) {
	if cfg.Ledger == nil || cfg.Reconciler == nil {
		return nil, fmt.Errorf("%w: ledger and reconciler are required", ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	hub := newHub()
	cfg.Ledger.AddObserver(hub)
	handler := &httpHandler{
		logger:     cfg.Logger,
		ledger:     cfg.Ledger,
		reconciler: cfg.Reconciler,
		verifier:   cfg.Verifier,
		hub:        hub,
		origins:    cfg.AllowedOrigins,
		clock:      cfg.Clock,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.SessionValidator != nil {
		account := router.Group("/api/session")
		account.Use(cfg.SessionValidator.GinMiddleware(claimsContextKey))
		account.GET("", handler.handleSession)
	}

	api := router.Group("/api")
	api.Use(handler.authorize)

	api.GET("/state", handler.handleState)
	api.GET("/events", handler.handleEvents)

	api.POST("/envelopes", handler.handleCreateEnvelope)
	api.PATCH("/envelopes/:id", handler.handleRenameEnvelope)
	api.DELETE("/envelopes/:id", handler.handleDeleteEnvelope)
	api.GET("/envelopes/:id/balance", handler.handleBalance)
	api.POST("/envelopes/:id/income", handler.handleIncome)
	api.POST("/envelopes/:id/expense", handler.handleExpense)
	api.POST("/transfers", handler.handleTransfer)

	api.PUT("/transactions/:id", handler.handleUpdateTransaction)
	api.DELETE("/transactions/:id", handler.handleDeleteTransaction)
	api.POST("/transactions/restore", handler.handleRestoreTransaction)

	api.POST("/templates", handler.handleSaveTemplate)
	api.DELETE("/templates/:id", handler.handleDeleteTemplate)
	api.POST("/templates/:id/apply", handler.handleApplyTemplate)

	api.PUT("/settings", handler.handleUpdateSettings)

	api.GET("/export", handler.handleExport)
	api.POST("/import", handler.handleImport)
	api.GET("/sync", handler.handleSyncStatus)
	api.POST("/sync", handler.handleSync)
	api.POST("/reset", handler.handleReset)
	api.POST("/connectivity/check", handler.handleConnectivityCheck)
	api.POST("/logout", handler.handleLogout)

	return router, nil
}

type httpHandler struct {
	logger     *zap.Logger
	ledger     *ledger.Store
	reconciler *syncer.Reconciler
	verifier   *session.TokenVerifier
	hub        *hub
	origins    []string
	clock      func() time.Time
}

// authorize turns the request's session token into the live signal for the session gate.
// Requests are rejected only when neither a live session nor the offline grace period applies.
func (handler *httpHandler) authorize(ctx *gin.Context) {
	if handler.verifier == nil {
		ctx.Next()
		return
	}
	liveUserID := ""
	claims, err := handler.verifier.FromRequest(ctx.Request)
	switch {
	case err == nil:
		liveUserID = claims.GetUserID()
		ctx.Set(claimsContextKey, claims)
	case errors.Is(err, session.ErrInvalidToken):
		handler.logger.Debug("session token rejected", zap.Error(err))
	}
	decision := handler.reconciler.Authenticate(ctx.Request.Context(), liveUserID)
	if !decision.Authenticated {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.Set(decisionContextKey, decision)
	ctx.Next()
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidEnvelopeID),
		errors.Is(err, ledger.ErrInvalidTransactionID),
		errors.Is(err, ledger.ErrInvalidTemplateID),
		errors.Is(err, ledger.ErrInvalidEnvelopeName),
		errors.Is(err, ledger.ErrInvalidTemplateName),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTransactionType),
		errors.Is(err, ledger.ErrInvalidTransfer),
		errors.Is(err, ledger.ErrInvalidTemplate),
		errors.Is(err, ledger.ErrInvalidTheme),
		errors.Is(err, ledger.ErrInvalidSnapshot),
		errors.Is(err, ledger.ErrDuplicateID),
		errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrUnknownEnvelope), errors.Is(err, ledger.ErrUnknownTransaction), errors.Is(err, ledger.ErrUnknownTemplate):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, syncer.ErrNotAuthenticated):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, syncer.ErrLocalOnly):
		return http.StatusConflict, "local_only"
	case errors.Is(err, syncer.ErrOffline):
		return http.StatusServiceUnavailable, "offline"
	}
	var remoteError *remote.Error
	if errors.As(err, &remoteError) {
		if remote.IsTransient(err) {
			return http.StatusServiceUnavailable, "remote_unavailable"
		}
		return http.StatusBadGateway, "remote_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
