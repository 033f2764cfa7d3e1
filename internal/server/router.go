package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/auth"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/metrics"
	"github.com/MarcoPoloResearchLab/blacklist-sync/pkg/api"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	clientIDContextKey = "blacklist_client_id"
	unmatchedRoute     = "unmatched"
)

var (
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingBlacklistService = errors.New("blacklist service dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// TokenManager authenticates sync clients and validates their bearer tokens.
type TokenManager interface {
	VerifyClientSecret(secret string) error
	IssueClientToken(ctx context.Context, clientID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// RequestObserver records served requests.
type RequestObserver interface {
	ObserveHTTPRequest(method, route string, status int, duration time.Duration)
}

type Dependencies struct {
	TokenManager     TokenManager
	BlacklistService *blacklist.Service
	Metrics          *metrics.Collector
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.BlacklistService == nil {
		return nil, errMissingBlacklistService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		blacklist: deps.BlacklistService,
		logger:    logger,
	}

	if deps.Metrics != nil {
		router.Use(observeRequests(deps.Metrics))
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/blacklist", handler.handleAdd)
	protected.GET("/blacklist", handler.handleList)
	protected.GET("/blacklist/:user_id", handler.handleStatus)
	protected.DELETE("/blacklist/:user_id", handler.handleRemove)
	protected.GET("/blacklist/:user_id/history", handler.handleHistory)
	protected.GET("/sync/delta", handler.handleDelta)
	protected.POST("/sync/cursor", handler.handleAdvanceCursor)
	protected.GET("/sync/cursors", handler.handleListCursors)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

func observeRequests(observer RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		observer.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(started))
	}
}

type httpHandler struct {
	tokens    TokenManager
	blacklist *blacklist.Service
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request api.TokenRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_request"})
		return
	}
	clientID, err := blacklist.NewClientID(request.ClientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_client_id"})
		return
	}
	if clientID.Reserved() {
		h.logger.Warn("token requested for reserved client id", zap.String("client_id", clientID.String()))
		c.JSON(http.StatusForbidden, api.ErrorResponse{Error: "reserved_client_id"})
		return
	}

	if err := h.tokens.VerifyClientSecret(request.ClientSecret); err != nil {
		if !errors.Is(err, auth.ErrInvalidClientCredentials) {
			h.logger.Error("client authentication errored", zap.Error(err))
			c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "authentication_failed"})
			return
		}
		h.logger.Warn("client authentication failed", zap.String("client_id", clientID.String()))
		c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "invalid_client"})
		return
	}

	token, expiresIn, err := h.tokens.IssueClientToken(c.Request.Context(), clientID.String())
	if err != nil {
		h.logger.Error("failed to issue client token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, api.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	})
}

func (h *httpHandler) handleAdd(c *gin.Context) {
	var request api.AddRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_request"})
		return
	}
	userID, err := blacklist.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_user_id"})
		return
	}
	operatedBy, err := blacklist.NewOperatorID(request.OperatedBy)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_operated_by"})
		return
	}

	result, err := h.blacklist.Add(c.Request.Context(), userID, operatedBy, request.Reason)
	h.writeCommandResult(c, result, err)
}

func (h *httpHandler) handleRemove(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	rawOperator, err := strconv.ParseInt(c.Query("operated_by"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_operated_by"})
		return
	}
	operatedBy, err := blacklist.NewOperatorID(rawOperator)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_operated_by"})
		return
	}

	result, err := h.blacklist.Remove(c.Request.Context(), userID, operatedBy)
	h.writeCommandResult(c, result, err)
}

// writeCommandResult answers 202 when the entry was logged but not yet reconciled.
func (h *httpHandler) writeCommandResult(c *gin.Context, result blacklist.CommandResult, err error) {
	if err != nil && result.Entry.ID > 0 {
		h.logger.Warn("log entry appended but not reconciled",
			zap.Int64("entry_id", result.Entry.ID),
			zap.Error(err))
		c.JSON(http.StatusAccepted, blacklist.CommandToAPI(result))
		return
	}
	if err != nil {
		h.writeError(c, err, "command_failed")
		return
	}
	c.JSON(http.StatusOK, blacklist.CommandToAPI(result))
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	entry, found, err := h.blacklist.Get(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err, "lookup_failed")
		return
	}
	response := api.StatusResponse{UserID: userID.Int64(), Blacklisted: found}
	if found {
		wire := blacklist.EntryToAPI(entry)
		response.Entry = &wire
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleList(c *gin.Context) {
	after, ok := optionalInt64Query(c, "after")
	if !ok {
		return
	}
	limit, ok := optionalInt64Query(c, "limit")
	if !ok {
		return
	}

	entries, err := h.blacklist.List(c.Request.Context(), blacklist.UserID(after), int(limit))
	if err != nil {
		h.writeError(c, err, "list_failed")
		return
	}

	response := api.ListResponse{Entries: make([]api.BlacklistEntry, 0, len(entries))}
	for _, entry := range entries {
		response.Entries = append(response.Entries, blacklist.EntryToAPI(entry))
	}
	if len(entries) > 0 && len(entries) == h.blacklist.PageLimit(int(limit)) {
		response.NextAfter = entries[len(entries)-1].UserID.Int64()
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	entries, err := h.blacklist.History(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err, "history_failed")
		return
	}
	response := api.HistoryResponse{UserID: userID.Int64(), Entries: make([]api.LogEntry, 0, len(entries))}
	for _, entry := range entries {
		response.Entries = append(response.Entries, blacklist.LogEntryToAPI(entry))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDelta(c *gin.Context) {
	clientID, ok := clientIDFromContext(c)
	if !ok {
		return
	}

	request := blacklist.DeltaRequest{ClientID: clientID}
	if raw := c.Query("since"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_since"})
			return
		}
		since, err := blacklist.NewOperationTime(value)
		if err != nil {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_since"})
			return
		}
		request.Since = &since
	}
	limit, ok := optionalInt64Query(c, "limit")
	if !ok {
		return
	}
	request.Limit = int(limit)

	delta, err := h.blacklist.FetchDelta(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err, "delta_failed")
		return
	}
	c.JSON(http.StatusOK, blacklist.DeltaToAPI(delta))
}

func (h *httpHandler) handleAdvanceCursor(c *gin.Context) {
	clientID, ok := clientIDFromContext(c)
	if !ok {
		return
	}

	var request api.AdvanceCursorRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_request"})
		return
	}
	lastSyncTime, err := blacklist.NewOperationTime(request.LastSyncTimeUS)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_last_sync_time"})
		return
	}

	outcome, err := h.blacklist.AdvanceCursor(c.Request.Context(), clientID, lastSyncTime)
	if err != nil {
		h.writeError(c, err, "cursor_failed")
		return
	}
	c.JSON(http.StatusOK, blacklist.CursorToAPI(outcome.Cursor, outcome.Advanced))
}

func (h *httpHandler) handleListCursors(c *gin.Context) {
	statuses, err := h.blacklist.ListCursors(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "cursor_list_failed")
		return
	}
	response := api.CursorListResponse{Cursors: make([]api.CursorResponse, 0, len(statuses))}
	for _, status := range statuses {
		wire := blacklist.CursorToAPI(status.Cursor, false)
		pending := status.PendingEntries
		wire.PendingEntries = &pending
		response.Cursors = append(response.Cursors, wire)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
		return
	}
	c.Set(clientIDContextKey, subject)
	c.Next()
}

// writeError maps validation failures to 4xx and everything else to 500,
// carrying the service error code when there is one.
func (h *httpHandler) writeError(c *gin.Context, err error, fallback string) {
	response := api.ErrorResponse{Error: fallback}
	var serviceErr *blacklist.ServiceError
	if errors.As(err, &serviceErr) {
		response.Code = serviceErr.Code()
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, blacklist.ErrCursorAhead):
		status = http.StatusConflict
		response.Error = "cursor_ahead"
	case errors.Is(err, blacklist.ErrReservedClientID):
		status = http.StatusForbidden
		response.Error = "reserved_client_id"
	case errors.Is(err, blacklist.ErrInvalidUserID),
		errors.Is(err, blacklist.ErrInvalidOperatorID),
		errors.Is(err, blacklist.ErrInvalidClientID),
		errors.Is(err, blacklist.ErrInvalidOperation),
		errors.Is(err, blacklist.ErrInvalidOperationTime),
		errors.Is(err, blacklist.ErrInvalidReason):
		status = http.StatusBadRequest
		response.Error = "invalid_request"
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, response)
}

func clientIDFromContext(c *gin.Context) (blacklist.ClientID, bool) {
	clientID, err := blacklist.NewClientID(c.GetString(clientIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
		return "", false
	}
	return clientID, true
}

func userIDParam(c *gin.Context) (blacklist.UserID, bool) {
	value, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_user_id"})
		return 0, false
	}
	userID, err := blacklist.NewUserID(value)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_user_id"})
		return 0, false
	}
	return userID, true
}

func optionalInt64Query(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid_" + name})
		return 0, false
	}
	return value, true
}
