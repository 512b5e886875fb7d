// Package httpapi exposes a Registry of token ledgers over HTTP and WebSocket.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 50

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithAllowedOrigins sets the CORS and WebSocket origin allow list.
func WithAllowedOrigins(origins []string) Option {
	return func(server *Server) {
		server.allowedOrigins = origins
	}
}

// WithHistoryLimit sets the default page size for transaction listings.
func WithHistoryLimit(limit int) Option {
	return func(server *Server) {
		if limit > 0 {
			server.historyLimit = limit
		}
	}
}

// WithMetricsHandler mounts handler at /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(server *Server) {
		server.metrics = handler
	}
}

// Server routes HTTP requests to per-user ledgers.
type Server struct {
	registry       *ledger.Registry
	hub            *Hub
	logger         *zap.Logger
	allowedOrigins []string
	historyLimit   int
	metrics        http.Handler
	upgrader       websocket.Upgrader
}

// NewServer wires a Server. hub must also be registered as a listener on the
// ledgers the registry creates for streams to receive updates.
func NewServer(registry *ledger.Registry, hub *Hub, options ...Option) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if hub == nil {
		return nil, fmt.Errorf("%w: hub dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	server := &Server{
		registry:     registry,
		hub:          hub,
		logger:       zap.NewNop(),
		historyLimit: defaultHistoryLimit,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     server.checkOrigin,
	}
	return server, nil
}

// Router builds the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.allowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.allowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.metrics != nil {
		router.GET("/metrics", gin.WrapH(server.metrics))
	}

	api := router.Group("/api/tokens/:userId")
	api.GET("", server.handleSnapshot)
	api.GET("/transactions", server.handleTransactions)
	api.POST("/earn", server.handleEarn)
	api.POST("/spend", server.handleSpend)
	api.POST("/exchange", server.handleExchange)
	api.GET("/stream", server.handleStream)
	return router
}

// Run serves the router on addr until ctx is cancelled.
func (server *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("tokenledger listening", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		server.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) ledgerFor(ctx *gin.Context) (*ledger.Ledger, bool) {
	entry, err := server.registry.Get(ctx.Request.Context(), ctx.Param("userId"))
	if err != nil {
		server.logger.Error("ledger unavailable", zap.String("user_id", ctx.Param("userId")), zap.Error(err))
		if errors.Is(err, ledger.ErrRegistryFull) {
			ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_capacity", "too many open ledgers"))
			return nil, false
		}
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "token ledger unavailable"))
		return nil, false
	}
	return entry, true
}

func (server *Server) handleSnapshot(ctx *gin.Context) {
	entry, ok := server.ledgerFor(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, entry.Snapshot())
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	limit := server.historyLimit
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = min(parsed, ledger.DefaultTransactionWindow)
	}
	entry, ok := server.ledgerFor(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, transactionsResponse{
		Snapshot:     entry.Snapshot(),
		Transactions: entry.ListTransactions(ledger.ListOptions{Limit: limit}),
	})
}

func (server *Server) handleEarn(ctx *gin.Context) {
	var request earnRequest
	if !bindOptionalJSON(ctx, &request) {
		return
	}
	entry, ok := server.ledgerFor(ctx)
	if !ok {
		return
	}
	var (
		transaction ledger.Transaction
		err         error
	)
	if strings.TrimSpace(request.Event) != "" {
		event, parseErr := ledger.ParseRewardEvent(request.Event)
		if parseErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("unknown_event", parseErr.Error()))
			return
		}
		transaction, err = entry.RecordReward(ctx.Request.Context(), event, request.Metadata)
	} else {
		if request.Amount == nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount or event is required"))
			return
		}
		transaction, err = entry.RecordEarn(ctx.Request.Context(), *request.Amount, request.Metadata)
	}
	server.respondMutation(ctx, entry, transaction, err)
}

func (server *Server) handleSpend(ctx *gin.Context) {
	var request spendRequest
	if !bindOptionalJSON(ctx, &request) {
		return
	}
	entry, ok := server.ledgerFor(ctx)
	if !ok {
		return
	}
	var (
		transaction ledger.Transaction
		err         error
	)
	if strings.TrimSpace(request.Cost) != "" {
		cost, parseErr := ledger.ParseSpendCost(request.Cost)
		if parseErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("unknown_cost", parseErr.Error()))
			return
		}
		transaction, err = entry.RecordCharge(ctx.Request.Context(), cost, request.Metadata)
	} else {
		if request.Amount == nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount or cost is required"))
			return
		}
		transaction, err = entry.RecordSpend(ctx.Request.Context(), *request.Amount, request.Metadata)
	}
	server.respondMutation(ctx, entry, transaction, err)
}

func (server *Server) handleExchange(ctx *gin.Context) {
	var request exchangeRequest
	if !bindOptionalJSON(ctx, &request) {
		return
	}
	entry, ok := server.ledgerFor(ctx)
	if !ok {
		return
	}
	usage := ledger.ExchangeUsage{
		Endpoint:      request.Endpoint,
		RequestBytes:  request.RequestBytes,
		ResponseBytes: request.ResponseBytes,
		Metadata:      request.Metadata,
	}
	if usage.RequestBytes == 0 && request.Request != nil {
		usage.RequestBytes = ledger.EstimateByteSize(request.Request)
	}
	if usage.ResponseBytes == 0 && request.Response != nil {
		usage.ResponseBytes = ledger.EstimateByteSize(request.Response)
	}
	transaction, recorded, err := entry.RecordExchange(ctx.Request.Context(), usage)
	if err != nil {
		server.respondMutation(ctx, entry, transaction, err)
		return
	}
	response := exchangeResponse{Recorded: recorded, Snapshot: entry.Snapshot()}
	if recorded {
		response.Transaction = &transaction
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleStream(ctx *gin.Context) {
	entry, ok := server.ledgerFor(ctx)
	if !ok {
		return
	}
	conn, err := server.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		server.logger.Debug("stream upgrade failed", zap.Error(err))
		return
	}
	snapshot := entry.Snapshot()
	server.hub.serve(snapshot.UserID, conn, StreamMessage{Type: MessageTypeSnapshot, Snapshot: snapshot})
}

func (server *Server) respondMutation(ctx *gin.Context, entry *ledger.Ledger, transaction ledger.Transaction, err error) {
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, mutationResponse{Transaction: transaction, Snapshot: entry.Snapshot()})
	case errors.Is(err, ledger.ErrInvalidAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a positive integer"))
	case errors.Is(err, ledger.ErrUnknownRewardEvent):
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_event", err.Error()))
	case errors.Is(err, ledger.ErrUnknownSpendCost):
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_cost", err.Error()))
	case errors.Is(err, ledger.ErrLedgerClosed):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_closed", "token ledger is shutting down"))
	default:
		server.logger.Error("ledger mutation failed", zap.String("user_id", entry.UserID().String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "transaction was not recorded"))
	}
}

func (server *Server) checkOrigin(request *http.Request) bool {
	origin := request.Header.Get("Origin")
	if origin == "" || len(server.allowedOrigins) == 0 {
		return true
	}
	return slices.Contains(server.allowedOrigins, origin) || slices.Contains(server.allowedOrigins, "*")
}

func bindOptionalJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return false
	}
	return true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type earnRequest struct {
	Amount   *int64          `json:"amount"`
	Event    string          `json:"event"`
	Metadata ledger.Metadata `json:"metadata"`
}

type spendRequest struct {
	Amount   *int64          `json:"amount"`
	Cost     string          `json:"cost"`
	Metadata ledger.Metadata `json:"metadata"`
}

type exchangeRequest struct {
	Endpoint      string          `json:"endpoint"`
	RequestBytes  int64           `json:"requestBytes"`
	ResponseBytes int64           `json:"responseBytes"`
	Request       any             `json:"request"`
	Response      any             `json:"response"`
	Metadata      ledger.Metadata `json:"metadata"`
}

type mutationResponse struct {
	Transaction ledger.Transaction `json:"transaction"`
	Snapshot    ledger.Snapshot    `json:"snapshot"`
}

type exchangeResponse struct {
	Recorded    bool                `json:"recorded"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Snapshot    ledger.Snapshot     `json:"snapshot"`
}

type transactionsResponse struct {
	Snapshot     ledger.Snapshot      `json:"snapshot"`
	Transactions []ledger.Transaction `json:"transactions"`
}
