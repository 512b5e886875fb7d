// Package mirrorserver serves the remote authoritative token ledger consumed
// by the mirror client.
package mirrorserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	routePrefix          = "/api/token-ledger"
	headerAuthorization  = "Authorization"
	headerIdempotencyKey = "Idempotency-Key"
	bearerPrefix         = "Bearer "
	defaultMetadataJSON  = "{}"
)

// Mutation is one credit or debit applied to a user's remote balance.
type Mutation struct {
	UserID         string
	Type           ledger.TransactionType
	Amount         int64
	Reason         string
	IdempotencyKey string
	Metadata       []byte
}

// Result is the authoritative balance after a mutation. Duplicate is set when
// the idempotency key was already applied and nothing changed.
type Result struct {
	Balance   int64
	Duplicate bool
}

// Store persists remote balances.
type Store interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Apply(ctx context.Context, mutation Mutation) (Result, error)
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires every ledger request to carry the bearer key.
func WithAPIKey(apiKey string) Option {
	return func(server *Server) {
		server.apiKey = strings.TrimSpace(apiKey)
	}
}

// WithLogger overrides the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// Server exposes Store over HTTP.
type Server struct {
	store  Store
	apiKey string
	logger *zap.Logger
}

// New wires a Server.
func New(store Store, options ...Option) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	server := &Server{store: store, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	return server, nil
}

// Router builds the gin engine serving the remote ledger routes.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group(routePrefix)
	api.Use(server.requireAPIKey)
	api.GET("/:userId", server.handleBalance)
	api.POST("/:userId/credit", server.handleMutation(ledger.TransactionEarn))
	api.POST("/:userId/debit", server.handleMutation(ledger.TransactionSpend))
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
		server.logger.Info("mirrord listening", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
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

func (server *Server) requireAPIKey(ctx *gin.Context) {
	if server.apiKey == "" {
		ctx.Next()
		return
	}
	header := ctx.GetHeader(headerAuthorization)
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if !strings.HasPrefix(header, bearerPrefix) || subtle.ConstantTimeCompare([]byte(token), []byte(server.apiKey)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid api key"))
		return
	}
	ctx.Next()
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID := ledger.NormalizeUserID(ctx.Param("userId")).String()
	balance, err := server.store.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("balance lookup failed", zap.String("user_id", userID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

func (server *Server) handleMutation(transactionType ledger.TransactionType) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID := ledger.NormalizeUserID(ctx.Param("userId")).String()
		var request mutationRequest
		if err := ctx.ShouldBindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with amount and reason"))
			return
		}
		if request.Amount == nil || *request.Amount <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a positive integer"))
			return
		}
		metadata := []byte(defaultMetadataJSON)
		if len(request.Metadata) > 0 {
			encoded, err := json.Marshal(request.Metadata)
			if err != nil {
				ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
				return
			}
			metadata = encoded
		}

		result, err := server.store.Apply(ctx.Request.Context(), Mutation{
			UserID:         userID,
			Type:           transactionType,
			Amount:         *request.Amount,
			Reason:         strings.TrimSpace(request.Reason),
			IdempotencyKey: strings.TrimSpace(ctx.GetHeader(headerIdempotencyKey)),
			Metadata:       metadata,
		})
		if err != nil {
			server.logger.Error("mutation failed",
				zap.String("user_id", userID),
				zap.String("type", transactionType.String()),
				zap.Int64("amount", *request.Amount),
				zap.Error(err),
			)
			ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "mutation failed"))
			return
		}
		server.logger.Info("mutation applied",
			zap.String("user_id", userID),
			zap.String("type", transactionType.String()),
			zap.Int64("amount", *request.Amount),
			zap.Int64("balance", result.Balance),
			zap.Bool("duplicate", result.Duplicate),
		)
		ctx.JSON(http.StatusOK, balanceResponse{UserID: userID, Balance: result.Balance, Duplicate: result.Duplicate})
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type mutationRequest struct {
	Amount   *int64         `json:"amount"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

type balanceResponse struct {
	UserID    string `json:"userId"`
	Balance   int64  `json:"balance"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
