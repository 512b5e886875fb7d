// Package mirror is the HTTP client for the remote authoritative token ledger.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	routePrefix = "/api/token-ledger/"

	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 8 * time.Second
	// DefaultRetries is the number of extra attempts per call.
	DefaultRetries = 2
	// MaxRetries caps the extra attempts per call.
	MaxRetries = 4

	defaultRetryBase       = 250 * time.Millisecond
	retryJitter            = 0.25
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
	maxResponseBytes       = 1 << 20
	maxErrorBodyBytes      = 512
	headerAuthorization    = "Authorization"
	headerIdempotencyKey   = "Idempotency-Key"
	headerContentType      = "Content-Type"
	headerAccept           = "Accept"
	mediaTypeJSON          = "application/json"
	mediaTypeJSONSuffix    = "+json"
	breakerName            = "token-ledger-mirror"
	responseFieldBalance   = "balance"
	pathSuffixCredit       = "/credit"
	pathSuffixDebit        = "/debit"
)

// Config describes the remote endpoint.
type Config struct {
	Endpoint        string
	APIKey          string
	Timeout         time.Duration
	Retries         int
	RetryBase       time.Duration
	RateLimit       float64
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(request *http.Request) (*http.Response, error)
}

// Option configures a Client.
type Option func(*Client)

// WithTransport overrides the HTTP transport. A nil transport makes every call
// fail with ledger.ErrRemoteNoTransport.
func WithTransport(transport Doer) Option {
	return func(client *Client) {
		client.transport = transport
	}
}

// WithLogger routes retry diagnostics to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithRandomSource sets the jitter source; it must return values in [0, 1).
func WithRandomSource(random func() float64) Option {
	return func(client *Client) {
		if random != nil {
			client.random = random
		}
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, delay time.Duration) error) Option {
	return func(client *Client) {
		if sleep != nil {
			client.sleep = sleep
		}
	}
}

// Client implements ledger.RemoteClient over HTTP.
type Client struct {
	endpoint  string
	apiKey    string
	timeout   time.Duration
	retries   int
	retryBase time.Duration
	transport Doer
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[int64]
	logger    *zap.Logger
	random    func() float64
	sleep     func(ctx context.Context, delay time.Duration) error
}

var _ ledger.RemoteClient = (*Client)(nil)

// New builds a Client. An empty endpoint yields a client that reports itself
// disabled.
func New(cfg Config, options ...Option) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("%w: invalid remote endpoint %q", ledger.ErrInvalidServiceConfig, cfg.Endpoint)
		}
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("%w: retries must be non-negative", ledger.ErrInvalidServiceConfig)
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("%w: rate limit must be non-negative", ledger.ErrInvalidServiceConfig)
	}

	client := &Client{
		endpoint:  endpoint,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		timeout:   cfg.Timeout,
		retries:   min(cfg.Retries, MaxRetries),
		retryBase: cfg.RetryBase,
		transport: &http.Client{},
		logger:    zap.NewNop(),
		random:    rand.Float64,
		sleep:     sleepContext,
	}
	if client.timeout <= 0 {
		client.timeout = DefaultTimeout
	}
	if client.retryBase <= 0 {
		client.retryBase = defaultRetryBase
	}
	if cfg.RateLimit > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	client.breaker = gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
		Name:    breakerName,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAgainstBreaker(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			client.logger.Warn("remote ledger breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return client, nil
}

// Enabled reports whether an endpoint is configured.
func (client *Client) Enabled() bool {
	return client != nil && client.endpoint != ""
}

// FetchSnapshot reads the user's remote balance.
func (client *Client) FetchSnapshot(ctx context.Context, userID ledger.UserID) (ledger.RemoteBalance, error) {
	return client.call(ctx, http.MethodGet, client.userPath(userID), nil, "")
}

// RecordTransaction posts a credit or debit and returns the remote balance.
func (client *Client) RecordTransaction(ctx context.Context, userID ledger.UserID, request ledger.RemoteTransaction) (ledger.RemoteBalance, error) {
	suffix := pathSuffixCredit
	if request.Type == ledger.TransactionSpend {
		suffix = pathSuffixDebit
	}
	body, err := json.Marshal(recordRequest{
		Amount:   request.Amount,
		Reason:   request.Reason,
		Metadata: request.Metadata,
	})
	if err != nil {
		return ledger.RemoteBalance{}, fmt.Errorf("%w: encode request: %v", ledger.ErrRemoteTransport, err)
	}
	return client.call(ctx, http.MethodPost, client.userPath(userID)+suffix, body, request.ID)
}

// Backoff returns the wait before retry number attempt (1-based).
func (client *Client) Backoff(attempt int, sample float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	sample = math.Min(math.Max(sample, 0), 1)
	delay := float64(client.retryBase) * math.Pow(2, float64(attempt-1)) * (1 + retryJitter*sample)
	return time.Duration(delay)
}

func (client *Client) userPath(userID ledger.UserID) string {
	return client.endpoint + routePrefix + url.PathEscape(userID.String())
}

func (client *Client) call(ctx context.Context, method string, target string, body []byte, idempotencyKey string) (ledger.RemoteBalance, error) {
	if !client.Enabled() {
		return ledger.RemoteBalance{}, ledger.ErrRemoteDisabled
	}
	if client.transport == nil {
		return ledger.RemoteBalance{}, ledger.ErrRemoteNoTransport
	}

	var lastErr error
	maxAttempts := client.retries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := client.Backoff(attempt-1, client.random())
			if err := client.sleep(ctx, delay); err != nil {
				return ledger.RemoteBalance{}, fmt.Errorf("%w: %v", ledger.ErrRemoteTransport, err)
			}
		}
		if client.limiter != nil {
			if err := client.limiter.Wait(ctx); err != nil {
				return ledger.RemoteBalance{}, fmt.Errorf("%w: %v", ledger.ErrRemoteTransport, err)
			}
		}

		balance, err := client.breaker.Execute(func() (int64, error) {
			return client.attempt(ctx, method, target, body, idempotencyKey)
		})
		if err == nil {
			return ledger.RemoteBalance{Balance: balance, Attempts: attempt}, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ledger.RemoteBalance{}, fmt.Errorf("%w: %v", ledger.ErrRemoteUnavailable, err)
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		client.logger.Debug("remote ledger attempt failed",
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return ledger.RemoteBalance{}, lastErr
}

func (client *Client) attempt(ctx context.Context, method string, target string, body []byte, idempotencyKey string) (int64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(attemptCtx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrRemoteTransport, err)
	}
	request.Header.Set(headerAccept, mediaTypeJSON)
	if body != nil {
		request.Header.Set(headerContentType, mediaTypeJSON)
	}
	if client.apiKey != "" {
		request.Header.Set(headerAuthorization, "Bearer "+client.apiKey)
	}
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotencyKey, idempotencyKey)
	}

	response, err := client.transport.Do(request)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrRemoteTransport, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return 0, fmt.Errorf("%w: read body: %v", ledger.ErrRemoteTransport, err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		text := strings.TrimSpace(string(payload))
		if len(text) > maxErrorBodyBytes {
			text = text[:maxErrorBodyBytes]
		}
		return 0, &ledger.RemoteStatusError{StatusCode: response.StatusCode, Body: text}
	}
	contentType := response.Header.Get(headerContentType)
	if !isJSONMediaType(contentType) {
		return 0, fmt.Errorf("%w: %q", ledger.ErrRemoteContentType, contentType)
	}
	return parseBalance(payload)
}

func isJSONMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == mediaTypeJSON || strings.HasSuffix(mediaType, mediaTypeJSONSuffix)
}

var (
	maxBalance = decimal.NewFromInt(math.MaxInt64)
	minBalance = decimal.NewFromInt(math.MinInt64)
)

func parseBalance(payload []byte) (int64, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var body map[string]any
	if err := decoder.Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrRemoteInvalidResponse, err)
	}
	raw, ok := body[responseFieldBalance]
	if !ok {
		return 0, fmt.Errorf("%w: balance missing", ledger.ErrRemoteInvalidResponse)
	}
	number, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: balance is not a number", ledger.ErrRemoteInvalidResponse)
	}
	value, err := decimal.NewFromString(number.String())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrRemoteInvalidResponse, err)
	}
	value = value.Round(0)
	if value.GreaterThan(maxBalance) || value.LessThan(minBalance) {
		return 0, fmt.Errorf("%w: balance out of range", ledger.ErrRemoteInvalidResponse)
	}
	return value.IntPart(), nil
}

func retryable(err error) bool {
	if errors.Is(err, ledger.ErrRemoteTransport) {
		return true
	}
	var statusError *ledger.RemoteStatusError
	if errors.As(err, &statusError) {
		return statusError.StatusCode >= http.StatusInternalServerError || statusError.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func countsAgainstBreaker(err error) bool {
	return retryable(err)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type recordRequest struct {
	Amount   int64           `json:"amount"`
	Reason   string          `json:"reason"`
	Metadata ledger.Metadata `json:"metadata,omitempty"`
}
