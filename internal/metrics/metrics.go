// Package metrics exports ledger activity to Prometheus and the process log.
package metrics

import (
	"context"
	"net/http"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "tokenledger"

// Observer implements ledger.OperationLogger and ledger.Listener.
type Observer struct {
	registry     *prometheus.Registry
	logger       *zap.Logger
	operations   *prometheus.CounterVec
	transactions *prometheus.CounterVec
	balance      *prometheus.GaugeVec
	pending      *prometheus.GaugeVec
}

var (
	_ ledger.OperationLogger = (*Observer)(nil)
	_ ledger.Listener        = (*Observer)(nil)
)

// NewObserver registers the ledger collectors on a private registry.
func NewObserver(logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	observer := &Observer{
		registry: registry,
		logger:   logger,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"operation", "status"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Committed transactions by type.",
		}, []string{"type"}),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance",
			Help:      "Committed balance per user.",
		}, []string{"user"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_pending",
			Help:      "Transactions waiting for the remote mirror per user.",
		}, []string{"user"}),
	}
	registry.MustRegister(
		observer.operations,
		observer.transactions,
		observer.balance,
		observer.pending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return observer
}

// LogOperation counts the operation and writes it to the process log.
func (observer *Observer) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	observer.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("balance", entry.Balance),
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Attempts != 0 {
		fields = append(fields, zap.Int("attempts", entry.Attempts))
	}
	if reason := entry.Metadata.Reason(); reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if entry.Error != nil {
		observer.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	observer.logger.Info("ledger operation", fields...)
}

// TransactionCommitted updates the balance and pending gauges.
func (observer *Observer) TransactionCommitted(snapshot ledger.Snapshot, transaction ledger.Transaction) {
	observer.transactions.WithLabelValues(transaction.Type.String()).Inc()
	observer.balance.WithLabelValues(snapshot.UserID).Set(float64(snapshot.Balance))
	observer.pending.WithLabelValues(snapshot.UserID).Set(float64(snapshot.Remote.Pending))
}

// Handler serves the registry in the Prometheus text format.
func (observer *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(observer.registry, promhttp.HandlerOpts{Registry: observer.registry})
}

// Registry exposes the underlying registry.
func (observer *Observer) Registry() *prometheus.Registry {
	return observer.registry
}
