package ledger

import "time"

const (
	operationBootstrap  = "bootstrap"
	operationEarn       = "earn"
	operationSpend      = "spend"
	operationRecovery   = "recovery"
	operationRemoteSync = "remote_sync"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	subjectTransaction = "transaction"
	subjectBalance     = "balance"
	subjectSnapshot    = "snapshot"

	codePersist  = "persist"
	codeLoad     = "load"
	codeValidate = "validate"
	codeClosed   = "closed"
	codePanic    = "panic"

	// DefaultUserID names the ledger used when no user is supplied.
	DefaultUserID = "local"
	// DefaultInitialBalance seeds a ledger that has never been persisted.
	DefaultInitialBalance int64 = 100000
	// DefaultTransactionWindow is how many recent transactions are kept in
	// memory and on disk. Older entries are dropped from both on every write
	// so the transaction log never grows without limit.
	DefaultTransactionWindow = 5000

	// MetadataKeyReason is always present on persisted transactions.
	MetadataKeyReason = "reason"

	metadataKeyRecoveryTriggered = "recoveryTriggered"
	metadataKeyRecoveryThreshold = "recoveryThreshold"
	metadataKeyRecoveryCredit    = "recoveryCredit"
	metadataKeyEvent             = "event"
	metadataKeyTriggeredBy       = "triggeredBy"
	metadataKeyBaseAmount        = "baseAmount"
	metadataKeyMultiplier        = "multiplier"
	metadataKeyDeficit           = "deficit"

	defaultEarnReason  = "manual-earn"
	defaultSpendReason = "manual-spend"

	// RecoveryReason tags automatic compensating credits.
	RecoveryReason = "negative-balance-recovery"

	defaultRecoveryRetryDelay = 5 * time.Second
)
