package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RecoveryPolicy issues one compensating credit when a spend drives the
// balance to or below Threshold.
//
// The credit covers the deficit (the amount below zero) plus a base amount
// drawn uniformly from [BaseMin, BaseMax] scaled by Multiplier, so the
// balance after the credit is always positive.
type RecoveryPolicy struct {
	Enabled     bool
	Threshold   int64
	BaseMin     int64
	BaseMax     int64
	Multiplier  int64
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultRecoveryPolicy returns the production recovery settings.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		Enabled:     true,
		Threshold:   -500000,
		BaseMin:     2500,
		BaseMax:     12500,
		Multiplier:  100,
		MaxAttempts: 3,
		RetryDelay:  defaultRecoveryRetryDelay,
	}
}

// Validate checks the policy when it is enabled.
func (policy RecoveryPolicy) Validate() error {
	if !policy.Enabled {
		return nil
	}
	if policy.BaseMin <= 0 || policy.BaseMax < policy.BaseMin {
		return fmt.Errorf("%w: recovery base range [%d, %d]", ErrInvalidServiceConfig, policy.BaseMin, policy.BaseMax)
	}
	if policy.Multiplier <= 0 {
		return fmt.Errorf("%w: recovery multiplier %d", ErrInvalidServiceConfig, policy.Multiplier)
	}
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("%w: recovery attempts %d", ErrInvalidServiceConfig, policy.MaxAttempts)
	}
	return nil
}

// evaluate decides whether a spend moving the balance from before to after
// triggers a credit. A spend that starts above the threshold re-arms the
// policy; a trigger disarms it.
func (policy RecoveryPolicy) evaluate(before int64, after int64, armed bool) (trigger bool, armedAfter bool) {
	if !policy.Enabled {
		return false, armed
	}
	if before > policy.Threshold {
		armed = true
	}
	if armed && after <= policy.Threshold {
		return true, false
	}
	return false, armed
}

// BaseAmount maps a [0,1) sample onto the configured base range.
func (policy RecoveryPolicy) BaseAmount(sample float64) int64 {
	span := policy.BaseMax - policy.BaseMin + 1
	offset := int64(sample * float64(span))
	if offset < 0 {
		offset = 0
	}
	if offset >= span {
		offset = span - 1
	}
	return policy.BaseMin + offset
}

// CreditAmount returns the credit for the given balance along with its parts.
func (policy RecoveryPolicy) CreditAmount(balance int64, sample float64) (amount int64, base int64, deficit int64) {
	base = policy.BaseAmount(sample)
	if balance < 0 {
		deficit = -balance
	}
	return deficit + base*policy.Multiplier, base, deficit
}

// scheduleRecovery queues the compensating credit behind the spend that
// triggered it.
func (ledger *Ledger) scheduleRecovery(triggeredBy string, attempt int) {
	err := ledger.pushTask(operationRecovery, triggeredBy, func(ctx context.Context) {
		ledger.applyRecovery(ctx, triggeredBy, attempt)
	})
	if err != nil {
		ledger.logOperation(context.Background(), OperationLog{
			Operation:     operationRecovery,
			TransactionID: triggeredBy,
			Attempts:      attempt,
			Error:         err,
		})
	}
}

func (ledger *Ledger) applyRecovery(ctx context.Context, triggeredBy string, attempt int) {
	ledger.stateMutex.RLock()
	balance := ledger.balance
	ledger.stateMutex.RUnlock()

	amount, base, deficit := ledger.recovery.CreditAmount(balance, ledger.random())
	metadata := Metadata{
		MetadataKeyReason:            RecoveryReason,
		metadataKeyEvent:             RecoveryReason,
		metadataKeyRecoveryCredit:    true,
		metadataKeyRecoveryThreshold: ledger.recovery.Threshold,
		metadataKeyTriggeredBy:       triggeredBy,
		metadataKeyBaseAmount:        base,
		metadataKeyMultiplier:        ledger.recovery.Multiplier,
		metadataKeyDeficit:           deficit,
	}
	_, err := runGuarded(ctx, func(ctx context.Context) (Transaction, error) {
		return ledger.applyMutation(ctx, operationRecovery, TransactionEarn, amount, metadata)
	})
	if err == nil {
		return
	}
	if errors.Is(err, ErrTaskPanicked) {
		ledger.logOperation(ctx, OperationLog{
			Operation:     operationRecovery,
			TransactionID: triggeredBy,
			Amount:        amount,
			Attempts:      attempt,
			Metadata:      metadata,
			Error:         WrapError(operationRecovery, subjectTransaction, codePanic, err),
		})
	}
	if attempt < ledger.recovery.MaxAttempts {
		ledger.clock.AfterFunc(ledger.recovery.RetryDelay, func() {
			ledger.scheduleRecovery(triggeredBy, attempt+1)
		})
		return
	}
	ledger.stateMutex.Lock()
	ledger.recoveryArmed = true
	ledger.stateMutex.Unlock()
}
