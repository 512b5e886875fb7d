package ledger

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// RetryPolicy bounds the remote retry queue.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Capacity    int
	Jitter      float64
}

// DefaultRetryPolicy returns the production retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 5,
		Capacity:    250,
		Jitter:      0.25,
	}
}

// Validate rejects non-positive delays, attempts or capacity.
func (policy RetryPolicy) Validate() error {
	if policy.BaseDelay <= 0 || policy.MaxDelay < policy.BaseDelay {
		return fmt.Errorf("%w: retry delays base=%s max=%s", ErrInvalidServiceConfig, policy.BaseDelay, policy.MaxDelay)
	}
	if policy.MaxAttempts <= 0 || policy.Capacity <= 0 {
		return fmt.Errorf("%w: retry attempts=%d capacity=%d", ErrInvalidServiceConfig, policy.MaxAttempts, policy.Capacity)
	}
	if policy.Jitter < 0 || policy.Jitter > 1 {
		return fmt.Errorf("%w: retry jitter %v", ErrInvalidServiceConfig, policy.Jitter)
	}
	return nil
}

// Backoff returns min(MaxDelay, BaseDelay * 2^attempts * (1 + Jitter*sample))
// for a sample in [0,1).
func (policy RetryPolicy) Backoff(attempts int, sample float64) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	delay := float64(policy.BaseDelay) * math.Pow(2, float64(attempts)) * (1 + policy.Jitter*sample)
	if math.IsInf(delay, 0) || delay >= float64(policy.MaxDelay) {
		return policy.MaxDelay
	}
	return time.Duration(delay)
}

// PendingRemoteEntry is a transaction whose remote submission failed.
type PendingRemoteEntry struct {
	EntryID       string
	Type          TransactionType
	Amount        int64
	Metadata      Metadata
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	index         int
}

type retryHandler interface {
	retryRemote(ctx context.Context, entry PendingRemoteEntry) error
	remoteRetryFailed(entry PendingRemoteEntry, outcome string)
}

type retryQueue []*PendingRemoteEntry

func (queue retryQueue) Len() int { return len(queue) }

func (queue retryQueue) Less(left int, right int) bool {
	return queue[left].NextAttemptAt.Before(queue[right].NextAttemptAt)
}

func (queue retryQueue) Swap(left int, right int) {
	queue[left], queue[right] = queue[right], queue[left]
	queue[left].index = left
	queue[right].index = right
}

func (queue *retryQueue) Push(value any) {
	entry := value.(*PendingRemoteEntry)
	entry.index = len(*queue)
	*queue = append(*queue, entry)
}

func (queue *retryQueue) Pop() any {
	old := *queue
	last := len(old) - 1
	entry := old[last]
	old[last] = nil
	entry.index = -1
	*queue = old[:last]
	return entry
}

// retryScheduler keeps pending entries ordered by next attempt time and arms
// a single timer for the earliest one.
type retryScheduler struct {
	policy  RetryPolicy
	clock   Clock
	random  func() float64
	handler retryHandler

	mutex   sync.Mutex
	queue   retryQueue
	timer   Timer
	timerAt time.Time
	stopped bool

	drainMutex sync.Mutex
}

func newRetryScheduler(policy RetryPolicy, clock Clock, random func() float64, handler retryHandler) *retryScheduler {
	return &retryScheduler{
		policy:  policy,
		clock:   clock,
		random:  random,
		handler: handler,
	}
}

// schedule queues entry for its next attempt. Entries beyond capacity are
// evicted starting with the one furthest from its retry time.
func (scheduler *retryScheduler) schedule(entry PendingRemoteEntry) {
	scheduler.mutex.Lock()
	if scheduler.stopped {
		scheduler.mutex.Unlock()
		return
	}
	evicted := scheduler.enqueueLocked(entry)
	scheduler.armLocked()
	scheduler.mutex.Unlock()
	for _, dropped := range evicted {
		scheduler.handler.remoteRetryFailed(dropped, RemoteOutcomeEvicted)
	}
}

func (scheduler *retryScheduler) enqueueLocked(entry PendingRemoteEntry) []PendingRemoteEntry {
	entry.Metadata = entry.Metadata.Clone()
	entry.NextAttemptAt = scheduler.clock.Now().Add(scheduler.policy.Backoff(entry.Attempts, scheduler.random()))
	heap.Push(&scheduler.queue, &entry)
	var evicted []PendingRemoteEntry
	for scheduler.queue.Len() > scheduler.policy.Capacity {
		latest := 0
		for index := 1; index < scheduler.queue.Len(); index++ {
			if scheduler.queue[index].NextAttemptAt.After(scheduler.queue[latest].NextAttemptAt) {
				latest = index
			}
		}
		dropped := heap.Remove(&scheduler.queue, latest).(*PendingRemoteEntry)
		evicted = append(evicted, *dropped)
	}
	return evicted
}

func (scheduler *retryScheduler) armLocked() {
	if scheduler.stopped {
		return
	}
	if scheduler.queue.Len() == 0 {
		if scheduler.timer != nil {
			scheduler.timer.Stop()
			scheduler.timer = nil
		}
		return
	}
	earliest := scheduler.queue[0].NextAttemptAt
	if scheduler.timer != nil {
		if scheduler.timerAt.Equal(earliest) {
			return
		}
		scheduler.timer.Stop()
	}
	delay := earliest.Sub(scheduler.clock.Now())
	if delay < 0 {
		delay = 0
	}
	scheduler.timerAt = earliest
	scheduler.timer = scheduler.clock.AfterFunc(delay, scheduler.fire)
}

func (scheduler *retryScheduler) fire() {
	scheduler.mutex.Lock()
	scheduler.timer = nil
	scheduler.mutex.Unlock()
	scheduler.drain(context.Background(), false)
}

// pending returns the number of queued entries.
func (scheduler *retryScheduler) pending() int {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return scheduler.queue.Len()
}

// drain retries every due entry, or every entry when all is set, in
// ascending next-attempt order.
func (scheduler *retryScheduler) drain(ctx context.Context, all bool) int {
	scheduler.drainMutex.Lock()
	defer scheduler.drainMutex.Unlock()

	scheduler.mutex.Lock()
	if scheduler.stopped {
		scheduler.mutex.Unlock()
		return 0
	}
	now := scheduler.clock.Now()
	var due []PendingRemoteEntry
	for scheduler.queue.Len() > 0 {
		if !all && scheduler.queue[0].NextAttemptAt.After(now) {
			break
		}
		due = append(due, *heap.Pop(&scheduler.queue).(*PendingRemoteEntry))
	}
	scheduler.mutex.Unlock()

	synced := 0
	for _, entry := range due {
		err := scheduler.handler.retryRemote(ctx, entry)
		if err == nil {
			synced++
			continue
		}
		entry.Attempts++
		entry.LastError = err.Error()
		if entry.Attempts >= scheduler.policy.MaxAttempts {
			scheduler.handler.remoteRetryFailed(entry, RemoteOutcomeExhausted)
			continue
		}
		scheduler.mutex.Lock()
		evicted := scheduler.enqueueLocked(entry)
		scheduler.mutex.Unlock()
		scheduler.handler.remoteRetryFailed(entry, RemoteOutcomeFailed)
		for _, dropped := range evicted {
			scheduler.handler.remoteRetryFailed(dropped, RemoteOutcomeEvicted)
		}
	}

	scheduler.mutex.Lock()
	scheduler.armLocked()
	scheduler.mutex.Unlock()
	return synced
}

func (scheduler *retryScheduler) stop() {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	scheduler.stopped = true
	if scheduler.timer != nil {
		scheduler.timer.Stop()
		scheduler.timer = nil
	}
}
