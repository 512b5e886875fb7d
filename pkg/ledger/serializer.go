package ledger

import (
	"context"
	"fmt"
	"sync"
)

// serializer applies tasks one at a time in submission order on a single
// worker goroutine. Enqueueing never blocks, so a running task may schedule
// follow-up work.
type serializer struct {
	mutex  sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerializer() *serializer {
	writer := &serializer{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go writer.run()
	return writer
}

func (writer *serializer) push(task func()) error {
	writer.mutex.Lock()
	if writer.closed {
		writer.mutex.Unlock()
		return ErrLedgerClosed
	}
	writer.queue = append(writer.queue, task)
	writer.mutex.Unlock()
	writer.signal()
	return nil
}

func (writer *serializer) signal() {
	select {
	case writer.wake <- struct{}{}:
	default:
	}
}

func (writer *serializer) run() {
	defer close(writer.done)
	for {
		writer.mutex.Lock()
		if len(writer.queue) == 0 {
			closed := writer.closed
			writer.mutex.Unlock()
			if closed {
				return
			}
			<-writer.wake
			continue
		}
		task := writer.queue[0]
		writer.queue[0] = nil
		writer.queue = writer.queue[1:]
		writer.mutex.Unlock()
		task()
	}
}

// close rejects new tasks, drains the ones already queued and waits for the
// worker to exit. It must not be called from inside a task.
func (writer *serializer) close() {
	writer.mutex.Lock()
	if writer.closed {
		writer.mutex.Unlock()
		<-writer.done
		return
	}
	writer.closed = true
	writer.mutex.Unlock()
	writer.signal()
	<-writer.done
}

type taskResult[T any] struct {
	value T
	err   error
}

// submit enqueues task and waits for its result. The task runs detached from
// ctx cancellation: once enqueued it always runs to completion.
func submit[T any](ctx context.Context, writer *serializer, task func(context.Context) (T, error)) (T, error) {
	results := make(chan taskResult[T], 1)
	taskContext := context.WithoutCancel(ctx)
	err := writer.push(func() {
		value, taskErr := runGuarded(taskContext, task)
		results <- taskResult[T]{value: value, err: taskErr}
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result := <-results
	return result.value, result.err
}

func runGuarded[T any](ctx context.Context, task func(context.Context) (T, error)) (value T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			var zero T
			value = zero
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, recovered)
		}
	}()
	return task(ctx)
}

// pushTask queues task without waiting for it. A panic inside task is logged
// under operation and the writer keeps running.
func (ledger *Ledger) pushTask(operation string, transactionID string, task func(context.Context)) error {
	return ledger.writer.push(func() {
		ctx := context.Background()
		_, err := runGuarded(ctx, func(ctx context.Context) (struct{}, error) {
			task(ctx)
			return struct{}{}, nil
		})
		if err != nil {
			ledger.logOperation(ctx, OperationLog{
				Operation:     operation,
				TransactionID: transactionID,
				Error:         WrapError(operation, subjectTransaction, codePanic, err),
			})
		}
	})
}
