package progress

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Kind string

const (
	KindMessage         Kind = "message"
	KindInvalid         Kind = "invalid"
	KindError           Kind = "error"
	KindTransactionHash Kind = "transactionHash"
	KindReceipt         Kind = "receipt"
	KindConfirmation    Kind = "confirmation"
)

// Event is one tagged progress notification. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind         Kind
	Message      string
	Field        string
	Reason       string
	Err          error
	Hash         common.Hash
	Receipt      *types.Receipt
	Confirmation uint64
}

func Message(msg string) Event {
	return Event{Kind: KindMessage, Message: msg}
}

func Invalid(field, reason string) Event {
	return Event{Kind: KindInvalid, Field: field, Reason: reason}
}

func Error(err error) Event {
	return Event{Kind: KindError, Err: err}
}

func TransactionHash(hash common.Hash) Event {
	return Event{Kind: KindTransactionHash, Hash: hash}
}

func Receipt(r *types.Receipt) Event {
	return Event{Kind: KindReceipt, Receipt: r}
}

func Confirmation(n uint64, r *types.Receipt) Event {
	return Event{Kind: KindConfirmation, Confirmation: n, Receipt: r}
}

// Task is a value that resolves or rejects at most once, with an ordered
// stream of progress events emitted while it runs.
type Task[T any] struct {
	mu       sync.Mutex
	pending  []Event
	closed   bool
	wake     chan struct{}
	out      chan Event
	started  bool
	done     chan struct{}
	once     sync.Once
	value    T
	err      error
	observer func(Event)
}

func NewTask[T any]() *Task[T] {
	return &Task[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Observe registers a synchronous callback invoked for every emitted event
// before it is queued for Events. It must not block.
func (t *Task[T]) Observe(fn func(Event)) {
	t.mu.Lock()
	t.observer = fn
	t.mu.Unlock()
}

// Emit never blocks. Events emitted after the task finished are dropped.
func (t *Task[T]) Emit(e Event) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	observer := t.observer
	t.pending = append(t.pending, e)
	t.mu.Unlock()
	if observer != nil {
		observer(e)
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Events returns the event stream. It is closed once the task has resolved
// or rejected and every queued event has been delivered. Events buffer in
// memory until the first call, so late subscribers still see the full
// history. A caller that asks for the stream must drain it.
func (t *Task[T]) Events() <-chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.started = true
		t.out = make(chan Event)
		go t.pump()
	}
	return t.out
}

func (t *Task[T]) pump() {
	defer close(t.out)
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			<-t.wake
			continue
		}
		e := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		t.out <- e
	}
}

// Resolve completes the task. Only the first Resolve or Reject has effect;
// it reports whether this call won.
func (t *Task[T]) Resolve(v T) bool {
	return t.finish(v, nil)
}

func (t *Task[T]) Reject(err error) bool {
	var zero T
	return t.finish(zero, err)
}

func (t *Task[T]) finish(v T, err error) bool {
	won := false
	t.once.Do(func() {
		won = true
		t.mu.Lock()
		t.value = v
		t.err = err
		t.closed = true
		t.mu.Unlock()
		close(t.done)
		select {
		case t.wake <- struct{}{}:
		default:
		}
	})
	return won
}

// Done is closed when the task resolves or rejects.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
