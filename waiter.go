package slchat

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Predicate filters event payloads for a waiter. A nil predicate matches
// everything; a panicking predicate is treated as a non-match.
type Predicate func(payload any) bool

type waiter struct {
	pred Predicate
	ch   chan any
	done bool
}

// Waiters is a table of one-shot, predicate-gated subscriptions keyed by
// event name. Dispatch fulfills every matching waiter, not only the first.
type Waiters struct {
	mu      sync.Mutex
	byEvent map[string][]*waiter
}

// NewWaiters returns an empty table.
func NewWaiters() *Waiters {
	return &Waiters{byEvent: make(map[string][]*waiter)}
}

// WaitFor blocks until an event named event is dispatched with a payload
// accepted by pred, the timeout elapses or ctx is done. A zero timeout
// waits without deadline. On timeout the waiter is removed and
// ErrWaitTimeout is returned.
func (w *Waiters) WaitFor(ctx context.Context, event string, pred Predicate, timeout time.Duration) (any, error) {
	wt := &waiter{pred: pred, ch: make(chan any, 1)}

	w.mu.Lock()
	w.byEvent[event] = append(w.byEvent[event], wt)
	w.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case v := <-wt.ch:
		return v, nil
	case <-deadline:
		return w.abandon(event, wt, ErrWaitTimeout)
	case <-ctx.Done():
		return w.abandon(event, wt, ctx.Err())
	}
}

// abandon removes wt unless a dispatch already fulfilled it, in which case
// the delivered payload wins.
func (w *Waiters) abandon(event string, wt *waiter, err error) (any, error) {
	w.mu.Lock()
	if wt.done {
		w.mu.Unlock()
		return <-wt.ch, nil
	}
	wt.done = true
	w.remove(event, wt)
	w.mu.Unlock()
	return nil, err
}

// Dispatch offers payload to every pending waiter for event and returns the
// number fulfilled. Predicates run outside the lock, so they may register
// or dispatch themselves.
func (w *Waiters) Dispatch(event string, payload any) int {
	w.mu.Lock()
	snapshot := slices.Clone(w.byEvent[event])
	w.mu.Unlock()

	n := 0
	for _, wt := range snapshot {
		w.mu.Lock()
		done := wt.done
		w.mu.Unlock()
		if done || !matches(wt.pred, payload) {
			continue
		}

		w.mu.Lock()
		if !wt.done {
			wt.done = true
			wt.ch <- payload
			w.remove(event, wt)
			n++
		}
		w.mu.Unlock()
	}
	return n
}

// Len returns the number of pending waiters for event.
func (w *Waiters) Len(event string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byEvent[event])
}

// remove must be called with mu held.
func (w *Waiters) remove(event string, wt *waiter) {
	list := slices.DeleteFunc(slices.Clone(w.byEvent[event]), func(x *waiter) bool { return x == wt })
	if len(list) == 0 {
		delete(w.byEvent, event)
		return
	}
	w.byEvent[event] = list
}

func matches(pred Predicate, payload any) (ok bool) {
	if pred == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return pred(payload)
}
