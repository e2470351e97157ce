package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAskTimeout      = errors.New("timed out waiting for the user to answer")
	ErrDuplicateWaiter = errors.New("a waiter with this id already exists")
)

// DefaultAskTimeout bounds every wait on a human answer.
const DefaultAskTimeout = 5 * time.Minute

// Waiters correlates ask_user requests with their answers. Each id has at
// most one waiter; whichever of Resolve and the timeout comes first removes
// it, so an answer is delivered exactly once.
type Waiters struct {
	mu      sync.Mutex
	pending map[string]chan string
}

func NewWaiters() *Waiters {
	return &Waiters{pending: make(map[string]chan string)}
}

// Waiter is the receiving end of one registered id.
type Waiter struct {
	id     string
	ch     chan string
	parent *Waiters
}

// Register must be called before anyone can learn id, otherwise an early
// answer would find no waiter.
func (w *Waiters) Register(id string) (*Waiter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[id]; ok {
		return nil, ErrDuplicateWaiter
	}
	ch := make(chan string, 1)
	w.pending[id] = ch
	return &Waiter{id: id, ch: ch, parent: w}, nil
}

// Resolve delivers answer to the waiter for id. It reports false for unknown
// ids and for waiters that were already resolved or timed out.
func (w *Waiters) Resolve(id, answer string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.pending[id]
	if !ok {
		return false
	}
	delete(w.pending, id)
	// buffered, never blocks; sending under mu lets Wait see it after a timeout
	ch <- answer
	return true
}

// Wait blocks until the answer arrives, timeout elapses or ctx ends. An
// answer delivered before Wait is called is returned at once. The waiter is
// gone when Wait returns.
func (wt *Waiter) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var err error
	select {
	case answer := <-wt.ch:
		return answer, nil
	case <-timer.C:
		err = ErrAskTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	w := wt.parent
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[wt.id] == wt.ch {
		delete(w.pending, wt.id)
	}
	// Resolve may have won the race after the timer fired.
	select {
	case answer := <-wt.ch:
		return answer, nil
	default:
		return "", err
	}
}

func (w *Waiters) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
