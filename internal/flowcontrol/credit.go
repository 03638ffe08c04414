// Package flowcontrol provides the credit accounting primitive behind the
// relay's send windows. A Manager tracks a signed byte budget that is consumed
// by senders and replenished (or revoked) as the peer advertises capacity.
package flowcontrol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Request after Close, and is the error every
	// waiter still queued at Close time resolves with.
	ErrClosed = errors.New("flowcontrol: credit manager closed")

	// ErrOverflow indicates an Adjust would move the balance outside the
	// representable range. This is a protocol-level misuse signal; the
	// balance is left unchanged.
	ErrOverflow = errors.New("flowcontrol: credit balance overflow")

	// ErrNonPositiveAmount is returned when Request is called with a zero or
	// negative amount.
	ErrNonPositiveAmount = errors.New("flowcontrol: requested amount must be positive")
)

type grant struct {
	n   int64
	err error
}

// waiter is a queued credit request. Its outcome slot is settled exactly once:
// the first of {adjust sweep, cancellation callback, Close} to win the claim
// writes the result. The result channel has capacity one so the winner never
// blocks, whether or not it holds the manager lock.
type waiter struct {
	amount  int64
	claimed atomic.Bool
	result  chan grant
	stop    func() bool // releases the cancellation subscription
}

func (w *waiter) claim() bool {
	return w.claimed.CompareAndSwap(false, true)
}

// Manager hands out portions of a mutable credit balance. Requests that find
// no credit wait in FIFO order until an Adjust replenishes the balance, their
// context is canceled, or the manager is closed. The zero value is not usable;
// construct with NewManager.
//
// Canceled requests stay in the queue until the next Adjust sweep reaches
// them. They hold no credit and block nobody, so removal is deliberately lazy:
// eager removal would buy nothing observable and would require a queue with
// arbitrary deletion.
type Manager struct {
	mu      sync.Mutex
	balance int64
	waiters []*waiter
	closed  bool
}

// NewManager returns a Manager holding initial credit. The initial balance
// may be zero or negative, in which case every Request waits until credit is
// granted.
func NewManager(initial int64) *Manager {
	return &Manager{balance: initial}
}

// Request obtains up to amount credit. If the balance is positive the call
// grants min(amount, balance) immediately; a partial grant is normal and the
// caller re-requests for the remainder. Otherwise the call blocks until an
// Adjust produces credit, ctx is canceled, or the manager is closed.
func (m *Manager) Request(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrNonPositiveAmount
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if m.balance > 0 {
		// Invariant: a positive balance implies no queued waiters, so
		// granting here cannot jump the FIFO order.
		n := min(amount, m.balance)
		m.balance -= n
		m.mu.Unlock()
		return n, nil
	}
	w := &waiter{amount: amount, result: make(chan grant, 1)}
	w.stop = context.AfterFunc(ctx, func() {
		if w.claim() {
			w.result <- grant{err: context.Cause(ctx)}
		}
	})
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	g := <-w.result
	return g.n, g.err
}

// Adjust adds delta to the balance; delta may be negative to revoke credit
// that was advertised but is no longer available, and the balance is allowed
// to go below zero. While the balance is positive, queued waiters are served
// in FIFO order, each receiving at most its requested amount. Adjust after
// Close is a silent no-op.
func (m *Manager) Adjust(delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	next, ok := addInt64(m.balance, delta)
	if !ok {
		return ErrOverflow
	}
	m.balance = next
	for m.balance > 0 && len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		w.stop()
		if !w.claim() {
			// Canceled while queued; discard without consuming credit.
			continue
		}
		n := min(w.amount, m.balance)
		m.balance -= n
		w.result <- grant{n: n}
	}
	if len(m.waiters) == 0 {
		m.waiters = nil
	}
	return nil
}

// Close permanently shuts the manager down. Every queued waiter resolves with
// ErrClosed, later Requests fail immediately, and later Adjusts are ignored.
// Close is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, w := range m.waiters {
		w.stop()
		if w.claim() {
			w.result <- grant{err: ErrClosed}
		}
	}
	m.waiters = nil
}

// Balance reports the current unallocated credit. It may be negative after a
// revoking Adjust.
func (m *Manager) Balance() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// Waiting reports the number of queued requests, including entries whose
// context fired but that have not been swept yet.
func (m *Manager) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

func addInt64(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}
