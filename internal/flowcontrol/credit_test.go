package flowcontrol

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRequestGrantsSynchronously(t *testing.T) {
	m := NewManager(100)

	n, err := m.Request(context.Background(), 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)
	assert.Equal(t, int64(60), m.Balance())
	assert.Zero(t, m.Waiting())
}

func TestRequestPartialGrant(t *testing.T) {
	m := NewManager(5)

	n, err := m.Request(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n, "grant is capped at the balance, not an error")
	assert.Equal(t, int64(0), m.Balance())
}

func TestRequestNonPositiveAmount(t *testing.T) {
	m := NewManager(10)

	_, err := m.Request(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)
	_, err = m.Request(context.Background(), -3)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)
	assert.Equal(t, int64(10), m.Balance())
}

// pendingRequest issues a Request on its own goroutine and exposes the result.
type pendingRequest struct {
	n    int64
	err  error
	done chan struct{}
}

func startRequest(m *Manager, ctx context.Context, amount int64) *pendingRequest {
	p := &pendingRequest{done: make(chan struct{})}
	started := make(chan struct{})
	go func() {
		close(started)
		p.n, p.err = m.Request(ctx, amount)
		close(p.done)
	}()
	<-started
	return p
}

func (p *pendingRequest) wait(t *testing.T) (int64, error) {
	t.Helper()
	select {
	case <-p.done:
		return p.n, p.err
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
		return 0, nil
	}
}

func (p *pendingRequest) stillPending() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func waitForQueued(t *testing.T, m *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Waiting() < n {
		if time.Now().After(deadline) {
			t.Fatalf("never saw %d queued waiters (have %d)", n, m.Waiting())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWaitersServedFIFOWithPartialTail(t *testing.T) {
	m := NewManager(0)
	ctx := context.Background()

	w1 := startRequest(m, ctx, 3)
	waitForQueued(t, m, 1)
	w2 := startRequest(m, ctx, 4)
	waitForQueued(t, m, 2)

	require.NoError(t, m.Adjust(5))

	n1, err := w1.wait(t)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n1, "head waiter gets its full request")

	n2, err := w2.wait(t)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n2, "second waiter is capped at the remainder")

	assert.Equal(t, int64(0), m.Balance())
	assert.Zero(t, m.Waiting())
}

func TestAdjustMayDriveBalanceNegative(t *testing.T) {
	m := NewManager(5)

	require.NoError(t, m.Adjust(-10))
	assert.Equal(t, int64(-5), m.Balance())

	ctx, cancel := context.WithCancel(context.Background())
	p := startRequest(m, ctx, 1)
	waitForQueued(t, m, 1)
	assert.True(t, p.stillPending(), "request must queue while balance <= 0")

	// Climbing back to zero still grants nothing.
	require.NoError(t, m.Adjust(5))
	assert.True(t, p.stillPending())
	assert.Equal(t, int64(0), m.Balance())

	require.NoError(t, m.Adjust(1))
	n, err := p.wait(t)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	cancel()
}

func TestCancellationBeforeGrant(t *testing.T) {
	m := NewManager(0)

	ctx, cancel := context.WithCancel(context.Background())
	canceled := startRequest(m, ctx, 1)
	waitForQueued(t, m, 1)

	next := startRequest(m, context.Background(), 7)
	waitForQueued(t, m, 2)

	cancel()
	_, err := canceled.wait(t)
	assert.ErrorIs(t, err, context.Canceled)

	// The canceled entry is still queued; the sweep must skip it without
	// consuming credit so the grant flows to the next waiter in line.
	assert.Equal(t, 2, m.Waiting())
	require.NoError(t, m.Adjust(10))

	n, err := next.wait(t)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, int64(3), m.Balance())
	assert.Zero(t, m.Waiting())
}

func TestCloseDrainsWaiters(t *testing.T) {
	m := NewManager(0)
	ctx := context.Background()

	w1 := startRequest(m, ctx, 1)
	waitForQueued(t, m, 1)
	w2 := startRequest(m, ctx, 2)
	waitForQueued(t, m, 2)

	m.Close()

	_, err := w1.wait(t)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = w2.wait(t)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = m.Request(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)

	assert.NoError(t, m.Adjust(100), "adjust after close is a silent no-op")
	assert.Zero(t, m.Waiting())

	m.Close() // idempotent
}

func TestAdjustOverflow(t *testing.T) {
	m := NewManager(math.MaxInt64 - 1)

	err := m.Adjust(2)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, int64(math.MaxInt64-1), m.Balance(), "failed adjust leaves balance untouched")

	require.NoError(t, m.Adjust(1))
	assert.Equal(t, int64(math.MaxInt64), m.Balance())

	u := NewManager(math.MinInt64 + 1)
	assert.ErrorIs(t, u.Adjust(-2), ErrOverflow)
	require.NoError(t, u.Adjust(-1))
}

func TestGrantExactlyOnceUnderCancelAdjustRace(t *testing.T) {
	// A canceled waiter and a concurrent adjust race on the same slot; the
	// credit is deducted iff the grant won. Conservation check: granted
	// credit + remaining balance must equal everything ever adjusted in.
	for i := 0; i < 200; i++ {
		m := NewManager(0)
		ctx, cancel := context.WithCancel(context.Background())

		p := startRequest(m, ctx, 4)
		waitForQueued(t, m, 1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel()
		}()
		go func() {
			defer wg.Done()
			if err := m.Adjust(4); err != nil {
				t.Error(err)
			}
		}()
		wg.Wait()

		n, err := p.wait(t)
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
			require.Zero(t, n)
			require.Equal(t, int64(4), m.Balance(), "lost race must not consume credit")
		} else {
			require.Equal(t, int64(4), n)
			require.Equal(t, int64(0), m.Balance())
		}
		m.Close()
	}
}

func TestQueueImpliesNonPositiveBalance(t *testing.T) {
	// Random interleavings of request/adjust/cancel across goroutines; the
	// invariant "waiters queued => balance <= 0" must hold at every probe.
	m := NewManager(0)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), time.Duration(rng.Intn(3))*time.Millisecond)
				_, err := m.Request(ctx, int64(rng.Intn(8)+1))
				cancel()
				if err != nil && err != context.DeadlineExceeded && err != ErrClosed && err != context.Canceled {
					t.Errorf("unexpected request error: %v", err)
					return
				}
			}
		}(int64(g))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(99))
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := m.Adjust(int64(rng.Intn(13)) - 4); err != nil {
				t.Errorf("adjust: %v", err)
				return
			}
			time.Sleep(time.Duration(rng.Intn(2)) * time.Millisecond)
		}
	}()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.waiters) > 0 && m.balance > 0 {
			m.mu.Unlock()
			t.Fatal("invariant violated: waiters queued with positive balance")
		}
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()
	m.Close()
}

func TestRequestAfterCanceledContext(t *testing.T) {
	m := NewManager(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The subscription fires immediately; the request must resolve with the
	// cancellation outcome rather than hang.
	_, err := m.Request(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)

	// The dead entry is swept by the next adjust and the credit stays
	// available to a synchronous caller.
	require.NoError(t, m.Adjust(3))
	assert.Zero(t, m.Waiting())
	n, err := m.Request(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSingleAdjustSatisfiesManyWaiters(t *testing.T) {
	m := NewManager(0)
	ctx := context.Background()

	var pending []*pendingRequest
	for i := 0; i < 5; i++ {
		pending = append(pending, startRequest(m, ctx, 10))
		waitForQueued(t, m, i+1)
	}

	require.NoError(t, m.Adjust(50))
	var total int64
	for _, p := range pending {
		n, err := p.wait(t)
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)
		total += n
	}
	assert.Equal(t, int64(50), total)
	assert.Equal(t, int64(0), m.Balance())
}
