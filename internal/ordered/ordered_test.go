package ordered

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbacksRunInIssueOrder(t *testing.T) {
	q := New(nil)
	const n = 200

	var mu sync.Mutex
	var order []uint64
	tickets := make([]*Ticket, n)
	for i := range tickets {
		var seq uint64
		tk, err := q.Issue(func(err error) {
			mu.Lock()
			order = append(order, seq)
			mu.Unlock()
		})
		require.NoError(t, err)
		seq = tk.Seq()
		tickets[i] = tk
	}

	// complete in random order from many goroutines
	perm := rand.Perm(n)
	var wg sync.WaitGroup
	for _, i := range perm {
		wg.Add(1)
		go func(tk *Ticket) {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
			tk.Complete(nil)
		}(tickets[i])
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	require.Len(t, order, n)
	for i, seq := range order {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestLaterCompletionWaitsForEarlier(t *testing.T) {
	q := New(nil)
	fired := make(chan int, 2)

	first, err := q.Issue(func(error) { fired <- 1 })
	require.NoError(t, err)
	second, err := q.Issue(func(error) { fired <- 2 })
	require.NoError(t, err)

	second.Complete(nil)
	select {
	case <-fired:
		t.Fatal("second callback ran before the first completed")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, q.Outstanding())

	first.Complete(nil)
	assert.Equal(t, 1, <-fired)
	assert.Equal(t, 2, <-fired)
}

func TestCallbackReceivesError(t *testing.T) {
	q := New(nil)
	boom := errors.New("publish failed")
	got := make(chan error, 1)

	tk, err := q.Issue(func(err error) { got <- err })
	require.NoError(t, err)
	tk.Complete(boom)
	assert.ErrorIs(t, <-got, boom)
}

func TestCallbackRunsOffIssuingGoroutine(t *testing.T) {
	q := New(nil)
	done := make(chan struct{})
	var tk *Ticket
	var err error
	tk, err = q.Issue(func(error) {
		close(done)
	})
	require.NoError(t, err)
	tk.Complete(nil)
	// Complete returns without running the callback inline
	<-done
}

func TestPanickingCallbackDoesNotStopQueue(t *testing.T) {
	q := New(nil)
	ran := make(chan struct{})

	a, _ := q.Issue(func(error) { panic("listener bug") })
	b, _ := q.Issue(func(error) { close(ran) })
	a.Complete(nil)
	b.Complete(nil)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("callback after a panic did not run")
	}
}

func TestCloseWaitsAndRefuses(t *testing.T) {
	q := New(nil)
	var called bool
	tk, err := q.Issue(func(error) { called = true })
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tk.Complete(nil)
	}()
	require.NoError(t, q.Close(context.Background()))
	assert.True(t, called)

	_, err = q.Issue(nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseHonoursContext(t *testing.T) {
	q := New(nil)
	_, err := q.Issue(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
}

func TestCloseWithoutTickets(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))
}
