package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/slackhq/mmsg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Post(t *testing.T) {
	p := NewPool(test.NewLogger(), 4)
	defer p.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := 0

	wg.Add(100)
	for i := 0; i < 100; i++ {
		p.Post(func() {
			defer wg.Done()
			mu.Lock()
			seen++
			mu.Unlock()
		})
	}

	wg.Wait()
	assert.Equal(t, 100, seen)
}

func TestPool_FIFO(t *testing.T) {
	p := NewPool(test.NewLogger(), 1)
	defer p.Stop()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		p.Post(func() {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
		})
	}

	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPool_Wait(t *testing.T) {
	p := NewPool(test.NewLogger(), 2)
	defer p.Stop()

	// Nothing outstanding returns right away
	require.NoError(t, p.Wait(context.Background()))

	w := NewWork(p)
	assert.Equal(t, 1, p.Outstanding())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)

	release := make(chan struct{})
	w.Complete(func() { <-release })
	close(release)

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, 0, p.Outstanding())
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(test.NewLogger(), 1)
	defer p.Stop()

	w := NewWork(p)
	w.Complete(func() { panic("boom") })

	done := make(chan struct{})
	p.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	assert.Equal(t, 0, p.Outstanding())
}

func TestPool_WorkFinishedUnderflow(t *testing.T) {
	p := NewPool(test.NewLogger(), 1)
	defer p.Stop()

	assert.Panics(t, p.WorkFinished)
}

func TestPool_Stop(t *testing.T) {
	p := NewPool(test.NewLogger(), 1)
	w := NewWork(p)
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Wait(context.Background()), ErrStopped)
	w.Reset()
	assert.NoError(t, p.Wait(context.Background()))

	ran := false
	assert.False(t, p.Post(func() { ran = true }))
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran)
}

func TestPool_CompleteAfterStop(t *testing.T) {
	p := NewPool(test.NewLogger(), 1)
	w := NewWork(p)
	p.Stop()
	assert.Equal(t, 1, p.Outstanding())

	ran := false
	w.Complete(func() { ran = true })
	assert.False(t, ran)
	assert.Equal(t, 0, p.Outstanding())
	assert.NoError(t, p.Wait(context.Background()))
}
