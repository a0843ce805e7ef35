package queue

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pidgeon-dvm/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: logging.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

func TestRunsSubmittedTasks(t *testing.T) {
	q := New("test", 2, 10)
	defer q.Close()

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		id := string(rune('a' + i))
		ok := q.Submit(id, func() {
			atomic.AddInt32(&n, 1)
			wg.Done()
		})
		require.True(t, ok)
	}
	wg.Wait()
	require.EqualValues(t, 5, atomic.LoadInt32(&n))
}

func TestDedupsInflightIDs(t *testing.T) {
	q := New("test", 1, 10)
	defer q.Close()

	block := make(chan struct{})
	started := make(chan struct{})

	require.True(t, q.Submit("dup", func() {
		close(started)
		<-block
	}))
	<-started

	// Same id while running: rejected.
	require.False(t, q.Submit("dup", func() {}))
	// Different id: accepted.
	done := make(chan struct{})
	require.True(t, q.Submit("other", func() { close(done) }))

	close(block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task never ran")
	}

	// After completion the id is reusable.
	require.Eventually(t, func() bool {
		return q.Submit("dup", func() {})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCapacityBound(t *testing.T) {
	q := New("test", 1, 2)
	defer q.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, q.Submit("a", func() {
		close(started)
		<-block
	}))
	<-started

	require.True(t, q.Submit("b", func() {}))

	// a running + b queued = pending 2 = cap.
	require.False(t, q.Submit("c", func() {}))
	require.EqualValues(t, 1, q.Dropped())

	close(block)
}

func TestCloseWaitsForInflight(t *testing.T) {
	q := New("test", 2, 10)

	var done int32
	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		q.Submit(id, func() {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&done, 1)
		})
	}
	q.Close()
	require.EqualValues(t, 4, atomic.LoadInt32(&done))

	require.False(t, q.Submit("late", func() {}))
}
