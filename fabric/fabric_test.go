package fabric

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishOrderingPerSubscriber(t *testing.T) {
	wq := NewWorkQueue("test", 16)
	defer wq.Stop()

	topic := NewTopic[int]("nums")
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	topic.Subscribe(wq, func(n int) {
		mu.Lock()
		got = append(got, n)
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		topic.Publish(i)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestWorkQueueRejectsWhenFull(t *testing.T) {
	wq := NewWorkQueue("full", 1)
	defer wq.Stop()

	block := make(chan struct{})
	require.True(t, wq.Submit(func() { <-block }))
	// give the consumer goroutine a chance to pick up the blocking item
	time.Sleep(10 * time.Millisecond)
	require.True(t, wq.Submit(func() {}))  // fills the 1-deep backlog
	ok := wq.Submit(func() {})
	require.False(t, ok)
	close(block)
}

func TestWorkQueueRejectsAfterStop(t *testing.T) {
	wq := NewWorkQueue("stopped", 4)
	wq.Stop()
	require.False(t, wq.Submit(func() {}))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	wq := NewWorkQueue("unsub", 8)
	defer wq.Stop()
	topic := NewTopic[int]("nums")
	var count int
	var mu sync.Mutex
	unsub := topic.Subscribe(wq, func(n int) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	topic.Publish(1)
	time.Sleep(20 * time.Millisecond)
	unsub()
	topic.Publish(2)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}
