package workqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFIFOOrder(t *testing.T) {
	q := New("test", nil)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		q.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	q.Sync()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSyncWaitsForQueued(t *testing.T) {
	q := New("test", nil)
	defer q.Close()

	done := false
	q.Post(func() { done = true })
	q.Sync()
	assert.True(t, done)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	q := New("test", nil)
	defer q.Close()

	ran := false
	q.Post(func() { panic("handler gone wrong") })
	q.Post(func() { ran = true })
	q.Sync()
	assert.True(t, ran)
}

func TestPostAfterCloseDropped(t *testing.T) {
	q := New("test", nil)
	q.Close()

	q.Post(func() { t.Fatal("item ran on closed queue") })
	q.Sync()
}
