package runner

import (
	"sync"
	"testing"
)

func TestSerialExecutorRunsTasksInOrder(t *testing.T) {
	e := NewSerialExecutor()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		if ok := e.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); !ok {
			t.Fatalf("Post(%d) = false, want true", i)
		}
	}
	e.Close()

	if len(order) != 10 {
		t.Fatalf("executed %d tasks, want 10", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestSerialExecutorPostAfterClose(t *testing.T) {
	e := NewSerialExecutor()
	e.Close()

	if ok := e.Post(func() {}); ok {
		t.Fatalf("Post after Close = true, want false")
	}

	// Close must be idempotent.
	e.Close()
}

func TestInlinePosterRunsSynchronously(t *testing.T) {
	var ran bool
	if ok := (Inline{}).Post(func() { ran = true }); !ok {
		t.Fatalf("Inline.Post = false, want true")
	}
	if !ran {
		t.Fatalf("Inline.Post did not run the task synchronously")
	}
}
