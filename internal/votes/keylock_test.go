package votes

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKeyOnly(t *testing.T) {
	locks := newKeyedMutex()
	unlockA := locks.Lock("a")

	acquiredB := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		close(acquiredB)
		unlock()
	}()
	select {
	case <-acquiredB:
	case <-time.After(time.Second):
		t.Fatalf("expected distinct key to proceed")
	}

	var mu sync.Mutex
	order := []string{}
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("a")
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		unlock()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	unlockA()
	<-done

	if len(order) != 2 || order[0] != "first" {
		t.Fatalf("expected same key to wait, got %v", order)
	}
	if locks.size() != 0 {
		t.Fatalf("expected entries to be released, %d remain", locks.size())
	}
}
