package services

import (
	"sync"
	"testing"
	"time"
)

func TestTemplateLocksSerializeSameID(t *testing.T) {
	locks := NewTemplateLocks()
	unlock := locks.Lock("t1")

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("t1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired the lock while the first still held it")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was never handed over")
	}
}

func TestTemplateLocksIndependentIDs(t *testing.T) {
	locks := NewTemplateLocks()
	unlock := locks.Lock("t1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		locks.Lock("t2")()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking another template blocked")
	}
}

func TestTemplateLocksAreReleased(t *testing.T) {
	locks := NewTemplateLocks()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("t1")
			unlock()
			unlock() // second call is a no-op
		}()
	}
	wg.Wait()

	if n := locks.Len(); n != 0 {
		t.Fatalf("expected no lock entries left, got %d", n)
	}
}
