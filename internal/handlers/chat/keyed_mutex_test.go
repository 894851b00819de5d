package handlers

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesSamePair(t *testing.T) {
	t.Parallel()

	km := newKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(777, -100111)
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 32 {
		t.Fatalf("counter = %d", counter)
	}

	km.mu.Lock()
	remaining := len(km.locks)
	km.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("lock entries leaked: %d", remaining)
	}
}

func TestKeyedMutexDistinctPairsDoNotBlock(t *testing.T) {
	t.Parallel()

	km := newKeyedMutex()

	unlockA := km.Lock(1, -100111)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock(2, -100111)
		unlockB()
		close(done)
	}()
	<-done
}
