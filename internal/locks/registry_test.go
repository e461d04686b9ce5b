package locks

import (
	"sync"
	"testing"
)

func TestLockMutualExclusion(t *testing.T) {
	r := NewRegistry()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock(7)
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestDifferentChatsDoNotContend(t *testing.T) {
	r := NewRegistry()
	unlockA := r.Lock(1)
	defer unlockA()

	// Chat 2 must be acquirable while chat 1 is held.
	if _, ok := r.TryLock(2); !ok {
		t.Fatal("chat 2 blocked by chat 1's handle")
	}
}

func TestTryLockBusy(t *testing.T) {
	r := NewRegistry()
	unlock := r.Lock(1)

	if _, ok := r.TryLock(1); ok {
		t.Fatal("TryLock succeeded on a held handle")
	}
	unlock()

	release, ok := r.TryLock(1)
	if !ok {
		t.Fatal("TryLock failed on a free handle")
	}
	release()
}

func TestIdleHandlesEvicted(t *testing.T) {
	r := NewRegistryWithCapacity(2)
	for chatID := int64(1); chatID <= 5; chatID++ {
		r.Lock(chatID)()
	}
	if n := r.Len(); n > 2 {
		t.Errorf("%d idle handles resident, capacity 2", n)
	}
}

func TestHeldHandleSurvivesEvictionPressure(t *testing.T) {
	r := NewRegistryWithCapacity(1)
	unlock := r.Lock(1)

	// Churn enough idle handles to roll the LRU over several times.
	for chatID := int64(2); chatID <= 10; chatID++ {
		r.Lock(chatID)()
	}

	// A second acquire for chat 1 must see the same (held) mutex.
	if _, ok := r.TryLock(1); ok {
		t.Fatal("registry issued a second mutex for a held chat")
	}
	unlock()
}

func TestHandleReusedAcrossAcquires(t *testing.T) {
	r := NewRegistry()
	r.Lock(1)()
	r.Lock(1)()
	if n := r.Len(); n != 1 {
		t.Errorf("resident handles = %d, want 1", n)
	}
}
