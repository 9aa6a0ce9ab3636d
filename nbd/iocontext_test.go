package nbd

import (
	"sync"
	"testing"
	"time"
)

func TestIOContextSerializesJobs(t *testing.T) {
	ctx := NewIOContext()
	defer ctx.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		ctx.Dispatch(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	if len(order) != 10 {
		t.Fatalf("got %d completions, want 10", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of FIFO order: %v", order)
		}
	}
}

func TestDispatchSyncBlocksUntilDone(t *testing.T) {
	ctx := NewIOContext()
	defer ctx.Close()

	ran := false
	ctx.DispatchSync(func() { ran = true })
	if !ran {
		t.Fatalf("DispatchSync returned before job ran")
	}
}

func TestMigrateDrainsOldContext(t *testing.T) {
	r := NewRegistry()
	old := NewIOContext()
	defer old.Close()
	e := r.New(newMemBackend(4096), 0, 4096, 0, old)
	defer r.Release(e)

	started := make(chan struct{})
	finish := make(chan struct{})
	old.Dispatch(func() {
		close(started)
		<-finish
	})
	<-started

	migrated := make(chan struct{})
	go func() {
		e.Migrate(NewIOContext())
		close(migrated)
	}()

	select {
	case <-migrated:
		t.Fatalf("Migrate returned before the in-flight job on the old context finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	select {
	case <-migrated:
	case <-time.After(time.Second):
		t.Fatalf("Migrate did not return after the old context drained")
	}
}
