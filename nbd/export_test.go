package nbd

import "testing"

func TestSetNameBindUnbind(t *testing.T) {
	r := NewRegistry()
	ctx := NewIOContext()
	defer ctx.Close()
	e := r.New(newMemBackend(4096), 0, 4096, 0, ctx)

	name := "disk0"
	if err := r.SetName(e, &name); err != nil {
		t.Fatalf("SetName bind: %v", err)
	}
	if got, ok := r.Find("disk0"); !ok || got != e {
		t.Fatalf("Find after bind: got %v, %v", got, ok)
	}
	if e.Name() != "disk0" {
		t.Fatalf("Name() = %q, want disk0", e.Name())
	}

	if err := r.SetName(e, nil); err != nil {
		t.Fatalf("SetName unbind: %v", err)
	}
	if _, ok := r.Find("disk0"); ok {
		t.Fatalf("Find after unbind: still present")
	}
}

func TestSetNameTaken(t *testing.T) {
	r := NewRegistry()
	ctx := NewIOContext()
	defer ctx.Close()
	e1 := r.New(newMemBackend(4096), 0, 4096, 0, ctx)
	e2 := r.New(newMemBackend(4096), 0, 4096, 0, ctx)

	name := "disk0"
	if err := r.SetName(e1, &name); err != nil {
		t.Fatalf("bind e1: %v", err)
	}
	if err := r.SetName(e2, &name); err == nil {
		t.Fatalf("expected ErrNameTaken binding e2 to the same name")
	}
}

func TestSetNameTooLong(t *testing.T) {
	r := NewRegistry()
	ctx := NewIOContext()
	defer ctx.Close()
	e := r.New(newMemBackend(4096), 0, 4096, 0, ctx)

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	name := string(long)
	if err := r.SetName(e, &name); err == nil {
		t.Fatalf("expected ErrNameTooLong for a 256-byte name")
	}
}

func TestExportTeardownOnLastRelease(t *testing.T) {
	r := NewRegistry()
	ctx := NewIOContext()
	defer ctx.Close()
	b := newMemBackend(4096)
	e := r.New(b, 0, 4096, 0, ctx)

	r.Release(e)

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		t.Fatalf("backend not closed after last reference released")
	}
}

func TestUnrefUnbindsBeforeTeardown(t *testing.T) {
	r := NewRegistry()
	ctx := NewIOContext()
	defer ctx.Close()
	e := r.New(newMemBackend(4096), 0, 4096, 0, ctx)
	name := "disk0"
	if err := r.SetName(e, &name); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// Refcount is now 2 (management + name). Dropping the management
	// reference should unbind the name rather than tearing the export
	// down immediately, per the invariant that a name implies a hold.
	r.Release(e)
	if _, ok := r.Find("disk0"); ok {
		t.Fatalf("export still named after its only remaining holder was the name binding itself")
	}
}

func TestSizeRoundedDownToSectorSize(t *testing.T) {
	r := NewRegistry()
	ctx := NewIOContext()
	defer ctx.Close()
	e := r.New(newMemBackend(4096), 0, 4097, 0, ctx)
	if e.SizeBytes != 4096 {
		t.Fatalf("SizeBytes = %d, want 4096 (rounded down)", e.SizeBytes)
	}
}

func TestReadOnlyFlag(t *testing.T) {
	r := NewRegistry()
	ctx := NewIOContext()
	defer ctx.Close()
	e := r.New(newMemBackend(4096), 0, 4096, NBD_FLAG_READ_ONLY, ctx)
	if !e.ReadOnly() {
		t.Fatalf("ReadOnly() = false, want true")
	}
}
