package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/linka-cloud/gonbdserver/nbd"
)

func newTestFile(t *testing.T, size int64) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return path
}

func TestFileBackendReadWrite(t *testing.T) {
	path := newTestFile(t, 4096)
	b, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	want := make([]byte, nbd.SectorSize)
	for i := range want {
		want[i] = byte(i)
	}
	if err := b.WriteAt(ctx, want, 1, 1); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, nbd.SectorSize)
	if err := b.ReadAt(ctx, got, 1, 1); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.Discard(ctx, 0, 1); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	length, err := b.Length(ctx)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if length != 4096 {
		t.Fatalf("Length = %d, want 4096", length)
	}
}

func TestFileBackendReadOnlyRejectsWrite(t *testing.T) {
	path := newTestFile(t, 4096)
	b, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	err = b.WriteAt(context.Background(), make([]byte, nbd.SectorSize), 0, 1)
	if err != nbd.ErrReadOnly {
		t.Fatalf("WriteAt on read-only backend = %v, want nbd.ErrReadOnly", err)
	}
}

func TestFileBackendTryAlignedAllocAlwaysSucceeds(t *testing.T) {
	path := newTestFile(t, 512)
	b, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	buf, ok := b.TryAlignedAlloc(1024)
	if !ok || len(buf) != 1024 {
		t.Fatalf("TryAlignedAlloc = (%d bytes, %v), want (1024, true)", len(buf), ok)
	}
}
