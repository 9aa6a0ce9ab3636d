// Package file implements the nbd.Backend interface over a plain
// os.File, the simplest of the three drivers: no async I/O, no cluster
// storage, just ReadAt/WriteAt/Sync against a local image file.
package file

import (
	"context"
	"fmt"
	"os"

	"github.com/linka-cloud/gonbdserver/nbd"
)

// Backend is a nbd.Backend backed by a single local file.
type Backend struct {
	f        *os.File
	readOnly bool
}

// Open opens path as a backend. When readOnly is true the file is opened
// O_RDONLY and WriteAt/Discard are never expected to be called (the
// pipeline rejects writes against a read-only export before reaching the
// backend at all; readOnly here is informational/defensive).
func Open(path string, readOnly bool) (*Backend, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file backend: open %s: %w", path, err)
	}
	return &Backend{f: f, readOnly: readOnly}, nil
}

func (b *Backend) Length(context.Context) (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (b *Backend) ReadAt(_ context.Context, buf []byte, offsetSectors, nSectors int64) error {
	_, err := b.f.ReadAt(buf[:nSectors*nbd.SectorSize], offsetSectors*nbd.SectorSize)
	return err
}

func (b *Backend) WriteAt(_ context.Context, buf []byte, offsetSectors, nSectors int64) error {
	if b.readOnly {
		return nbd.ErrReadOnly
	}
	_, err := b.f.WriteAt(buf[:nSectors*nbd.SectorSize], offsetSectors*nbd.SectorSize)
	return err
}

func (b *Backend) Flush(context.Context) error {
	return b.f.Sync()
}

// Discard is a no-op success: plain files have no portable punch-hole
// syscall in the standard library (FALLOC_FL_PUNCH_HOLE is Linux-only and
// not exposed by os/syscall in a cross-platform way), and the protocol
// only requires discard to be best-effort.
func (b *Backend) Discard(context.Context, int64, int64) error {
	return nil
}

// TryAlignedAlloc always succeeds: this backend does unbuffered ReadAt/
// WriteAt through the standard library, not O_DIRECT, so there is no
// alignment requirement to enforce.
func (b *Backend) TryAlignedAlloc(n int) ([]byte, bool) {
	return make([]byte, n), true
}

func (b *Backend) Close() error {
	return b.f.Close()
}
