package nbd

import (
	"context"
	"sync"
)

// memBackend is an in-memory Backend used across the package's tests.
type memBackend struct {
	mu       sync.Mutex
	data     []byte
	closed   bool
	readOnly bool

	flushes int
}

func newMemBackend(size int) *memBackend {
	return &memBackend{data: make([]byte, size)}
}

func (m *memBackend) Length(context.Context) (int64, error) {
	return int64(len(m.data)), nil
}

func (m *memBackend) ReadAt(_ context.Context, buf []byte, offsetSectors, nSectors int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := offsetSectors * SectorSize
	n := nSectors * SectorSize
	copy(buf[:n], m.data[off:off+n])
	return nil
}

func (m *memBackend) WriteAt(_ context.Context, buf []byte, offsetSectors, nSectors int64) error {
	if m.readOnly {
		return ErrReadOnly
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off := offsetSectors * SectorSize
	n := nSectors * SectorSize
	copy(m.data[off:off+n], buf[:n])
	return nil
}

func (m *memBackend) Flush(context.Context) error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

func (m *memBackend) Discard(context.Context, int64, int64) error {
	if m.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (m *memBackend) TryAlignedAlloc(n int) ([]byte, bool) {
	return make([]byte, n), true
}

func (m *memBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
