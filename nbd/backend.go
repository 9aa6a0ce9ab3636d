package nbd

import "context"

// SectorSize is the fixed block granularity the protocol operates on;
// export sizes are rounded down to a multiple of it and all backend
// offsets/lengths are expressed in sectors.
const SectorSize = 512

// MaxBufferSize bounds a single READ/WRITE payload. 32 MiB, per proto.md's
// recommendation; a length above this is a protocol-level error.
const MaxBufferSize = 32 * 1024 * 1024

// MaxInFlight is the default number of requests a client may have
// in dispatch simultaneously before the receive loop stops accepting
// new frames.
const MaxInFlight = 16

// Backend is the block device a Export reads and writes through. Offsets
// and lengths passed to Read/Write/Discard are in sectors, not bytes;
// callers convert once at the pipeline boundary so backend implementations
// never have to reason about the wire's byte offsets.
type Backend interface {
	// Length reports the backend's size in bytes.
	Length(ctx context.Context) (int64, error)

	// ReadAt fills buf (len(buf) == nSectors*SectorSize) starting at
	// offsetSectors.
	ReadAt(ctx context.Context, buf []byte, offsetSectors int64, nSectors int64) error

	// WriteAt writes buf (len(buf) == nSectors*SectorSize) starting at
	// offsetSectors.
	WriteAt(ctx context.Context, buf []byte, offsetSectors int64, nSectors int64) error

	// Flush commits any buffered writes durably.
	Flush(ctx context.Context) error

	// Discard informs the backend that the given range is no longer
	// needed. Best effort: success does not imply the range reads back
	// as zero.
	Discard(ctx context.Context, offsetSectors int64, nSectors int64) error

	// TryAlignedAlloc returns a buffer suitable for zero-copy I/O against
	// this backend, or ok=false if the backend cannot satisfy an aligned
	// allocation right now (reported to the client as NBD_ENOMEM, not a
	// fatal condition).
	TryAlignedAlloc(n int) (buf []byte, ok bool)

	// Close releases backend resources.
	Close() error
}
