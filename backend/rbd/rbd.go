// Package rbd implements the nbd.Backend interface over a Ceph RBD image
// via github.com/ceph/go-ceph.
package rbd

import (
	"context"
	"fmt"

	"github.com/ceph/go-ceph/rados"
	gorbd "github.com/ceph/go-ceph/rbd"

	"github.com/linka-cloud/gonbdserver/nbd"
)

// Backend is a nbd.Backend backed by an open RBD image.
type Backend struct {
	conn    *rados.Conn
	ioctx   *rados.IOContext
	img     *gorbd.Image
	readOnly bool
}

// Config names the Ceph cluster connection and RBD image to export.
type Config struct {
	ConfigFile string // ceph.conf path, "" to use the library default search path
	Pool       string
	Image      string
	ReadOnly   bool
}

// Open connects to the Ceph cluster described by cfg and opens the named
// image for I/O.
func Open(cfg Config) (*Backend, error) {
	conn, err := rados.NewConn()
	if err != nil {
		return nil, fmt.Errorf("rbd backend: new conn: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := conn.ReadConfigFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("rbd backend: read config: %w", err)
		}
	} else if err := conn.ReadDefaultConfigFile(); err != nil {
		return nil, fmt.Errorf("rbd backend: read default config: %w", err)
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("rbd backend: connect: %w", err)
	}
	ioctx, err := conn.OpenIOContext(cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return nil, fmt.Errorf("rbd backend: open pool %s: %w", cfg.Pool, err)
	}
	img, err := gorbd.OpenImage(ioctx, cfg.Image, gorbd.NoSnapshot)
	if err != nil {
		ioctx.Destroy()
		conn.Shutdown()
		return nil, fmt.Errorf("rbd backend: open image %s: %w", cfg.Image, err)
	}
	return &Backend{conn: conn, ioctx: ioctx, img: img, readOnly: cfg.ReadOnly}, nil
}

func (b *Backend) Length(context.Context) (int64, error) {
	size, err := b.img.GetSize()
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}

func (b *Backend) ReadAt(_ context.Context, buf []byte, offsetSectors, nSectors int64) error {
	_, err := b.img.ReadAt(buf[:nSectors*nbd.SectorSize], offsetSectors*nbd.SectorSize)
	return err
}

func (b *Backend) WriteAt(_ context.Context, buf []byte, offsetSectors, nSectors int64) error {
	if b.readOnly {
		return nbd.ErrReadOnly
	}
	_, err := b.img.WriteAt(buf[:nSectors*nbd.SectorSize], offsetSectors*nbd.SectorSize)
	return err
}

func (b *Backend) Flush(context.Context) error {
	return b.img.Flush()
}

func (b *Backend) Discard(_ context.Context, offsetSectors, nSectors int64) error {
	if b.readOnly {
		return nbd.ErrReadOnly
	}
	return b.img.Discard(uint64(offsetSectors*nbd.SectorSize), uint64(nSectors*nbd.SectorSize))
}

// TryAlignedAlloc always succeeds: RBD has no client-side alignment
// requirement the way O_DIRECT local I/O does.
func (b *Backend) TryAlignedAlloc(n int) ([]byte, bool) {
	return make([]byte, n), true
}

func (b *Backend) Close() error {
	if err := b.img.Close(); err != nil {
		return err
	}
	b.ioctx.Destroy()
	b.conn.Shutdown()
	return nil
}
