package nbd

import (
	"errors"
	"syscall"
)

// ErrnoToNBD maps a host errno (or a plain Go error wrapping one) to the
// NBD wire error code to put in a reply frame. Anything it can't place
// more specifically maps to NBD_EINVAL, matching the table in proto.md.
func ErrnoToNBD(err error) uint32 {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return NBD_EINVAL
	}
	switch errno {
	case 0:
		return 0
	case syscall.EPERM:
		return NBD_EPERM
	case syscall.EIO:
		return NBD_EIO
	case syscall.ENOMEM:
		return NBD_ENOMEM
	case syscall.EINVAL:
		return NBD_EINVAL
	case syscall.ENOSPC, syscall.EFBIG, syscall.EDQUOT:
		return NBD_ENOSPC
	default:
		return NBD_EINVAL
	}
}

// ErrReadOnly is returned by a Backend's write/discard when the export is
// mounted read-only. It is handled by the request pipeline ahead of the
// generic ErrnoToNBD mapping: a read-only violation maps to NBD_EPERM,
// not the EINVAL a plain errno walk would produce (see open question (a)
// in the design notes: EROFS has no slot in the standard table).
var ErrReadOnly = errors.New("nbd: export is read-only")
