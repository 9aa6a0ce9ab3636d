//go:build !linux

package kerneldisc

import (
	"fmt"
	"runtime"
)

// Disconnect is unsupported outside Linux: the NBD kernel client and its
// ioctl interface are a Linux-specific facility.
func Disconnect(devPath string) error {
	return fmt.Errorf("kerneldisc: not supported on %s", runtime.GOOS)
}
