//go:build linux

package bitcask

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequential 提示内核按顺序预读
func adviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
