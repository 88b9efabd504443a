//go:build !linux

package bitcask

import "os"

func adviseSequential(f *os.File) {}
