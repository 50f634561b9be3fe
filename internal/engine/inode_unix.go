//go:build !windows

package engine

import (
	"os"
	"syscall"
)

// fileInode extracts the device and inode numbers from file info.
func fileInode(info os.FileInfo) (inodeKey, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return inodeKey{}, false
	}
	return inodeKey{dev: uint64(stat.Dev), ino: stat.Ino}, true //nolint:unconvert
}

type inodeKey struct {
	dev, ino uint64
}
