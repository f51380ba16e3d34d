//go:build !windows

package walker

import (
	"io/fs"
	"syscall"
)

// fileID identifies a filesystem object across links.
type fileID struct {
	dev uint64
	ino uint64
}

func statID(info fs.FileInfo) (fileID, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileID{}, false
	}
	return fileID{dev: uint64(stat.Dev), ino: stat.Ino}, true
}
