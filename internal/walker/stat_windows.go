//go:build windows

package walker

import "io/fs"

type fileID struct {
	dev uint64
	ino uint64
}

// Windows has no cheap inode equivalent from FileInfo; the cycle guard is
// a no-op there and symlink traversal relies on the depth bound instead.
func statID(info fs.FileInfo) (fileID, bool) {
	return fileID{}, false
}
