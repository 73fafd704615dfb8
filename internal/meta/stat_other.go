//go:build !linux

package meta

import "os"

func inodeTimes(info os.FileInfo) (atime, ctime int64, uid, gid uint32, inode uint64, blocks int64) {
	// Fall back to mtime for platforms without the raw stat fields.
	mt := info.ModTime().Unix()
	return mt, mt, 0, 0, 0, 0
}

func hardLinks(info os.FileInfo) int64 {
	return 1
}
