//go:build linux

package meta

import (
	"os"
	"syscall"
)

// inodeTimes extracts the inode-level fields Lstat exposes only through
// the raw stat structure. Returns zero values when the platform-specific
// structure is unavailable.
func inodeTimes(info os.FileInfo) (atime, ctime int64, uid, gid uint32, inode uint64, blocks int64) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0, 0, 0, 0
	}
	return st.Atim.Sec, st.Ctim.Sec, st.Uid, st.Gid, st.Ino, st.Blocks
}

func hardLinks(info os.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int64(st.Nlink)
	}
	return 1
}
