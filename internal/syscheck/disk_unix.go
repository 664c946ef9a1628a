//go:build unix

package syscheck

import "golang.org/x/sys/unix"

func diskUsage(path string) (Disk, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Disk{}, err
	}
	bsize := uint64(st.Bsize)
	total := uint64(st.Blocks) * bsize
	free := uint64(st.Bavail) * bsize
	return Disk{Path: path, Total: total, Free: free, Used: total - uint64(st.Bfree)*bsize}, nil
}
