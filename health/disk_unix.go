//go:build linux || darwin

package health

import "golang.org/x/sys/unix"

func diskUsage(path string) (Disk, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Disk{}, err
	}
	bsize := uint64(stat.Bsize)
	size := uint64(stat.Blocks) * bsize
	return Disk{
		Size: size,
		Free: uint64(stat.Bavail) * bsize,
		Used: size - uint64(stat.Bfree)*bsize,
	}, nil
}
