//go:build unix

package backend

import "golang.org/x/sys/unix"

func mmapHeap(size uint64) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func munmapHeap(b []byte) error {
	return unix.Munmap(b)
}
