//go:build !unix

package backend

func mmapHeap(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func munmapHeap(b []byte) error {
	return nil
}
