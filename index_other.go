//go:build !unix

package ibstore

// mapIndex reads an index file into memory; mmap is only used on Unix systems.
func mapIndex(path string, _ bool) ([]byte, func() error, error) {
	return readIndex(path)
}
