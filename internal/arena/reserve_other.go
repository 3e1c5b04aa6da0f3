//go:build !unix

package arena

// reserve allocates the arena buffer from the Go heap. Guard pages need
// mmap and are silently unavailable here; bounds checks still apply.
func reserve(size uint32, _ bool) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}
