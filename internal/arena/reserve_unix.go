//go:build unix

package arena

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// reserve maps the arena buffer. With guardPages set, the usable region
// is surrounded by one PROT_NONE page on each end: an access that runs
// off either edge of the arena faults immediately instead of reaching
// adjacent host allocations.
func reserve(size uint32, guardPages bool) ([]byte, func() error, error) {
	if !guardPages {
		return make([]byte, size), nil, nil
	}

	page := uint32(os.Getpagesize())
	usable := ((size + page - 1) / page) * page
	total := int(usable) + 2*int(page)

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}
	if err := unix.Mprotect(mem[page:page+usable], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = unix.Munmap(mem)
		return nil, nil, fmt.Errorf("mprotect: %w", err)
	}

	buf := mem[page : page+size : page+size]
	release := func() error { return unix.Munmap(mem) }
	return buf, release, nil
}
