//go:build unix

package eventq

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapRegion allocates the slot ring as a private anonymous mapping, outside
// the Go heap and unmapped explicitly at Close.
func mapRegion(size int) (*region, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return &region{buf: buf, release: unix.Munmap}, nil
}
