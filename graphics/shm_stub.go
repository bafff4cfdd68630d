//go:build !linux

package graphics

import "errors"

var errNoShm = errors.New("shm buffers need memfd, which is only available on linux")

// NewShmAllocator is unavailable on this platform, use NewHeapAllocator instead
func NewShmAllocator() (Allocator, error) {
	return nil, errNoShm
}
