//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package mmap

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var madvice = map[AccessPattern]int{
	AccessSequential: unix.MADV_SEQUENTIAL,
	AccessRandom:     unix.MADV_RANDOM,
	AccessWillNeed:   unix.MADV_WILLNEED,
	AccessDontNeed:   unix.MADV_DONTNEED,
}

// osMap maps a chunk file read-only.
func osMap(f *os.File, size int) ([]byte, func([]byte) error, error) {
	return mapFd(int(f.Fd()), size, unix.PROT_READ, unix.MAP_SHARED)
}

// osMapAnon backs shard slot chunks.
func osMapAnon(size int) ([]byte, func([]byte) error, error) {
	return mapFd(-1, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func mapFd(fd, size, prot, flags int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(fd, 0, size, prot, flags)
	if err != nil {
		return nil, nil, err
	}
	return data, unix.Munmap, nil
}

func osAdvise(data []byte, pattern AccessPattern) error {
	if len(data) == 0 {
		return nil
	}
	advice, ok := madvice[pattern]
	if !ok {
		advice = unix.MADV_NORMAL
	}
	// EINVAL means an unaligned range. Ignored.
	if err := unix.Madvise(data, advice); err != nil && !errors.Is(err, unix.EINVAL) {
		return err
	}
	return nil
}
