package mmap

import "errors"

// AccessPattern is a paging hint passed to Advise.
type AccessPattern int

const (
	AccessDefault AccessPattern = iota
	// AccessSequential suits chunk files streamed during restore.
	AccessSequential
	// AccessRandom suits slot chunks hit by key lookups.
	AccessRandom
	AccessWillNeed
	AccessDontNeed
)

var (
	ErrClosed        = errors.New("mmap: mapping is closed")
	ErrInvalidSize   = errors.New("mmap: invalid size")
	ErrInvalidOffset = errors.New("mmap: invalid offset")
)
