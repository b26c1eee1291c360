// Package evict implements the victim selection policies a shard consults
// when an insert arrives at max capacity.
//
// Policies only choose victims; the shard removes them. All policies are
// safe for concurrent Touch calls from readers holding a shared shard lock.
package evict

import (
	"errors"
	"fmt"
)

// Kind names an eviction policy.
type Kind string

const (
	// Reject never evicts; inserts beyond capacity fail.
	Reject Kind = "reject"
	// LRU evicts the least recently resolved slot.
	LRU Kind = "lru"
	// Random evicts uniformly random slots.
	Random Kind = "random"
)

// ErrUnknownPolicy is returned by New for an unsupported Kind.
var ErrUnknownPolicy = errors.New("evict: unknown policy")

// Policy tracks live slots and picks eviction victims.
type Policy interface {
	Kind() Kind
	// Admit records a newly occupied slot.
	Admit(slot uint32)
	// Touch records an access to a live slot.
	Touch(slot uint32)
	// Remove forgets a freed slot.
	Remove(slot uint32)
	// Victims returns up to n distinct live slots for which pinned reports
	// false, without removing them. A short result means the policy cannot
	// free n slots.
	Victims(n int, pinned func(slot uint32) bool) []uint32
}

// New creates a policy of the given kind. seed drives Random.
func New(kind Kind, seed uint64) (Policy, error) {
	switch kind {
	case "", Reject:
		return rejectPolicy{}, nil
	case LRU:
		return NewLRU(), nil
	case Random:
		return NewRandom(seed), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, kind)
	}
}

type rejectPolicy struct{}

func (rejectPolicy) Kind() Kind                                   { return Reject }
func (rejectPolicy) Admit(uint32)                                 {}
func (rejectPolicy) Touch(uint32)                                 {}
func (rejectPolicy) Remove(uint32)                                {}
func (rejectPolicy) Victims(int, func(slot uint32) bool) []uint32 { return nil }
