package slotstore

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/hupe1980/dynembed/internal/mmap"
	"golang.org/x/sys/cpu"
)

// DefaultChunkSlots is the default number of slots per chunk.
const DefaultChunkSlots = 1024

const numStripes = 256

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("slotstore: closed")
	// ErrWidth is returned when a vector does not match its buffer width.
	ErrWidth = errors.New("slotstore: width mismatch")
)

// MemoryAcquirer reserves memory against a process-wide budget.
type MemoryAcquirer interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

// BufferSpec describes one per-slot buffer.
type BufferSpec struct {
	Name  string
	Width int
	// Init is written to every element when a slot is (re)allocated.
	Init float32
}

type stripe struct {
	sync.Mutex
	_ cpu.CacheLinePad
}

type chunk struct {
	m    *mmap.Mapping
	bufs [][]float32
}

// Store is a chunked arena of per-slot float32 buffers.
type Store struct {
	specs      []BufferSpec
	stride     int // floats per slot across all buffers
	chunkSlots int
	chunkShift uint
	chunkMask  uint32
	chunks     []*chunk
	reserved   int64
	acquirer   MemoryAcquirer
	closed     bool
	locks      [numStripes]stripe
}

// Option configures a Store.
type Option func(*Store)

// WithChunkSlots sets the number of slots per chunk (rounded up to a power of two).
func WithChunkSlots(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkSlots = n
		}
	}
}

// WithMemoryAcquirer charges chunk allocations to a memory budget.
func WithMemoryAcquirer(a MemoryAcquirer) Option {
	return func(s *Store) {
		s.acquirer = a
	}
}

// New creates an empty store with a value buffer of width dim followed by
// the given auxiliary buffers.
func New(dim int, aux []BufferSpec, opts ...Option) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrWidth, dim)
	}

	s := &Store{
		specs:      append([]BufferSpec{{Name: "value", Width: dim}}, aux...),
		chunkSlots: DefaultChunkSlots,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, spec := range s.specs {
		if spec.Width <= 0 {
			return nil, fmt.Errorf("%w: buffer %q width %d", ErrWidth, spec.Name, spec.Width)
		}
		s.stride += spec.Width
	}

	s.chunkShift = uint(bits.Len(uint(s.chunkSlots - 1)))
	s.chunkSlots = 1 << s.chunkShift
	s.chunkMask = uint32(s.chunkSlots - 1)

	return s, nil
}

// Dim returns the width of the value buffer.
func (s *Store) Dim() int { return s.specs[0].Width }

// Capacity returns the number of allocated slots.
func (s *Store) Capacity() int { return len(s.chunks) * s.chunkSlots }

// ReservedBytes returns the bytes currently mapped.
func (s *Store) ReservedBytes() int64 { return s.reserved }

// ChunkSlots returns the number of slots per chunk.
func (s *Store) ChunkSlots() int { return s.chunkSlots }

// Grow allocates chunks until Capacity() >= capacity.
// On error, chunks allocated so far are kept.
func (s *Store) Grow(capacity int) error {
	if s.closed {
		return ErrClosed
	}
	for s.Capacity() < capacity {
		if err := s.addChunk(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addChunk() error {
	size := s.chunkSlots * s.stride * 4
	if s.acquirer != nil {
		if err := s.acquirer.AcquireMemory(int64(size)); err != nil {
			return err
		}
	}

	m, err := mmap.MapAnon(size)
	if err != nil {
		if s.acquirer != nil {
			s.acquirer.ReleaseMemory(int64(size))
		}
		return fmt.Errorf("slotstore: map chunk: %w", err)
	}
	_ = m.Advise(mmap.AccessRandom)

	all := m.Float32s()
	c := &chunk{m: m, bufs: make([][]float32, len(s.specs))}
	off := 0
	for i, spec := range s.specs {
		n := s.chunkSlots * spec.Width
		c.bufs[i] = all[off : off+n : off+n]
		off += n
	}

	s.chunks = append(s.chunks, c)
	s.reserved += int64(size)
	return nil
}

func (s *Store) lock(slot uint32) *stripe {
	return &s.locks[slot%numStripes]
}

func (s *Store) view(buf int, slot uint32) []float32 {
	c := s.chunks[slot>>s.chunkShift]
	w := s.specs[buf].Width
	off := int(slot&s.chunkMask) * w
	return c.bufs[buf][off : off+w : off+w]
}

// Reset prepares slot for a new key: auxiliary buffers get their Init value
// and fill writes the initial embedding.
func (s *Store) Reset(slot uint32, fill func(value []float32)) {
	l := s.lock(slot)
	l.Lock()
	defer l.Unlock()

	fill(s.view(0, slot))
	for b := 1; b < len(s.specs); b++ {
		v := s.view(b, slot)
		for i := range v {
			v[i] = s.specs[b].Init
		}
	}
}

// Read copies the value of slot into dst.
func (s *Store) Read(slot uint32, dst []float32) {
	l := s.lock(slot)
	l.Lock()
	copy(dst, s.view(0, slot))
	l.Unlock()
}

// Write overwrites the value of slot.
func (s *Store) Write(slot uint32, src []float32) error {
	if len(src) != s.Dim() {
		return ErrWidth
	}
	l := s.lock(slot)
	l.Lock()
	copy(s.view(0, slot), src)
	l.Unlock()
	return nil
}

// Accumulate adds delta to the value of slot in place.
func (s *Store) Accumulate(slot uint32, delta []float32) error {
	if len(delta) != s.Dim() {
		return ErrWidth
	}
	l := s.lock(slot)
	l.Lock()
	v := s.view(0, slot)
	for i, d := range delta {
		v[i] += d
	}
	l.Unlock()
	return nil
}

// Update runs fn with exclusive access to every buffer of slot.
// aux[i] corresponds to the i-th auxiliary BufferSpec.
func (s *Store) Update(slot uint32, fn func(value []float32, aux [][]float32)) {
	l := s.lock(slot)
	l.Lock()
	defer l.Unlock()

	var aux [][]float32
	if n := len(s.specs) - 1; n > 0 {
		aux = make([][]float32, n)
		for b := range aux {
			aux[b] = s.view(b+1, slot)
		}
	}
	fn(s.view(0, slot), aux)
}

// ReadBuffer copies buffer buf of slot into dst.
func (s *Store) ReadBuffer(buf int, slot uint32, dst []float32) {
	l := s.lock(slot)
	l.Lock()
	copy(dst, s.view(buf, slot))
	l.Unlock()
}

// Close unmaps all chunks and returns their memory to the acquirer.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, c := range s.chunks {
		if err := c.m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.acquirer != nil {
		s.acquirer.ReleaseMemory(s.reserved)
	}
	s.chunks = nil
	s.reserved = 0
	return errors.Join(errs...)
}
