// Package memory simulates the address space that address waits are keyed on.
// A Space holds mapped regions of 64-bit words; every access is atomic, so a
// value check made under a wait-queue lock observes the same word a notifier
// stored to.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"

	"threadwait/internal/logger"
	"threadwait/internal/result"
)

// WordSize is the size in bytes of the words a Space holds.
const WordSize = 8

// Flags describe a mapping.
type Flags uint32

const (
	Readable Flags = 1 << iota
	Writable
	// Shared mappings may be visible to other spaces and cannot be waited on.
	Shared
)

// Region is one contiguous mapping.
type Region struct {
	base  uint64
	words []atomic.Uint64
	flags Flags
}

// Base returns the first address of the region.
func (r *Region) Base() uint64 { return r.base }

// End returns the first address past the region.
func (r *Region) End() uint64 { return r.base + uint64(len(r.words))*WordSize }

// Flags returns the mapping flags.
func (r *Region) Flags() Flags { return r.flags }

func (r *Region) contains(addr uint64) bool {
	return addr >= r.base && addr < r.End()
}

// Space is a set of non-overlapping regions sorted by base address.
type Space struct {
	mu      sync.RWMutex
	regions []*Region

	log log.Logger
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{log: logger.NewLoggerWithContext("memory")}
}

// Map adds a region of n zeroed words at base. base must be word aligned and
// the region must not overlap an existing one.
func (s *Space) Map(base uint64, n int, flags Flags) (*Region, error) {
	if base%WordSize != 0 || n <= 0 {
		return nil, fmt.Errorf("map %#x: %w", base, result.InvalidOption)
	}
	end := base + uint64(n)*WordSize
	if end <= base {
		return nil, fmt.Errorf("map %#x: %w", base, result.InvalidMemory)
	}
	r := &Region{base: base, words: make([]atomic.Uint64, n), flags: flags | Readable}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].base >= base })
	if i > 0 && s.regions[i-1].End() > base {
		return nil, fmt.Errorf("map %#x: overlaps %#x: %w", base, s.regions[i-1].base, result.Busy)
	}
	if i < len(s.regions) && s.regions[i].base < end {
		return nil, fmt.Errorf("map %#x: overlaps %#x: %w", base, s.regions[i].base, result.Busy)
	}
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	s.log.Debug().Uint64("base", base).Int("words", n).Uint32("flags", uint32(flags)).Msg("region mapped")
	return r, nil
}

// Unmap removes the region starting at base.
func (s *Space) Unmap(base uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].base >= base })
	if i == len(s.regions) || s.regions[i].base != base {
		return fmt.Errorf("unmap %#x: %w", base, result.InvalidMemory)
	}
	s.regions = append(s.regions[:i], s.regions[i+1:]...)
	return nil
}

func (s *Space) lookup(addr uint64) *Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].End() > addr })
	if i < len(s.regions) && s.regions[i].contains(addr) {
		return s.regions[i]
	}
	return nil
}

// Word resolves addr to its backing word. want lists the flags the mapping
// must carry. Unaligned and unmapped addresses, and mappings missing a wanted
// flag, yield INVALID_MEMORY.
func (s *Space) Word(addr uint64, want Flags) (*atomic.Uint64, error) {
	return s.word(addr, want, 0)
}

// WaitWord resolves an address that a thread may wait on or notify: it must be
// writable and private to this space.
func (s *Space) WaitWord(addr uint64) (*atomic.Uint64, error) {
	return s.word(addr, Writable, Shared)
}

func (s *Space) word(addr uint64, want, deny Flags) (*atomic.Uint64, error) {
	if addr%WordSize != 0 {
		return nil, result.InvalidMemory
	}
	r := s.lookup(addr)
	if r == nil || r.flags&want != want || r.flags&deny != 0 {
		return nil, result.InvalidMemory
	}
	return &r.words[(addr-r.base)/WordSize], nil
}

// Load atomically reads the word at addr.
func (s *Space) Load(addr uint64) (uint64, error) {
	w, err := s.Word(addr, Readable)
	if err != nil {
		return 0, err
	}
	return w.Load(), nil
}

// Store atomically writes the word at addr.
func (s *Space) Store(addr, v uint64) error {
	w, err := s.Word(addr, Writable)
	if err != nil {
		return err
	}
	w.Store(v)
	return nil
}

// CompareAndSwap atomically replaces old with new at addr.
func (s *Space) CompareAndSwap(addr, old, new uint64) (bool, error) {
	w, err := s.Word(addr, Writable)
	if err != nil {
		return false, err
	}
	return w.CompareAndSwap(old, new), nil
}

// Add atomically adds delta to the word at addr and returns the new value.
func (s *Space) Add(addr, delta uint64) (uint64, error) {
	w, err := s.Word(addr, Writable)
	if err != nil {
		return 0, err
	}
	return w.Add(delta), nil
}

// Regions returns the number of mapped regions.
func (s *Space) Regions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regions)
}
