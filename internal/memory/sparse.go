package memory

import (
	"fmt"
	"sort"
	"sync"
)

// Sparse is a simulated address space. Protection is tracked per page and
// enforced on Read and Write, which is stricter than /proc/<pid>/mem and
// therefore catches a missing Protect call in tests.
type Sparse struct {
	mu      sync.RWMutex
	regions []*sparseRegion
	pages   map[uint64]Prot
	next    uint64
	flushes []Region
	writes  int
}

type sparseRegion struct {
	base uint64
	data []byte
}

func (r *sparseRegion) end() uint64 { return r.base + uint64(len(r.data)) }

// DefaultAllocBase is where Sparse starts handing out allocations.
const DefaultAllocBase = 0x7f0000000000

// NewSparse creates an empty address space.
func NewSparse() *Sparse {
	return &Sparse{pages: make(map[uint64]Prot), next: DefaultAllocBase}
}

// Map places data at addr with the given protection. The range must not
// overlap an existing region.
func (s *Sparse) Map(addr uint64, data []byte, prot Prot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapLocked(addr, append([]byte(nil), data...), prot)
}

func (s *Sparse) mapLocked(addr uint64, data []byte, prot Prot) error {
	if len(data) == 0 {
		return fmt.Errorf("map %#x: empty region", addr)
	}
	end := addr + uint64(len(data))
	for _, r := range s.regions {
		if addr < r.end() && r.base < end {
			return fmt.Errorf("map %#x-%#x: overlaps %#x-%#x", addr, end, r.base, r.end())
		}
	}
	s.regions = append(s.regions, &sparseRegion{base: addr, data: data})
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].base < s.regions[j].base })

	start, size := PageAlign(addr, uint64(len(data)))
	for p := start; p < start+size; p += PageSize {
		s.pages[p] = prot
	}
	return nil
}

func (s *Sparse) find(addr uint64, n int) (*sparseRegion, error) {
	for _, r := range s.regions {
		if addr >= r.base && addr+uint64(n) <= r.end() {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrUnmapped, addr, n)
}

func (s *Sparse) check(addr uint64, n int, want Prot) error {
	if n == 0 {
		return nil
	}
	start, size := PageAlign(addr, uint64(n))
	for p := start; p < start+size; p += PageSize {
		if s.pages[p]&want != want {
			return fmt.Errorf("%w: %#x needs %s, page is %s", ErrProtection, addr, want, s.pages[p])
		}
	}
	return nil
}

func (s *Sparse) Read(addr uint64, p []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.find(addr, len(p))
	if err != nil {
		return err
	}
	if err := s.check(addr, len(p), ProtRead); err != nil {
		return err
	}
	copy(p, r.data[addr-r.base:])
	return nil
}

func (s *Sparse) Write(addr uint64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.find(addr, len(p))
	if err != nil {
		return err
	}
	if err := s.check(addr, len(p), ProtWrite); err != nil {
		return err
	}
	copy(r.data[addr-r.base:], p)
	s.writes++
	return nil
}

func (s *Sparse) Protect(addr, size uint64, prot Prot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, length := PageAlign(addr, size)
	for p := start; p < start+length; p += PageSize {
		if _, ok := s.pages[p]; !ok {
			return fmt.Errorf("%w: page %#x", ErrUnmapped, p)
		}
	}
	for p := start; p < start+length; p += PageSize {
		s.pages[p] = prot
	}
	return nil
}

func (s *Sparse) Alloc(size uint64, prot Prot) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("alloc: zero size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, length := PageAlign(0, size)
	base := s.next
	if err := s.mapLocked(base, make([]byte, length), prot); err != nil {
		return 0, err
	}
	s.next = base + length + PageSize
	return base, nil
}

func (s *Sparse) Free(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.regions {
		if r.base != addr {
			continue
		}
		s.regions = append(s.regions[:i], s.regions[i+1:]...)
		start, length := PageAlign(r.base, uint64(len(r.data)))
		for p := start; p < start+length; p += PageSize {
			delete(s.pages, p)
		}
		return nil
	}
	return fmt.Errorf("%w: free %#x", ErrUnmapped, addr)
}

func (s *Sparse) FlushInstructionCache(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, Region{Base: addr, Size: size})
	return nil
}

// Flushed returns the ranges passed to FlushInstructionCache.
func (s *Sparse) Flushed() []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Region(nil), s.flushes...)
}

// Writes counts successful Write calls.
func (s *Sparse) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// ProtAt returns the protection of the page holding addr.
func (s *Sparse) ProtAt(addr uint64) (Prot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[addr&^(PageSize-1)]
	return p, ok
}

// Regions lists mapped regions in address order.
func (s *Sparse) Regions() []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, Region{Base: r.base, Size: uint64(len(r.data)), Prot: s.pages[r.base&^(PageSize-1)]})
	}
	return out
}
