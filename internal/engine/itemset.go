package engine

import (
	"fmt"
	"slices"
	"sync"
)

// ItemAppender is the producer side of an ArchiveItemSet.
type ItemAppender interface {
	Append(item ArchiveItem) (int, error)
}

// ArchiveItemSet is the shared, concurrently mutated store of archive
// candidates for one archive. Producers append while adapters claim; every
// mutation and every multi-step read happens under mu, which is never held
// across I/O.
type ArchiveItemSet struct {
	mu   sync.Mutex
	cond *sync.Cond

	items []*ArchiveItem
	// committed holds every archive position in use, across all batches.
	committed map[uint32]struct{}
	// reserved holds positions handed to in-flight items of any live adapter.
	reserved map[uint32]struct{}
	// free holds released positions below nextPosition, sorted.
	free         []uint32
	nextPosition uint32
	// firstAddIndex is where a new adapter starts scanning; everything before
	// it was settled by an earlier batch.
	firstAddIndex int
	closed        bool
}

func NewArchiveItemSet() *ArchiveItemSet {
	s := &ArchiveItemSet{
		committed: make(map[uint32]struct{}),
		reserved:  make(map[uint32]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Append adds item at the end of the set in Pending state and wakes any
// adapter waiting for work.
func (s *ArchiveItemSet) Append(item ArchiveItem) (int, error) {
	if item.Source == nil {
		return -1, fmt.Errorf("item %q has no source", item.Name)
	}

	it := item
	it.state = ItemPending
	it.position = 0
	it.owner = nil
	it.stream = nil
	it.err = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return -1, fmt.Errorf("cannot append %q: %w", item.Name, ErrProductionClosed)
	}

	s.items = append(s.items, &it)
	s.cond.Broadcast()

	return len(s.items) - 1, nil
}

// CloseProduction signals that no more items will be appended. Adapters
// blocked waiting for work return once the remaining items are drained.
func (s *ArchiveItemSet) CloseProduction() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()
}

func (s *ArchiveItemSet) ProductionClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MarkCommitted records that position is occupied in the archive.
func (s *ArchiveItemSet) MarkCommitted(position uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCommittedLocked(position)
}

func (s *ArchiveItemSet) markCommittedLocked(position uint32) error {
	if _, ok := s.committed[position]; ok {
		return &IndexConsistencyError{Position: position}
	}
	s.committed[position] = struct{}{}
	return nil
}

func (s *ArchiveItemSet) inUseLocked(position uint32) bool {
	if _, ok := s.committed[position]; ok {
		return true
	}
	_, ok := s.reserved[position]
	return ok
}

// reservePositionLocked hands out the lowest released position, or the next
// one never used. Positions are unique across every adapter of the set.
func (s *ArchiveItemSet) reservePositionLocked() uint32 {
	for len(s.free) > 0 {
		p := s.free[0]
		s.free = s.free[1:]
		if !s.inUseLocked(p) {
			s.reserved[p] = struct{}{}
			return p
		}
	}

	for s.inUseLocked(s.nextPosition) {
		s.nextPosition++
	}
	p := s.nextPosition
	s.nextPosition++
	s.reserved[p] = struct{}{}
	return p
}

// commitPositionLocked turns a reservation into a committed position.
func (s *ArchiveItemSet) commitPositionLocked(position uint32) error {
	delete(s.reserved, position)
	return s.markCommittedLocked(position)
}

// releasePositionLocked returns a reserved position for reuse.
func (s *ArchiveItemSet) releasePositionLocked(position uint32) {
	if _, ok := s.reserved[position]; !ok {
		return
	}
	delete(s.reserved, position)

	i, found := slices.BinarySearch(s.free, position)
	if !found {
		s.free = slices.Insert(s.free, i, position)
	}
}

// SnapshotCount returns the number of items appended so far.
func (s *ArchiveItemSet) SnapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// CommittedCount returns how many archive positions are occupied.
func (s *ArchiveItemSet) CommittedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

func (s *ArchiveItemSet) FirstAddIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstAddIndex
}

// Item returns a snapshot of the item at index.
func (s *ArchiveItemSet) Item(index int) (ItemRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.items) {
		return ItemRef{}, false
	}
	return s.items[index].ref(index), true
}

// Items returns a snapshot of every item in insertion order.
func (s *ArchiveItemSet) Items() []ItemRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make([]ItemRef, len(s.items))
	for i, it := range s.items {
		refs[i] = it.ref(i)
	}
	return refs
}

// advanceFirstAddIndex moves the batch marker forward; it never moves back.
func (s *ArchiveItemSet) advanceFirstAddIndex(cursor int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cursor > s.firstAddIndex {
		s.firstAddIndex = cursor
	}
}

func (s *ArchiveItemSet) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cond.Broadcast()
}
