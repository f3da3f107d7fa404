package block

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/samber/lo"

	"github.com/sheerbytes/blockflux/internal/scheduler"
)

var (
	ErrEmptyBlock     = errors.New("block has no data")
	ErrDuplicateBlock = errors.New("block already pending")
	ErrBlockDropped   = errors.New("block was dropped")
	ErrUnknownBlock   = errors.New("unknown block")
)

const (
	defaultTombstones   = 4096
	DefaultTombstoneTTL = 30 * time.Second
)

// Meta describes a block when it is handed to the store.
type Meta struct {
	ID       uint64
	Deadline time.Duration
	Priority uint64
	DependID uint64 // equal to ID when there is no dependency
}

// NewMeta returns metadata for a block without a dependency.
func NewMeta(id uint64, deadline time.Duration, priority uint64) Meta {
	return Meta{ID: id, Deadline: deadline, Priority: priority, DependID: id}
}

// DependsOn returns a copy of m that must wait for block id.
func (m Meta) DependsOn(id uint64) Meta {
	m.DependID = id
	return m
}

type entry struct {
	block  scheduler.Block
	data   []byte
	offset int
}

// Store holds pending blocks in insertion order. It is safe for concurrent
// use so producers can push while the sender drains.
type Store struct {
	mu      sync.Mutex
	clock   *Clock
	order   []uint64
	entries map[uint64]*entry
	dropped *expirable.LRU[uint64, struct{}]
}

// NewStore returns an empty store. Dropped ids are remembered for ttl so
// late data for them is rejected.
func NewStore(clock *Clock, ttl time.Duration) *Store {
	if clock == nil {
		clock = NewClock(nil)
	}
	if ttl <= 0 {
		ttl = DefaultTombstoneTTL
	}
	return &Store{
		clock:   clock,
		entries: make(map[uint64]*entry),
		dropped: expirable.NewLRU[uint64, struct{}](defaultTombstones, nil, ttl),
	}
}

// Clock returns the store's time source.
func (s *Store) Clock() *Clock {
	return s.clock
}

// Push adds a block stamped with the current time. The store takes
// ownership of data.
func (s *Store) Push(meta Meta, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("push block %d: %w", meta.ID, ErrEmptyBlock)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[meta.ID]; ok {
		return fmt.Errorf("push block %d: %w", meta.ID, ErrDuplicateBlock)
	}
	if s.dropped.Contains(meta.ID) {
		return fmt.Errorf("push block %d: %w", meta.ID, ErrBlockDropped)
	}

	size := uint64(len(data))
	s.entries[meta.ID] = &entry{
		block: scheduler.Block{
			ID:         meta.ID,
			CreateTime: s.clock.Millis(),
			Deadline:   uint64(meta.Deadline / time.Millisecond),
			Priority:   meta.Priority,
			Size:       size,
			Remaining:  size,
			DependID:   meta.DependID,
		},
		data: data,
	}
	s.order = append(s.order, meta.ID)
	return nil
}

// Candidates returns a copy of every stored block in insertion order,
// including fully sent blocks that were not removed yet.
func (s *Store) Candidates() []scheduler.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.order, func(id uint64, _ int) scheduler.Block {
		return s.entries[id].block
	})
}

// Get returns the current view of a block.
func (s *Store) Get(id uint64) (scheduler.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return scheduler.Block{}, false
	}
	return e.block, true
}

// Next returns up to limit unsent bytes of the block and marks them sent.
// It returns an empty slice once the block is exhausted.
func (s *Store) Next(id uint64, limit int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("next chunk of block %d: %w", id, ErrUnknownBlock)
	}
	end := e.offset + limit
	if end > len(e.data) {
		end = len(e.data)
	}
	chunk := e.data[e.offset:end]
	e.offset = end
	e.block.Remaining = uint64(len(e.data) - end)
	return chunk, nil
}

// Remove forgets a block, normally after it was fully sent.
func (s *Store) Remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

// Drop discards a block's unsent data and refuses the id for a while.
func (s *Store) Drop(id uint64) (scheduler.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return scheduler.Block{}, false
	}
	s.removeLocked(id)
	s.dropped.Add(id, struct{}{})
	return e.block, true
}

// WasDropped reports whether id was dropped within the tombstone window.
func (s *Store) WasDropped(id uint64) bool {
	return s.dropped.Contains(id)
}

// Len returns the number of stored blocks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// PendingBytes returns the unsent bytes across all blocks.
func (s *Store) PendingBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.SumBy(s.order, func(id uint64) uint64 {
		return s.entries[id].block.Remaining
	})
}

func (s *Store) removeLocked(id uint64) bool {
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	s.order = lo.Without(s.order, id)
	return true
}
