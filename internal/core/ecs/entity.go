package ecs

import (
	"strconv"
	"sync"
)

// EntityID encodes a 32-bit index in the lower bits and a 32-bit generation
// in the upper bits. Generation increments on destroy to invalidate stale refs.
type EntityID uint64

func NewEntityID(index uint32, generation uint32) EntityID {
	return EntityID(uint64(generation)<<32 | uint64(index))
}

func (id EntityID) Index() uint32      { return uint32(id) }
func (id EntityID) Generation() uint32 { return uint32(id >> 32) }
func (id EntityID) IsZero() bool       { return id == 0 }
func (id EntityID) String() string     { return strconv.FormatUint(uint64(id), 10) }

// Pool manages entity allocation with generational indices and a free list.
// Index 0 generation 0 is reserved so the zero EntityID is never handed out.
// Safe for concurrent use; region units allocate from their own stage work.
type Pool struct {
	mu          sync.Mutex
	generations []uint32
	freeList    []uint32
	nextIndex   uint32
	alive       int
}

func NewPool() *Pool {
	return &Pool{
		generations: make([]uint32, 1, 1024),
		freeList:    make([]uint32, 0, 256),
		nextIndex:   1,
	}
}

func (p *Pool) Create() EntityID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive++
	if len(p.freeList) > 0 {
		idx := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		return NewEntityID(idx, p.generations[idx])
	}
	idx := p.nextIndex
	p.nextIndex++
	if int(idx) >= len(p.generations) {
		p.generations = append(p.generations, 0)
	}
	return NewEntityID(idx, p.generations[idx])
}

func (p *Pool) Alive(id EntityID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aliveLocked(id)
}

func (p *Pool) aliveLocked(id EntityID) bool {
	idx := id.Index()
	if idx == 0 || idx >= p.nextIndex {
		return false
	}
	return p.generations[idx] == id.Generation()
}

// Destroy releases id and reports whether it was alive.
func (p *Pool) Destroy(id EntityID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.aliveLocked(id) {
		return false // already destroyed (stale reference)
	}
	idx := id.Index()
	p.generations[idx]++
	p.freeList = append(p.freeList, idx)
	p.alive--
	return true
}

// Len returns the number of live ids.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *Pool) generation(idx uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generations[idx]
}
