package session

import "sync"

// portPool allocates UDP ports from a single contiguous range starting
// at base, preferring the lowest free port and recycling released ports
// ahead of ever-growing the high-water mark (spec.md §4.9's "scan live
// sessions, pick the lowest non-clashing port, prefer recycled lower
// ports when available").
type portPool struct {
	mu       sync.Mutex
	base     int
	inUse    map[int]bool
	released []int
}

func newPortPool(base int) *portPool {
	return &portPool{base: base, inUse: make(map[int]bool)}
}

// allocate returns the lowest available port: first from the recycled
// set (sorted ascending), falling back to the next port past the
// current high-water mark.
func (p *portPool) allocate() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.released) > 0 {
		lowestIdx := 0
		for i, port := range p.released {
			if port < p.released[lowestIdx] {
				lowestIdx = i
			}
		}
		port := p.released[lowestIdx]
		p.released = append(p.released[:lowestIdx], p.released[lowestIdx+1:]...)
		p.inUse[port] = true
		return port
	}

	port := p.base
	for p.inUse[port] {
		port++
	}
	p.inUse[port] = true
	if port >= p.base {
		p.base = port + 1
	}
	return port
}

// release returns port to the pool for reuse by a future allocate.
func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[port] {
		return
	}
	delete(p.inUse, port)
	p.released = append(p.released, port)
}
