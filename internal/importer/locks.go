package importer

import "sync"

// prefixLocks serializes local writes per normalized prefix.
type prefixLocks struct {
	mu    sync.Mutex
	locks map[string]*prefixLock
}

type prefixLock struct {
	sync.Mutex
	refs int
}

func newPrefixLocks() *prefixLocks {
	return &prefixLocks{locks: map[string]*prefixLock{}}
}

// lock blocks until key is free and returns the matching unlock.
func (p *prefixLocks) lock(key string) func() {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &prefixLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}

func (p *prefixLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
