package relay

import "sync"

// partyLocks hands out one mutex per party. Engine operations hold it from a
// store commit until the matching notification is pushed, so a console sees
// a message's status updates in the order they were committed.
type partyLocks struct {
	mu    sync.Mutex
	locks map[string]*partyLock
}

type partyLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the party's mutex is held and returns its release.
// Entries are dropped once no goroutine holds or waits for them.
func (p *partyLocks) lock(party string) (unlock func()) {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*partyLock)
	}
	l, ok := p.locks[party]
	if !ok {
		l = &partyLock{}
		p.locks[party] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, party)
		}
		p.mu.Unlock()
	}
}

func (p *partyLocks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
