package internal

import "sync"

// PresenceTracker keeps counts of live session websockets per
// (session, user) so a participant only goes offline when the last one closes.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[presenceKey]int
}

type presenceKey struct {
	sessionID string
	userID    string
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[presenceKey]int)}
}

func (p *PresenceTracker) Increment(sessionID, userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := presenceKey{sessionID, userID}
	p.online[key]++
	return p.online[key]
}

func (p *PresenceTracker) Decrement(sessionID, userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := presenceKey{sessionID, userID}
	count, ok := p.online[key]
	if !ok {
		return 0
	}
	if count <= 1 {
		delete(p.online, key)
		return 0
	}
	p.online[key] = count - 1
	return count - 1
}

func (p *PresenceTracker) Online(sessionID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[presenceKey{sessionID, userID}] > 0
}

// ActiveCount is the number of (session, user) pairs with a live connection.
func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}
