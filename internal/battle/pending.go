package battle

import (
	"strconv"
	"sync"
)

// Pending tracks locally-submitted answer text keyed by player and round, so
// a judgment arriving without usable submitted text can be attributed to what
// the player actually typed. Entries are written once per submission and
// consumed at most once by the matching judgment; a judgment that never
// arrives leaks one entry for the session's lifetime, which is bounded by the
// round count.
type Pending struct {
	mu sync.Mutex
	m  map[string]string
}

func NewPending() *Pending {
	return &Pending{m: make(map[string]string)}
}

func pendingKey(playerID string, round int) string {
	return playerID + ":" + strconv.Itoa(round)
}

// Record stores text for (playerID, round), overwriting any prior value.
func (p *Pending) Record(playerID string, round int, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[pendingKey(playerID, round)] = text
}

// Consume returns the stored text and deletes the entry.
func (p *Pending) Consume(playerID string, round int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := pendingKey(playerID, round)
	text, ok := p.m[k]
	if ok {
		delete(p.m, k)
	}
	return text, ok
}

// Len reports the number of unconsumed entries.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
