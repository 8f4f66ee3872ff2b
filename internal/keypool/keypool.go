// Package keypool manages a rotating set of API credentials with per-key
// rate-limit cooldowns. It is shared by the search providers and the LLM
// router.
package keypool

import (
	"math/rand"
	"sync"
	"time"
)

// Pool is an ordered list of keys with round-robin allocation. A key hit by
// a 429 or quota error cools down and is skipped until the window expires.
type Pool struct {
	mu       sync.Mutex
	keys     []string
	cooldown time.Duration
	coolings map[string]time.Time
	next     int
	now      func() time.Time
}

// New creates a pool. With more than one key the initial order is shuffled
// so parallel processes do not all hammer the first key.
func New(keys []string, cooldown time.Duration) *Pool {
	shuffled := make([]string, len(keys))
	copy(shuffled, keys)
	if len(shuffled) > 1 {
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
	}
	return &Pool{
		keys:     shuffled,
		cooldown: cooldown,
		coolings: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Acquire returns the next key that is not cooling down. ok is false when
// every key is cooling or the pool is empty.
func (p *Pool) Acquire() (key string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return "", false
	}

	now := p.now()
	for i := 0; i < len(p.keys); i++ {
		candidate := p.keys[p.next]
		p.next = (p.next + 1) % len(p.keys)
		if until, cooling := p.coolings[candidate]; cooling && now.Before(until) {
			continue
		}
		delete(p.coolings, candidate)
		return candidate, true
	}
	return "", false
}

// MarkRateLimited puts the key into cooldown.
func (p *Pool) MarkRateLimited(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coolings[key] = p.now().Add(p.cooldown)
}

// Size returns the total number of keys.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Available counts keys not currently cooling down.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	count := 0
	for _, key := range p.keys {
		if until, cooling := p.coolings[key]; !cooling || !now.Before(until) {
			count++
		}
	}
	return count
}
