package session

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/stratum/internal/domain/schema"
)

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry maps wallet addresses to sessions. Sessions are never removed.
type Registry struct {
	shards [shardCount]*shard
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	r := new(Registry)
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

// NormalizeWallet trims surrounding whitespace; addresses are otherwise opaque.
func NormalizeWallet(wallet string) string {
	return strings.TrimSpace(wallet)
}

func (r *Registry) shardFor(wallet string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(wallet))
	return r.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the wallet's session, creating an inactive one on first use.
func (r *Registry) GetOrCreate(wallet string) *Session {
	wallet = NormalizeWallet(wallet)
	sh := r.shardFor(wallet)

	sh.mu.RLock()
	existing, ok := sh.sessions[wallet]
	sh.mu.RUnlock()
	if ok {
		return existing
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.sessions[wallet]; ok {
		return existing
	}
	created := newSession(wallet)
	sh.sessions[wallet] = created
	return created
}

// Get returns the wallet's session when one was ever created.
func (r *Registry) Get(wallet string) (*Session, bool) {
	wallet = NormalizeWallet(wallet)
	sh := r.shardFor(wallet)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[wallet]
	return s, ok
}

// Each calls fn for every session in unspecified order.
func (r *Registry) Each(fn func(*Session)) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		sessions := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			sessions = append(sessions, s)
		}
		sh.mu.RUnlock()
		for _, s := range sessions {
			fn(s)
		}
	}
}

// List returns snapshots of every session sorted by wallet.
func (r *Registry) List(now time.Time) []schema.SessionSnapshot {
	out := make([]schema.SessionSnapshot, 0)
	r.Each(func(s *Session) {
		out = append(out, s.Snapshot(now))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].WalletAddress < out[j].WalletAddress })
	return out
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		total += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return total
}

// Active returns the number of active sessions.
func (r *Registry) Active() int {
	active := 0
	r.Each(func(s *Session) {
		if s.Active() {
			active++
		}
	})
	return active
}
