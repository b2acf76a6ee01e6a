package gateway

import (
	"hash/fnv"
	"sort"
	"sync"
)

const registryShards = 32

// Registry indexes authenticated sessions by client id. At most one session
// per client id is registered.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(clientID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return &r.shards[h.Sum32()%registryShards]
}

// Register stores s under its client id and returns the session it
// replaced, if any.
func (r *Registry) Register(s *Session) *Session {
	sh := r.shard(s.ClientID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev := sh.sessions[s.ClientID()]
	sh.sessions[s.ClientID()] = s
	if prev == s {
		return nil
	}
	return prev
}

// Remove deletes s if it is still the registered session for its client
// id. It reports whether anything was removed.
func (r *Registry) Remove(s *Session) bool {
	sh := r.shard(s.ClientID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.sessions[s.ClientID()]; ok && cur == s {
		delete(sh.sessions, s.ClientID())
		return true
	}
	return false
}

// Get returns the session registered for clientID.
func (r *Registry) Get(clientID string) (*Session, bool) {
	sh := r.shard(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[clientID]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Sessions returns the registered sessions ordered by client id.
func (r *Registry) Sessions() []*Session {
	var out []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID() < out[j].ClientID() })
	return out
}
