package vault

import "sync"

// Authorizer decides whether a caller key may mutate locks on behalf of
// any user. End users never pass through this gate; they can only
// deposit and withdraw for themselves.
type Authorizer interface {
	Authorized(caller string) bool
}

// CallerSet is the admin-managed allow-list of authorized caller keys.
// Typically it holds a single entry: the auction resolver. Only the
// admin surface mutates the set; authorized callers cannot extend it.
type CallerSet struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func NewCallerSet(keys ...string) *CallerSet {
	s := &CallerSet{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k != "" {
			s.keys[k] = struct{}{}
		}
	}
	return s
}

// Authorized reports allow-list membership.
func (s *CallerSet) Authorized(caller string) bool {
	if caller == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[caller]
	return ok
}

// Add inserts a caller key. Adding an existing key is a no-op.
func (s *CallerSet) Add(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
}

// Remove deletes a caller key. Removing an unknown key is a no-op.
func (s *CallerSet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// Len returns the current allow-list size.
func (s *CallerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
