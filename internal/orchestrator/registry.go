package orchestrator

import (
	"sort"
	"sync"

	"consult-platform/internal/calls"
)

// Registry indexes live sessions by id and by party. It is written only from
// session workers (and Initiate), and read concurrently through snapshots.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	asCaller map[string]string
	engaged  map[string]string
	ringing  map[string]map[string]calls.PendingCall
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*Session{},
		asCaller: map[string]string{},
		engaged:  map[string]string{},
		ringing:  map[string]map[string]calls.PendingCall{},
	}
}

// Register adds a new session, enforcing one live session per caller.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.asCaller[s.req.CallerID]; ok {
		return ErrCallerAlreadyInSession
	}
	r.sessions[s.id] = s
	r.asCaller[s.req.CallerID] = s.id
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ClaimCallee marks the callee engaged in sessionID. It fails if the callee is
// already engaged in another session.
func (r *Registry) ClaimCallee(calleeID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.engaged[calleeID]; ok && cur != sessionID {
		return false
	}
	r.engaged[calleeID] = sessionID
	return true
}

func (r *Registry) releaseCallee(calleeID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engaged[calleeID] == sessionID {
		delete(r.engaged, calleeID)
	}
}

func (r *Registry) setRinging(calleeID string, pc calls.PendingCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.ringing[calleeID]
	if !ok {
		m = map[string]calls.PendingCall{}
		r.ringing[calleeID] = m
	}
	m[pc.SessionID] = pc
}

// clearRinging reports whether the session was in the callee's ringing set.
func (r *Registry) clearRinging(calleeID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.ringing[calleeID]
	if !ok {
		return false
	}
	if _, ok := m[sessionID]; !ok {
		return false
	}
	delete(m, sessionID)
	if len(m) == 0 {
		delete(r.ringing, calleeID)
	}
	return true
}

// release drops every party index held by the session; the session itself
// stays addressable until Remove.
func (r *Registry) release(c calls.CallRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.asCaller[c.CallerID] == c.ID {
		delete(r.asCaller, c.CallerID)
	}
	if r.engaged[c.CalleeID] == c.ID {
		delete(r.engaged, c.CalleeID)
	}
	if m, ok := r.ringing[c.CalleeID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(r.ringing, c.CalleeID)
		}
	}
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Pending is the callee's ringing set, oldest deadline first.
func (r *Registry) Pending(calleeID string) []calls.PendingCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.ringing[calleeID]
	out := make([]calls.PendingCall, 0, len(m))
	for _, pc := range m {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ResponseDeadline.Before(out[j].ResponseDeadline)
	})
	return out
}

// LiveFor returns the caller-side session id of a party, if any.
func (r *Registry) LiveFor(callerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.asCaller[callerID]
	return id, ok
}

func (r *Registry) sessionList() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	return list
}

// Snapshots returns the current view of every registered session.
func (r *Registry) Snapshots() []calls.CallRequest {
	list := r.sessionList()
	out := make([]calls.CallRequest, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	return out
}

// CountByStatus feeds the sessions gauge.
func (r *Registry) CountByStatus() map[calls.Status]int {
	out := map[calls.Status]int{}
	for _, c := range r.Snapshots() {
		out[c.Status]++
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
