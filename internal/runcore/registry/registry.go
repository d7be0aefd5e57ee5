// Package registry implements the concurrent unique-key registries that
// enforce single-flight run admission per session and provide weak lookup
// of active run actors, following internal/tools/delegate.go's
// active-delegation tracking pattern.
package registry

import (
	"sync"
)

// AlreadyRegisteredError is returned by Register when the key is already
// occupied, alongside the existing owner's value.
type AlreadyRegisteredError struct {
	Owner interface{}
}

func (e *AlreadyRegisteredError) Error() string { return "registry: already_registered" }

// SessionRegistry is a concurrent unique-key mapping session_key -> owner.
// The atomic compare-and-insert (Register) is the only contention point and
// must not block on any other operation.
type SessionRegistry struct {
	m sync.Map // session_key -> interface{} (owner/run handle)
}

// New constructs an empty SessionRegistry.
func New() *SessionRegistry { return &SessionRegistry{} }

// Register attempts to claim key for owner. If the key is already taken,
// returns *AlreadyRegisteredError wrapping the existing owner and does not
// overwrite it.
func (r *SessionRegistry) Register(key string, owner interface{}) error {
	actual, loaded := r.m.LoadOrStore(key, owner)
	if loaded {
		return &AlreadyRegisteredError{Owner: actual}
	}
	return nil
}

// Unregister releases key unconditionally.
func (r *SessionRegistry) Unregister(key string) {
	r.m.Delete(key)
}

// Lookup returns the current owner for key, if any.
func (r *SessionRegistry) Lookup(key string) (interface{}, bool) {
	return r.m.Load(key)
}

// LookupActive is an alias for Lookup kept distinct so single-flight call
// sites read naturally.
func (r *SessionRegistry) LookupActive(sessionKey string) (interface{}, bool) {
	return r.Lookup(sessionKey)
}

// RunRegistry is a weak mapping run_id -> actor handle, owned exclusively
// by the bounded RunSupervisor. No component outside runprocess holds a
// strong reference to an entry's actor; lookups always go through here.
type RunRegistry struct {
	m sync.Map // run_id -> interface{} (actor handle)
}

// NewRunRegistry constructs an empty RunRegistry.
func NewRunRegistry() *RunRegistry { return &RunRegistry{} }

// Put registers the actor handle for runID, overwriting any previous entry.
func (r *RunRegistry) Put(runID string, handle interface{}) {
	r.m.Store(runID, handle)
}

// Get returns the actor handle for runID.
func (r *RunRegistry) Get(runID string) (interface{}, bool) {
	return r.m.Load(runID)
}

// Delete removes runID's entry.
func (r *RunRegistry) Delete(runID string) {
	r.m.Delete(runID)
}

// Count returns the number of currently registered runs, used by the
// orchestrator to enforce the RunSupervisor's bounded-children limit.
func (r *RunRegistry) Count() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
