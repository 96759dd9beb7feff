package orchestrator

import "sync"

// Registry tracks the live orchestrator of every connected session so that
// configuration reloads can push scenario updates into running conversations.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*Orchestrator
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Orchestrator)}
}

// Register adds o under its session ID, replacing any previous entry for the
// same session. Entries whose orchestrator has been closed are pruned on the
// way.
func (r *Registry) Register(o *Orchestrator) {
	if o == nil || o.sess == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, other := range r.byID {
		if other.closed.Load() {
			delete(r.byID, id)
		}
	}
	r.byID[o.sess.ID] = o
}

// Unregister drops the entry for sessionID. Unknown IDs are a no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, sessionID)
}

// Get returns the orchestrator registered for sessionID.
func (r *Registry) Get(sessionID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byID[sessionID]
	return o, ok
}

// ForEach calls fn for every live orchestrator. fn runs without the registry
// lock held, so it may call back into the registry.
func (r *Registry) ForEach(fn func(o *Orchestrator)) {
	r.mu.Lock()
	live := make([]*Orchestrator, 0, len(r.byID))
	for _, o := range r.byID {
		if !o.closed.Load() {
			live = append(live, o)
		}
	}
	r.mu.Unlock()

	for _, o := range live {
		fn(o)
	}
}

// Len reports the number of registered orchestrators, closed ones included
// until the next Register prunes them.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
