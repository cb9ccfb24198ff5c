package ipc

import (
	"sync"

	"golang.org/x/text/unicode/norm"

	"kiwi/internal/kerr"
)

// registry is the service name registry. Names are NFC-normalized
// before comparison so that visually identical service names using
// different Unicode compositions (e.g. combining-accent forms typed by
// different keyboards) resolve to the same provider.
type registry struct {
	mu     sync.RWMutex
	byName map[string]TaskID
}

func newRegistry() *registry {
	return &registry{byName: make(map[string]TaskID)}
}

func normalizeName(name string) string {
	return norm.NFC.String(name)
}

// Register inserts name -> id if name is unused and id is not already
// a provider under another name.
func (r *registry) Register(name string, id TaskID) error {
	key := normalizeName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[key]; exists {
		return kerr.NameNotAvailable
	}
	for _, owner := range r.byName {
		if owner == id {
			return kerr.TaskAlreadyRegistered
		}
	}
	r.byName[key] = id
	return nil
}

// Lookup returns the id registered for name.
func (r *registry) Lookup(name string) (TaskID, error) {
	key := normalizeName(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[key]
	if !ok {
		return 0, kerr.ServiceNotFound
	}
	return id, nil
}

// Unregister is reserved for future work and always fails.
func (r *registry) Unregister(name string) error {
	return kerr.NotImplemented
}
