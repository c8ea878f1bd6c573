// Package registry maps live transport connections to device identities.
//
// The registry is process-local and never persisted: after a restart devices
// must reconnect to become reachable again. Only the transport gateway
// mutates it; the pairing coordinator and plan dispatcher read it through
// Lookup to confirm a stored socket id is still live before pushing.
package registry

import "sync"

// Lookup is the read side consumed by the coordinator and dispatcher
type Lookup interface {
	DeviceFor(connID string) (deviceID string, ok bool)
}

// Registry is a mutex guarded connectionID -> deviceID map
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]string
}

// New creates an empty registry
func New() *Registry {
	return &Registry{byConn: make(map[string]string)}
}

// Bind records that connID carries deviceID, replacing any previous binding
func (r *Registry) Bind(connID, deviceID string) {
	r.mu.Lock()
	r.byConn[connID] = deviceID
	r.mu.Unlock()
}

// Unbind forgets connID and returns the device it carried
func (r *Registry) Unbind(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deviceID, ok := r.byConn[connID]
	delete(r.byConn, connID)
	return deviceID, ok
}

// DeviceFor returns the device bound to connID
func (r *Registry) DeviceFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deviceID, ok := r.byConn[connID]
	return deviceID, ok
}

// Reachable reports whether connID is live and still carries deviceID
func Reachable(l Lookup, connID *string, deviceID string) bool {
	if l == nil || connID == nil || *connID == "" {
		return false
	}
	bound, ok := l.DeviceFor(*connID)
	return ok && bound == deviceID
}

// Len returns the number of live connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
