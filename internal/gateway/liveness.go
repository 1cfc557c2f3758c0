package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// ServiceRegistry tracks which satellite services (bots, fetchers, TTS
// workers) currently hold a gateway connection, keyed by service type rather
// than by physical connection. An entry exists iff its connection set is
// non-empty, so "zero connections" and "never seen" are distinguishable.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]map[uuid.UUID]struct{}
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]map[uuid.UUID]struct{})}
}

func (r *ServiceRegistry) AddConnection(serviceType string, connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.services[serviceType]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		r.services[serviceType] = set
	}
	set[connID] = struct{}{}
}

func (r *ServiceRegistry) RemoveConnection(serviceType string, connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.services[serviceType]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.services, serviceType)
	}
}

// OnlineCounts returns connection counts for every service type with at least
// one live connection.
func (r *ServiceRegistry) OnlineCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.services))
	for serviceType, set := range r.services {
		counts[serviceType] = len(set)
	}
	return counts
}

func (r *ServiceRegistry) IsOnline(serviceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services[serviceType]) > 0
}
