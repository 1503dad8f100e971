package cluster

import (
	"fmt"
	"sync"
)

// HostRegistry hands out loopback addresses for server processes so that
// concurrently running clusters never collide on a listen address.
// Addresses released by a stopped cluster are reused before new ones are
// minted.
type HostRegistry struct {
	mu   sync.Mutex
	next int
	free []string
}

// NewHostRegistry creates an empty registry. Addresses are allocated in the
// 127.1.0.0/16 block, one per server.
func NewHostRegistry() *HostRegistry {
	return &HostRegistry{}
}

// LeaseHost returns a loopback address not used by any live server.
// The last octet stays in 1-254; 0 and 255 are not valid host addresses.
func (r *HostRegistry) LeaseHost() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.free); n > 0 {
		addr := r.free[n-1]
		r.free = r.free[:n-1]
		return addr, nil
	}
	if r.next >= 254*256 {
		return "", fmt.Errorf("loopback address space exhausted after %d hosts", r.next)
	}
	n := r.next
	r.next++
	return fmt.Sprintf("127.1.%d.%d", n/254, n%254+1), nil
}

// ReleaseHost returns an address to the free list.
func (r *HostRegistry) ReleaseHost(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.free = append(r.free, addr)
}
