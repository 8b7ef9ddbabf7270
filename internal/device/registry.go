package device

import (
	"sync"

	"github.com/Schwaneberg/metercore/internal/types"
)

// Registry allocates physical interfaces to readers at configuration time.
// Claiming an address that another meter already owns is a configuration
// mistake, not a runtime condition.
type Registry struct {
	mu      sync.Mutex
	claimed map[string]string // address -> meter name
}

func NewRegistry() *Registry {
	return &Registry{claimed: make(map[string]string)}
}

func (r *Registry) Claim(address, meterName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.claimed[address]; ok {
		return types.ConfigErrorf("interface %s is already claimed by meter %q", address, owner)
	}
	r.claimed[address] = meterName
	return nil
}

func (r *Registry) Release(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, address)
}

// Owner returns the meter name holding an address, if any.
func (r *Registry) Owner(address string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.claimed[address]
	return owner, ok
}
