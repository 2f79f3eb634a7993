package provider

import "fmt"

// Registry routes each capability to its gateway. Adapters are registered
// at startup from configuration; adding a provider means implementing
// Gateway and registering it here, nothing else changes.
type Registry struct {
	byCapability map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{byCapability: make(map[string]Gateway)}
}

// Register binds a capability to a gateway, replacing any previous binding.
func (r *Registry) Register(capability string, gw Gateway) {
	r.byCapability[capability] = gw
}

// ForCapability returns the gateway serving the capability.
func (r *Registry) ForCapability(capability string) (Gateway, error) {
	gw, ok := r.byCapability[capability]
	if !ok {
		return nil, fmt.Errorf("no provider registered for capability %q", capability)
	}
	return gw, nil
}
