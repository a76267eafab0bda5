package adapters

import (
	"strings"

	"github.com/smallbiznis/playmaker/internal/payment/domain"
)

// Registry holds one long-lived Gateway per provider so per-client state,
// such as a cached auth token, survives across calls.
type Registry struct {
	gateways map[string]domain.Gateway
}

func NewRegistry(factories ...domain.GatewayFactory) (*Registry, error) {
	registry := &Registry{gateways: map[string]domain.Gateway{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		gateway, err := factory.NewGateway()
		if err != nil {
			return nil, err
		}
		registry.gateways[provider] = gateway
	}
	return registry, nil
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.gateways[normalize(provider)]
	return ok
}

func (r *Registry) Gateway(provider string) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	gateway, ok := r.gateways[normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return gateway, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
