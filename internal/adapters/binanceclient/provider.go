package binanceclient

import (
	"fmt"
	"sync"

	"positionGuard/internal/domain"
	"positionGuard/internal/ports"
)

// Provider resolves ExchangeGateways by credential+market scope. Gateways are
// registered once at startup; lookup is read-mostly.
type Provider struct {
	mu       sync.RWMutex
	gateways map[string]ports.ExchangeGateway
}

// NewProvider creates an empty Provider.
func NewProvider() *Provider {
	return &Provider{gateways: make(map[string]ports.ExchangeGateway)}
}

// Register binds a gateway to a scope, replacing any previous binding.
func (p *Provider) Register(scope domain.AccountScope, gw ports.ExchangeGateway) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gateways[scope.Key()] = gw
}

// Gateway returns the gateway serving the scope.
func (p *Provider) Gateway(scope domain.AccountScope) (ports.ExchangeGateway, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	gw, ok := p.gateways[scope.Key()]
	if !ok {
		return nil, fmt.Errorf("scope %s: %w", scope.Key(), ports.ErrUnknownScope)
	}
	return gw, nil
}

var _ ports.GatewayProvider = (*Provider)(nil)
