// Package ports asks the local gateway to forward the port
// peers connect to.
package ports

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"gitlab.com/NebulousLabs/go-upnp"

	"github.com/aeoncorex/streamx/internal/errors"
)

const description = "streamx peer listener"

// Gateway is a router that forwards ports
type Gateway interface {
	Forward(port uint16, desc string) error
	Clear(port uint16) error
}

type DiscoverFunc func(ctx context.Context) (Gateway, error)

// Service maps the peer listener's port on the gateway
type Service interface {
	Forward(ctx context.Context, port uint16) error
	Clear(port uint16) error
}

type ports struct {
	discover DiscoverFunc

	mu        sync.Mutex
	d         Gateway
	forwarded map[uint16]bool
}

func (p *ports) gateway(ctx context.Context) (Gateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.d == nil {
		// Discover UPnP-supporting routers
		d, err := p.discover(ctx)
		if err != nil {
			return nil, err
		}

		p.d = d
	}

	return p.d, nil
}

func (p *ports) Forward(ctx context.Context, port uint16) error {
	var op errors.Op = "(*ports).Forward"

	d, err := p.gateway(ctx)
	if err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	if err := d.Forward(port, description); err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	p.mu.Lock()
	p.forwarded[port] = true
	p.mu.Unlock()

	log.Info().Uint16("port", port).Msg("Port forwarded")
	return nil
}

// Clear removes a mapping made by Forward
func (p *ports) Clear(port uint16) error {
	var op errors.Op = "(*ports).Clear"

	p.mu.Lock()
	d, ok := p.d, p.forwarded[port]
	delete(p.forwarded, port)
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if err := d.Clear(port); err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	return nil
}

// NewService returns a service that finds the gateway with
// discover the first time a port is forwarded. A nil
// discover uses UPnP.
func NewService(discover DiscoverFunc) Service {
	if discover == nil {
		discover = func(ctx context.Context) (Gateway, error) {
			d, err := upnp.DiscoverCtx(ctx)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}

	return &ports{
		discover:  discover,
		forwarded: make(map[uint16]bool),
	}
}
