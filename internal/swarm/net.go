package swarm

import (
	"context"
	"net"
	"sync"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
)

// BoundedNet limits the number of open peer connections and
// wraps dialing and listening. A slot is held from the
// moment a connection is dialled or accepted until it is
// closed.
type BoundedNet struct {
	slots chan struct{}
	dial  peer.DialFunc
}

func NewBoundedNet(max int, dial peer.DialFunc) *BoundedNet {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	return &BoundedNet{
		slots: make(chan struct{}, max),
		dial:  dial,
	}
}

// Open returns the number of slots in use
func (bn *BoundedNet) Open() int {
	return len(bn.slots)
}

func (bn *BoundedNet) acquire() bool {
	select {
	case bn.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (bn *BoundedNet) release() {
	<-bn.slots
}

func (bn *BoundedNet) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var op errors.Op = "(*BoundedNet).Dial"

	if !bn.acquire() {
		return nil, errors.Wrap(errors.Newf("%d connections open", cap(bn.slots)), op, errors.Network)
	}

	conn, err := bn.dial(ctx, network, addr)
	if err != nil {
		bn.release()
		return nil, errors.Wrap(err, op, errors.Network)
	}

	return &Conn{Conn: conn, release: bn.release}, nil
}

func (bn *BoundedNet) Listen(network, addr string) (net.Listener, error) {
	listener, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}

	return &BoundedListener{
		Listener: listener,
		bn:       bn,
	}, nil
}

// BoundedListener closes incoming connections right away
// while every slot is taken
type BoundedListener struct {
	net.Listener
	bn *BoundedNet
}

func (bl *BoundedListener) Accept() (net.Conn, error) {
	for {
		conn, err := bl.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if !bl.bn.acquire() {
			conn.Close()
			continue
		}

		return &Conn{Conn: conn, release: bl.bn.release}, nil
	}
}

// Conn releases its slot when closed
type Conn struct {
	net.Conn

	once    sync.Once
	release func()
}

func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)

	return err
}
