package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aeoncorex/streamx/internal/errors"
)

// Peer is a connection to another peer in the swarm on
// which the handshake has completed. Send is safe for
// concurrent use; Receive must be called from a single
// goroutine.
type Peer struct {
	net.Conn

	ID       [20]byte
	InfoHash [20]byte

	// Extensions enabled by the peer's client
	Extensions *Extensions

	WriteTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (p *Peer) Client() string {
	return ClientName(p.ID)
}

func (p *Peer) IDStr() string {
	return fmt.Sprintf("%x", p.ID[8:])
}

func (p *Peer) SupportsExtended() bool {
	return p.Extensions.IsEnabled(EXT_PROT)
}

func (p *Peer) SupportsFast() bool {
	return p.Extensions.IsEnabled(EXT_FAST)
}

// Send writes msg to the peer
func (p *Peer) Send(msg Message) error {
	var op errors.Op = "(*Peer).Send"

	p.wmu.Lock()
	defer p.wmu.Unlock()

	if p.WriteTimeout > 0 {
		p.Conn.SetWriteDeadline(time.Now().Add(p.WriteTimeout))
	}

	if _, err := p.Conn.Write(msg.Bytes()); err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	return nil
}

// Receive reads the next message. The peer is considered
// gone if nothing arrives within timeout.
func (p *Peer) Receive(timeout time.Duration) (Message, error) {
	if timeout > 0 {
		p.Conn.SetReadDeadline(time.Now().Add(timeout))
	}

	return ReadMessage(p.Conn)
}

func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.Conn.Close()
	})

	return p.closeErr
}

func (p *Peer) String() string {
	return p.RemoteAddr().String()
}
