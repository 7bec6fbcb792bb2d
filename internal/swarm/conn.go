package swarm

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/aeoncorex/streamx/pkg/bits"
	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
)

type ConnState int

const (
	Connecting ConnState = iota
	Handshaking
	Connected
	Choked
	Unchoked
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Choked:
		return "choked"
	case Unchoked:
		return "unchoked"
	default:
		return "disconnected"
	}
}

// PeerRecord describes a connected peer
type PeerRecord struct {
	Addr     string
	Client   string
	Source   string
	Incoming bool
	State    ConnState

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	Bitfield bits.BitField
	Seed     bool

	// Bytes per second, smoothed
	Rate       float64
	UploadRate float64

	Downloaded int64
	Uploaded   int64

	ConnectedAt time.Time
}

// conn is a live peer connection. Its record and protocol
// state are guarded by the swarm's lock; the send queue has
// its own.
type conn struct {
	PeerRecord

	p *peer.Peer

	fast bool

	// ids the peer assigned to our extensions
	metaCode     byte
	pexCode      byte
	metadataSize int
	noMeta       bool

	// set once any core message has arrived
	gotFirst bool

	// what the peer announced before we knew the number
	// of pieces
	rawBitfield  bits.BitField
	haveAll      bool
	pendingHaves []int

	// the bitfield counts towards piece availability
	counted bool

	lastUseful time.Time

	down, up         *atomic.Int64
	lastDown, lastUp int64

	pexSent map[string]bool

	qmu   sync.Mutex
	queue []peer.Message
	wake  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	reason    error
}

func newConn(p *peer.Peer, incoming bool, source string, now time.Time) *conn {
	return &conn{
		PeerRecord: PeerRecord{
			Addr:        p.RemoteAddr().String(),
			Client:      p.Client(),
			Source:      source,
			Incoming:    incoming,
			State:       Connected,
			AmChoking:   true,
			PeerChoking: true,
			ConnectedAt: now,
		},
		p:          p,
		fast:       p.SupportsFast(),
		lastUseful: now,
		down:       atomic.NewInt64(0),
		up:         atomic.NewInt64(0),
		pexSent:    make(map[string]bool),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// send queues msgs for the write loop. It never blocks.
func (c *conn) send(msgs ...peer.Message) {
	c.qmu.Lock()
	c.queue = append(c.queue, msgs...)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) drain() []peer.Message {
	c.qmu.Lock()
	defer c.qmu.Unlock()

	msgs := c.queue
	c.queue = nil

	return msgs
}

// close shuts the connection down. The first reason given
// is kept.
func (c *conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
		c.p.Close()
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writeLoop sends queued messages, and a keep-alive when the
// connection has been quiet for keepAlive
func (c *conn) writeLoop(clock clockwork.Clock, keepAlive time.Duration) {
	ticker := clock.NewTicker(keepAlive / 2)
	defer ticker.Stop()

	last := clock.Now()
	for {
		var tick bool
		select {
		case <-c.done:
			return
		case <-c.wake:
		case <-ticker.Chan():
			tick = true
		}

		msgs := c.drain()
		if len(msgs) == 0 && tick && clock.Since(last) >= keepAlive {
			msgs = append(msgs, peer.KeepAliveMessage{})
		}

		for _, msg := range msgs {
			if err := c.p.Send(msg); err != nil {
				c.close(err)
				return
			}

			if m, ok := msg.(peer.PieceMessage); ok {
				c.up.Add(int64(len(m.Piece)))
			}
		}

		if len(msgs) > 0 {
			last = clock.Now()
		}
	}
}

// record returns a copy of the peer's record
func (c *conn) record() PeerRecord {
	r := c.PeerRecord
	r.Bitfield = c.Bitfield.Clone()
	r.Downloaded = c.down.Load()
	r.Uploaded = c.up.Load()

	return r
}
