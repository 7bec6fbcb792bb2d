package swarm

import (
	"context"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/internal/storage"
	"github.com/aeoncorex/streamx/pkg/bits"
	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
)

// serve runs the session with a peer that completed the
// handshake until the connection ends
func (s *Swarm) serve(ctx context.Context, p *peer.Peer, incoming bool, source string) {
	c := newConn(p, incoming, source, s.clock.Now())

	s.mu.Lock()
	_, dup := s.conns[c.Addr]
	if dup || s.stopping || s.blacklist.Contains(c.Addr) || len(s.conns) >= s.cfg.MaxPeers {
		s.mu.Unlock()
		p.Close()
		return
	}
	s.conns[c.Addr] = c
	s.greet(c)
	s.mu.Unlock()

	s.log.Debug().Str("peer", c.Addr).Str("client", c.Client).Bool("incoming", incoming).Msg("Peer connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop(s.clock, s.cfg.KeepAlive)
	}()

	err := s.readLoop(c)
	c.close(err)
	s.disconnect(c)
}

func (s *Swarm) readLoop(c *conn) error {
	for {
		msg, err := c.p.Receive(s.cfg.IdleTimeout)
		if err != nil {
			return err
		}

		if err := s.handle(c, msg); err != nil {
			return err
		}
	}
}

// disconnect forgets a closed connection
func (s *Swarm) disconnect(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns[c.Addr] == c {
		delete(s.conns, c.Addr)
	}
	c.State = Disconnected

	s.downloaded += c.down.Load() - c.lastDown
	s.uploaded += c.up.Load() - c.lastUp

	if s.sched != nil && c.counted {
		s.sched.OnPeerGone(c.Addr, c.Bitfield)
	}

	reason := c.reason
	if errors.Is(reason, errors.PeerProtocolViolation) && !s.blacklist.Contains(c.Addr) {
		s.ban(c.Addr, reason)
	}

	if cand, ok := s.candidates[c.Addr]; ok && !s.stopping {
		cand.retryAt = s.clock.Now().Add(retryDelay)
		s.candidates[c.Addr] = cand
	}

	s.log.Debug().Err(reason).Str("peer", c.Addr).Msg("Peer disconnected")
	s.nudge(s.kick)
	s.nudge(s.dialKick)
}

// greet sends the messages that open a session. Must be
// called with s.mu held.
func (s *Swarm) greet(c *conn) {
	if c.p.SupportsExtended() {
		c.send(peer.NewExtHandshake(s.cfg.ClientName, len(s.t.InfoBytes())))
	}

	if s.store == nil {
		if c.fast {
			c.send(peer.HaveNoneMessage{})
		}
		return
	}

	bf := s.store.Bitfield()
	verified, total := s.store.Count()

	switch {
	case c.fast && verified == 0:
		c.send(peer.HaveNoneMessage{})
	case c.fast && verified == total:
		c.send(peer.HaveAllMessage{})
	case verified > 0:
		c.send(peer.BitFieldMessage{BitField: bf})
	}
}

// onTorrentReady applies what the peer announced before the
// info dict was known. Must be called with s.mu held.
func (s *Swarm) onTorrentReady(c *conn) {
	n := s.t.NumPieces()

	switch {
	case c.haveAll:
		c.Bitfield = bits.AllOnes(n)
	case c.rawBitfield != nil:
		if err := c.rawBitfield.Validate(n); err != nil {
			c.close(errors.Wrap(err, errors.PeerProtocolViolation))
			return
		}
		c.Bitfield = c.rawBitfield
	default:
		c.Bitfield = bits.NewBitField(n)
	}

	for _, i := range c.pendingHaves {
		if i >= n {
			c.close(errors.Wrap(errors.Newf("have for piece %d of %d", i, n), errors.PeerProtocolViolation))
			return
		}
		c.Bitfield.Set(i)
	}

	c.rawBitfield, c.pendingHaves = nil, nil
	c.Seed = c.Bitfield.GetSum() == n

	s.sched.OnBitfield(c.Bitfield)
	c.counted = true

	// recovered pieces
	for _, i := range s.store.Bitfield().Ones() {
		if i < n {
			c.send(peer.HaveMessage{Index: uint32(i)})
		}
	}

	s.updateInterest(c)
}

// updateInterest tells the peer whether it has pieces we
// want. Must be called with s.mu held.
func (s *Swarm) updateInterest(c *conn) {
	if s.sched == nil || !c.counted {
		return
	}

	want := s.sched.Wanted(c.Bitfield)
	if want == c.AmInterested {
		return
	}

	c.AmInterested = want
	if want {
		c.send(peer.InterestedMessage{})
	} else {
		c.send(peer.NotInterestedMessage{})
	}
}

// broadcastHave announces a verified piece. Must be called
// with s.mu held.
func (s *Swarm) broadcastHave(i int) {
	for _, c := range s.conns {
		if !c.counted || !c.Bitfield.Get(i) {
			c.send(peer.HaveMessage{Index: uint32(i)})
		}
		s.updateInterest(c)
	}
}

func core(msg peer.Message) bool {
	switch msg.(type) {
	case peer.KeepAliveMessage, *peer.ExtHandshakeMsg, peer.MetaMessage,
		peer.PexMessage, peer.ExtendedMessage, peer.PortMessage:
		return false
	}

	return true
}

func violation(format string, args ...interface{}) error {
	return errors.Wrap(errors.Newf(format, args...), errors.PeerProtocolViolation)
}

// handle applies one message from the peer. A returned error
// ends the session.
func (s *Swarm) handle(c *conn, msg peer.Message) error {
	var op errors.Op = "(*Swarm).handle"

	if m, ok := msg.(peer.RequestMessage); ok {
		if err := s.serveRequest(c, m); err != nil {
			return errors.Wrap(err, op)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var first bool
	if core(msg) {
		first = !c.gotFirst
		c.gotFirst = true
	}

	var err error
	switch m := msg.(type) {
	case peer.ChokeMessage:
		c.PeerChoking = true
		c.State = Choked
		if s.sched != nil && !c.fast {
			s.sched.DropPeer(c.Addr)
		}
	case peer.UnchokeMessage:
		c.PeerChoking = false
		c.State = Unchoked
		c.lastUseful = s.clock.Now()
		s.nudge(s.kick)
	case peer.InterestedMessage:
		c.PeerInterested = true
		s.unchokeIfFree(c)
	case peer.NotInterestedMessage:
		c.PeerInterested = false
	case peer.HaveMessage:
		err = s.onHave(c, int(m.Index))
	case peer.BitFieldMessage:
		err = s.onBitfield(c, m.BitField, first)
	case peer.HaveAllMessage:
		err = s.onHaveAll(c, first)
	case peer.HaveNoneMessage:
		if !c.fast || !first {
			err = violation("unexpected have none")
		}
	case peer.PieceMessage:
		err = s.onPiece(c, m)
	case peer.RejectMessage:
		if !c.fast {
			err = violation("reject without fast extension")
		} else if s.sched != nil {
			s.sched.OnReject(c.Addr, storage.Block{Piece: int(m.Index), Begin: int(m.Offset), Length: int(m.Length)})
			s.nudge(s.kick)
		}
	case *peer.ExtHandshakeMsg:
		s.onExtHandshake(c, m)
	case peer.MetaMessage:
		err = s.onMeta(c, m)
	case peer.PexMessage:
		s.onPex(c, m)
	}

	if err != nil {
		return errors.Wrap(err, op)
	}

	return nil
}

func (s *Swarm) onBitfield(c *conn, bf bits.BitField, first bool) error {
	if !first {
		return violation("bitfield after the first message")
	}

	if !s.t.HasInfo() || s.sched == nil {
		c.rawBitfield = bf.Clone()
		return nil
	}

	n := s.t.NumPieces()
	if err := bf.Validate(n); err != nil {
		return errors.Wrap(err, errors.PeerProtocolViolation)
	}

	c.Bitfield = bf.Clone()
	c.Seed = c.Bitfield.GetSum() == n
	s.sched.OnBitfield(c.Bitfield)
	c.counted = true

	s.updateInterest(c)
	s.nudge(s.kick)

	return nil
}

func (s *Swarm) onHaveAll(c *conn, first bool) error {
	if !c.fast || !first {
		return violation("unexpected have all")
	}

	if s.sched == nil {
		c.haveAll = true
		return nil
	}

	return s.onBitfield(c, bits.AllOnes(s.t.NumPieces()), true)
}

func (s *Swarm) onHave(c *conn, i int) error {
	if s.sched == nil {
		if s.t.HasInfo() && i >= s.t.NumPieces() {
			return violation("have for piece %d of %d", i, s.t.NumPieces())
		}
		c.pendingHaves = append(c.pendingHaves, i)
		return nil
	}

	n := s.t.NumPieces()
	if i >= n {
		return violation("have for piece %d of %d", i, n)
	}

	if !c.counted {
		c.Bitfield = bits.NewBitField(n)
		c.counted = true
	}

	if c.Bitfield.Get(i) {
		return nil
	}

	c.Bitfield.Set(i)
	c.Seed = c.Bitfield.GetSum() == n
	s.sched.OnHave(i)

	s.updateInterest(c)
	s.nudge(s.kick)

	return nil
}

func (s *Swarm) onPiece(c *conn, m peer.PieceMessage) error {
	if s.sched == nil {
		return violation("block before the torrent is known")
	}

	b := storage.Block{Piece: int(m.Index), Begin: int(m.Offset), Length: len(m.Piece)}
	if !s.sched.Requested(c.Addr, b) {
		return violation("unrequested block %s", b)
	}

	c.down.Add(int64(b.Length))
	c.lastUseful = s.clock.Now()

	if _, err := s.store.WriteBlock(b.Piece, b.Begin, m.Piece, c.Addr); err != nil {
		return err
	}

	for _, r := range s.sched.OnBlock(c.Addr, b) {
		if other, ok := s.conns[r.Peer]; ok {
			other.send(peer.CancelMessage{
				Index:  uint32(r.Block.Piece),
				Offset: uint32(r.Block.Begin),
				Length: uint32(r.Block.Length),
			})
		}
	}

	s.nudge(s.kick)
	return nil
}

// serveRequest uploads a block the peer asked for. The read
// happens without the swarm lock.
func (s *Swarm) serveRequest(c *conn, m peer.RequestMessage) error {
	s.mu.Lock()
	store := s.store
	allowed := !c.AmChoking && store != nil
	s.mu.Unlock()

	reject := peer.RejectMessage{Index: m.Index, Offset: m.Offset, Length: m.Length}
	if !allowed {
		if c.fast {
			c.send(reject)
		}
		return nil
	}

	data, err := store.ReadBlock(int(m.Index), int(m.Offset), int(m.Length))
	switch {
	case err == nil:
		c.send(peer.PieceMessage{Index: m.Index, Offset: m.Offset, Piece: data})
	case errors.Is(err, errors.PeerProtocolViolation):
		return err
	case c.fast:
		c.send(reject)
	}

	return nil
}

func (s *Swarm) onExtHandshake(c *conn, m *peer.ExtHandshakeMsg) {
	if code, ok := m.Code(peer.EXT_UT_META); ok {
		c.metaCode = code
	}
	if code, ok := m.Code(peer.EXT_UT_PEX); ok {
		c.pexCode = code
	}
	if size, ok := m.MetadataSize(); ok {
		c.metadataSize = size
	}
	if v := m.Client(); v != "" {
		c.Client = v
	}

	s.requestMetadata()
}
