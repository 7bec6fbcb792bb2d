package swarm

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/internal/scheduler"
	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
)

const (
	// weight of the newest sample in the smoothed rates
	rateAlpha = 0.3

	// rounds an optimistic unchoke lasts
	optimisticRounds = 3
)

var errSnubbed = errors.New("peer stopped sending blocks")

func (s *Swarm) tickLoop(ctx context.Context) error {
	sched := s.clock.NewTicker(s.cfg.SchedulerInterval)
	defer sched.Stop()

	choke := s.clock.NewTicker(s.cfg.ChokeInterval)
	defer choke.Stop()

	pex := s.clock.NewTicker(s.cfg.PexInterval)
	defer pex.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sched.Chan():
			s.tick(true)
		case <-s.kick:
			s.tick(false)
		case <-choke.Chan():
			s.mu.Lock()
			s.rechoke()
			s.mu.Unlock()
		case <-pex.Chan():
			s.sendPex()
		}
	}
}

// tick hands out new requests. On the periodic tick it also
// expires stale requests and drops snubbing peers.
func (s *Swarm) tick(periodic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched == nil {
		if periodic {
			s.requestMetadata()
		}
		return
	}

	if periodic {
		for _, r := range s.sched.Expire() {
			if c, ok := s.conns[r.Peer]; ok {
				c.send(cancel(r))
			}
		}
		s.dropSnubbed()
	}

	var peers []scheduler.Peer
	for addr, c := range s.conns {
		if !c.counted || c.closed() {
			continue
		}

		peers = append(peers, scheduler.Peer{
			ID:       addr,
			Bitfield: c.Bitfield,
			Choked:   c.PeerChoking || !c.AmInterested,
			Rate:     c.Rate,
		})
	}

	for _, r := range s.sched.Next(peers) {
		s.conns[r.Peer].send(peer.RequestMessage{
			Index:  uint32(r.Block.Piece),
			Offset: uint32(r.Block.Begin),
			Length: uint32(r.Block.Length),
		})
	}
}

func cancel(r scheduler.Request) peer.CancelMessage {
	return peer.CancelMessage{
		Index:  uint32(r.Block.Piece),
		Offset: uint32(r.Block.Begin),
		Length: uint32(r.Block.Length),
	}
}

// dropSnubbed closes connections to peers that hold our
// requests without answering, as long as there are other
// peers to try. Must be called with s.mu held.
func (s *Swarm) dropSnubbed() {
	var spare bool
	for addr := range s.candidates {
		if _, ok := s.conns[addr]; !ok && !s.dialing[addr] {
			spare = true
			break
		}
	}
	if !spare {
		return
	}

	now := s.clock.Now()
	for addr, c := range s.conns {
		if s.sched.Outstanding(addr) == 0 {
			continue
		}

		if now.Sub(c.lastUseful) >= s.cfg.SnubTimeout {
			c.close(errSnubbed)
		}
	}
}

// unchokeIfFree unchokes an interested peer right away when
// an upload slot is free. Must be called with s.mu held.
func (s *Swarm) unchokeIfFree(c *conn) {
	if !c.AmChoking || s.store == nil {
		return
	}

	var unchoked int
	for _, o := range s.conns {
		if !o.AmChoking {
			unchoked++
		}
	}

	if unchoked < s.cfg.UploadSlots {
		c.AmChoking = false
		c.send(peer.UnchokeMessage{})
	}
}

// rechoke unchokes the interested peers we download from
// fastest, plus one picked at random that rotates every few
// rounds. Must be called with s.mu held.
func (s *Swarm) rechoke() {
	var interested []*conn
	for _, c := range s.conns {
		if c.PeerInterested {
			interested = append(interested, c)
		}
	}

	sort.Slice(interested, func(i, j int) bool {
		a, b := interested[i], interested[j]
		if a.Rate != b.Rate {
			return a.Rate > b.Rate
		}
		return a.Addr < b.Addr
	})

	unchoke := make(map[*conn]bool)
	for i := 0; i < len(interested) && i < s.cfg.UploadSlots; i++ {
		unchoke[interested[i]] = true
	}

	s.chokeRound++
	rest := lo.Filter(interested, func(c *conn, _ int) bool { return !unchoke[c] })

	if opt, ok := s.conns[s.optimistic]; ok && opt.PeerInterested && s.chokeRound%optimisticRounds != 0 {
		unchoke[opt] = true
	} else if len(rest) > 0 {
		opt := lo.Sample(rest)
		s.optimistic = opt.Addr
		unchoke[opt] = true
	}

	for _, c := range s.conns {
		switch want := unchoke[c]; {
		case want && c.AmChoking:
			c.AmChoking = false
			c.send(peer.UnchokeMessage{})
		case !want && !c.AmChoking:
			c.AmChoking = true
			c.send(peer.ChokeMessage{})
		}
	}
}

func (s *Swarm) statusLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.mu.Lock()
			s.measure()
			s.updateState()
			s.mu.Unlock()

			s.publish()
		}
	}
}

// measure updates the smoothed transfer rates. Must be
// called with s.mu held.
func (s *Swarm) measure() {
	secs := s.cfg.StatusInterval.Seconds()

	s.rate, s.uploadRate = 0, 0
	for _, c := range s.conns {
		down, up := c.down.Load(), c.up.Load()

		c.Rate = rateAlpha*float64(down-c.lastDown)/secs + (1-rateAlpha)*c.Rate
		c.UploadRate = rateAlpha*float64(up-c.lastUp)/secs + (1-rateAlpha)*c.UploadRate

		s.downloaded += down - c.lastDown
		s.uploaded += up - c.lastUp
		c.lastDown, c.lastUp = down, up

		s.rate += c.Rate
		s.uploadRate += c.UploadRate
	}
}

// publish stores a fresh status snapshot
func (s *Swarm) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:        s.state,
		Err:          s.err,
		InfoHash:     s.hexHash,
		Playhead:     s.playhead,
		DownloadRate: int64(s.rate),
		UploadRate:   int64(s.uploadRate),
		Downloaded:   s.downloaded,
		Uploaded:     s.uploaded,
		Peers:        len(s.conns),
		Candidates:   len(s.candidates),
		Started:      s.started,
		Updated:      s.clock.Now(),
	}

	st.Name = s.t.Name()

	for _, c := range s.conns {
		if c.Seed {
			st.Seeds++
		}
	}

	if s.store != nil {
		f := s.t.Files()[s.file]
		st.FileName = f.Path
		st.FileLength = f.Length
		st.Frontier = s.store.CompletionFrontier(s.file)
		st.VerifiedPieces, st.TotalPieces = s.store.Count()
		st.VerifiedBytes = s.store.VerifiedBytes(s.file)
		st.Progress = s.progress(st.Frontier, f.Length)

		if s.everReady {
			st.FilePath = s.store.Path(s.file)
		}
	}

	s.status.Store(&st)
}

// progress returns how much of the buffer needed to start
// or resume playback is verified, in percent
func (s *Swarm) progress(frontier, length int64) int {
	if s.state == Ready || frontier >= length {
		return 100
	}

	start, have := s.ahead(frontier)

	need := s.needed(start, length)
	if need <= 0 {
		return 100
	}

	if pct := int(have * 100 / need); pct < 100 {
		return pct
	}

	return 99
}
