package swarm

import (
	"context"
	"math"
	"net"
	"sort"
	"time"

	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
	"github.com/aeoncorex/streamx/pkg/btorrent/tracker"
)

const (
	maxCandidates = 1000
	maxDialTries  = 3
	retryDelay    = 30 * time.Second
	dialInterval  = 250 * time.Millisecond

	// Left reported to trackers before the torrent's
	// length is known
	unknownLeft = 1 << 30
)

// Source finds peers for an info hash. Run reports the
// addresses it finds to found until ctx is done.
type Source interface {
	Name() string
	Run(ctx context.Context, infoHash [20]byte, port uint16, found func(addrs []string)) error
}

// MetaCache keeps info dictionaries between runs
type MetaCache interface {
	Get(infoHash [20]byte) ([]byte, bool)
	Put(infoHash [20]byte, info []byte) error
}

type candidate struct {
	source  string
	tries   int
	retryAt time.Time
}

// addCandidates adds addresses to the pool of peers to dial.
// Must be called with s.mu held.
func (s *Swarm) addCandidates(source string, addrs ...string) {
	var added int
	for _, addr := range addrs {
		if len(s.candidates) >= maxCandidates {
			break
		}

		host, port, err := net.SplitHostPort(addr)
		if err != nil || host == "" || port == "0" {
			continue
		}

		if _, ok := s.candidates[addr]; ok {
			continue
		}
		if _, ok := s.conns[addr]; ok {
			continue
		}
		if s.blacklist.Contains(addr) || addr == s.selfAddr {
			continue
		}

		s.candidates[addr] = candidate{source: source}
		added++
	}

	if added > 0 {
		s.log.Debug().Str("source", source).Int("added", added).Int("candidates", len(s.candidates)).Msg("Found peers")
		s.nudge(s.dialKick)
	}
}

// AddPeers adds addresses to dial
func (s *Swarm) AddPeers(source string, addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addCandidates(source, addrs...)
}

// nextCandidates picks the addresses to dial now and marks
// them as dialing. Must be called with s.mu held.
func (s *Swarm) nextCandidates() []string {
	room := s.cfg.MaxPeers - len(s.conns) - len(s.dialing)
	if room <= 0 || s.stopping {
		return nil
	}

	now := s.clock.Now()

	var ready []string
	for addr, c := range s.candidates {
		if s.dialing[addr] || now.Before(c.retryAt) {
			continue
		}
		if _, ok := s.conns[addr]; ok {
			continue
		}
		ready = append(ready, addr)
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := s.candidates[ready[i]], s.candidates[ready[j]]
		if a.tries != b.tries {
			return a.tries < b.tries
		}
		return ready[i] < ready[j]
	})

	if len(ready) > room {
		ready = ready[:room]
	}

	for _, addr := range ready {
		s.dialing[addr] = true
	}

	return ready
}

// dialFailed backs off from addr, and forgets it after a
// few failed attempts. Must be called with s.mu held.
func (s *Swarm) dialFailed(addr string) {
	c, ok := s.candidates[addr]
	if !ok {
		return
	}

	c.tries++
	if c.tries >= maxDialTries {
		delete(s.candidates, addr)
		return
	}

	c.retryAt = s.clock.Now().Add(time.Duration(float64(retryDelay) * math.Pow(2, float64(c.tries-1))))
	s.candidates[addr] = c
}

func (s *Swarm) dialLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(dialInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		addrs := s.nextCandidates()
		s.mu.Unlock()

		for i, addr := range addrs {
			if err := s.limiter.Wait(ctx); err != nil {
				s.mu.Lock()
				for _, a := range addrs[i:] {
					delete(s.dialing, a)
				}
				s.mu.Unlock()
				return nil
			}

			s.wg.Add(1)
			go func(addr string) {
				defer s.wg.Done()
				s.connect(ctx, addr)
			}(addr)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		case <-s.dialKick:
		}
	}
}

func (s *Swarm) connect(ctx context.Context, addr string) {
	p, err := peer.Dial(ctx, addr, s.dialConfig())

	s.mu.Lock()
	delete(s.dialing, addr)
	if err != nil {
		s.dialFailed(addr)
	}
	source := s.candidates[addr].source
	s.mu.Unlock()

	if err != nil {
		s.log.Debug().Err(err).Str("peer", addr).Msg("Dial failed")
		return
	}

	s.serve(ctx, p, false, source)
}

func (s *Swarm) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}

			s.log.Warn().Err(err).Msg("Listener closed")
			return nil
		}

		addr := conn.RemoteAddr().String()
		if s.blacklist.Contains(addr) {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			p, err := peer.Accept(ctx, conn, s.dialConfig(), func(h [20]byte) bool {
				return h == s.hash
			})
			if err != nil {
				s.log.Debug().Err(err).Str("peer", addr).Msg("Incoming handshake failed")
				return
			}

			s.serve(ctx, p, true, "incoming")
		}()
	}
}

func (s *Swarm) dialConfig() peer.DialConfig {
	return peer.DialConfig{
		InfoHash:   s.hash,
		PeerID:     s.cfg.PeerID,
		Extensions: peer.NewExtensions(peer.EXT_PROT, peer.EXT_FAST),
		Timeout:    s.cfg.ConnectTimeout,
		Dial:       s.net.Dial,
	}
}

// announceLoop announces to the torrent's trackers whenever
// one is due
func (s *Swarm) announceLoop(ctx context.Context) error {
	if s.trackers.Len() == 0 {
		return nil
	}

	event := tracker.Started
	completed := s.completed
	for {
		peers := s.trackers.Announce(ctx, s.announceRequest(event))
		event = tracker.None

		addrs := make([]string, 0, len(peers))
		for _, p := range peers {
			addrs = append(addrs, p.Addr())
		}
		s.AddPeers("tracker", addrs...)

		wait := s.trackers.NextAnnounce().Sub(s.clock.Now())
		if wait < time.Second {
			wait = time.Second
		}

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		case <-completed:
			timer.Stop()
			event = tracker.Completed
			completed = nil
		}
	}
}

func (s *Swarm) announceRequest(event tracker.Event) tracker.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	port := s.listenPort
	if port == 0 {
		port = 6881
	}

	req := tracker.NewRequest(s.hash, port, s.cfg.PeerID)
	req.Event = event
	req.Downloaded = s.downloaded
	req.Uploaded = s.uploaded
	req.Left = unknownLeft

	if s.store != nil {
		f := s.t.Files()[s.file]
		req.Left = f.Length - s.store.VerifiedBytes(s.file)
	}

	return req
}

// stopAnnounce tells the trackers we are leaving
func (s *Swarm) stopAnnounce(timeout time.Duration) {
	if s.trackers.Len() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.trackers.Announce(ctx, s.announceRequest(tracker.Stopped))
}

func (s *Swarm) runSource(ctx context.Context, src Source) error {
	s.mu.Lock()
	port := s.listenPort
	s.mu.Unlock()

	err := src.Run(ctx, s.hash, port, func(addrs []string) {
		s.AddPeers(src.Name(), addrs...)
	})
	if err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Str("source", src.Name()).Msg("Peer source failed")
	}

	return nil
}
