package scheduler

import (
	"math"
	"sort"

	"github.com/aeoncorex/streamx/internal/storage"
)

// Next assigns new requests to the peers that can take them
// and returns the assignments. The caller sends a request
// message for each.
//
// Peers are served fastest first. Each peer is given the
// first blocks it has in piece order: the window ahead of
// the anchor in ascending order, then the rest of the file
// rarest first. A block is assigned to one peer at a time,
// except near the anchor where a few copies may be in
// flight so that a slow peer does not stall playback.
func (s *Scheduler) Next(peers []Peer) []Request {
	anchor := s.Anchor()
	order, window := s.order(anchor)
	if len(order) == 0 {
		return nil
	}

	f := s.t.Files()[s.file]
	dupLimit := f.Offset + anchor + s.cfg.DuplicateBytes

	missing := make(map[int][]storage.Block)
	blocks := func(i int) []storage.Block {
		b, ok := missing[i]
		if !ok {
			b = s.pieces.MissingBlocks(i)
			missing[i] = b
		}
		return b
	}

	var out []Request
	for _, p := range s.rank(peers) {
		if p.Choked {
			continue
		}

		room := s.cfg.MaxOutstandingPerPeer - s.Outstanding(p.ID)
		if room <= 0 {
			continue
		}

		room, out = s.assign(p, order, blocks, 1, math.MaxInt64, room, out)
		if room > 0 && s.cfg.DuplicateMargin > 0 && s.cfg.DuplicateBytes > 0 {
			_, out = s.assign(p, window, blocks, 1+s.cfg.DuplicateMargin, dupLimit, room, out)
		}
	}

	return out
}

func (s *Scheduler) assign(p Peer, order []int, blocks func(int) []storage.Block, copies int, limit int64, room int, out []Request) (int, []Request) {
	now := s.clock.Now()
	pl := s.t.PieceLength()

	for _, i := range order {
		if room == 0 {
			break
		}

		if !p.Bitfield.Get(i) {
			continue
		}

		for _, b := range blocks(i) {
			if room == 0 {
				break
			}

			if int64(b.Piece)*pl+int64(b.Begin) >= limit {
				break
			}

			if len(s.inflight[b]) >= copies {
				continue
			}

			if _, ok := s.byPeer[p.ID][b]; ok {
				continue
			}

			if until, ok := s.avoid[peerBlock{p.ID, b}]; ok && now.Before(until) {
				continue
			}

			out = append(out, s.add(p.ID, b))
			room--
		}
	}

	return room, out
}

// order returns the wanted pieces of the target file in the
// order they should be requested, and the in-order window
// on its own
func (s *Scheduler) order(anchor int64) (order, window []int) {
	f := s.t.Files()[s.file]
	if f.Length == 0 {
		return nil, nil
	}

	pl := s.t.PieceLength()
	want := func(i int) bool {
		return s.pieces.Status(i) < storage.Complete
	}

	from, to := 1, 0
	if anchor < f.Length {
		end := anchor + s.cfg.Lookahead
		if end > f.Length {
			end = f.Length
		}

		from = int((f.Offset + anchor) / pl)
		to = int((f.Offset + end - 1) / pl)

		for i := from; i <= to; i++ {
			if want(i) {
				window = append(window, i)
			}
		}
	}

	var rest []int
	for i := s.first; i <= s.last; i++ {
		if i >= from && i <= to {
			continue
		}

		if s.availability[i] > 0 && want(i) {
			rest = append(rest, i)
		}
	}

	sort.SliceStable(rest, func(a, b int) bool {
		return s.availability[rest[a]] < s.availability[rest[b]]
	})

	order = append(append(order, window...), rest...)
	return order, window
}

// rank orders peers by the rate we receive from them.
// Peers that leave many requests unanswered come last.
func (s *Scheduler) rank(peers []Peer) []Peer {
	out := append([]Peer(nil), peers...)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]

		if da, db := s.Deprioritized(a.ID), s.Deprioritized(b.ID); da != db {
			return db
		}

		if a.Rate != b.Rate {
			return a.Rate > b.Rate
		}

		return a.ID < b.ID
	})

	return out
}
