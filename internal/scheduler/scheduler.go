// Package scheduler decides which blocks to request from
// which peers. Pieces in a window ahead of the playback
// position are requested in order; the rest of the target
// file is requested rarest first.
package scheduler

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/aeoncorex/streamx/internal/storage"
	"github.com/aeoncorex/streamx/pkg/bits"
	"github.com/aeoncorex/streamx/pkg/btorrent"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

type Config struct {
	// Bytes past the anchor that are requested in order
	Lookahead int64

	MaxOutstandingPerPeer int

	// Blocks within DuplicateBytes of the anchor may be in
	// flight on up to 1+DuplicateMargin peers
	DuplicateBytes  int64
	DuplicateMargin int

	RequestTimeout time.Duration

	// Peers with more unanswered requests are served last
	MaxUnanswered int
}

func DefaultConfig() Config {
	return Config{
		Lookahead:             int64(16 * size.MiB),
		MaxOutstandingPerPeer: 16,
		DuplicateBytes:        int64(size.MiB),
		DuplicateMargin:       1,
		RequestTimeout:        30 * time.Second,
		MaxUnanswered:         32,
	}
}

// Pieces is the view of the piece store the scheduler
// plans against
type Pieces interface {
	Have(i int) bool
	Status(i int) storage.Status
	MissingBlocks(i int) []storage.Block
	MarkRequested(i int)
	Release(i int)
	CompletionFrontier(file int) int64
}

// Peer describes a connected peer at planning time
type Peer struct {
	ID       string
	Bitfield bits.BitField
	Choked   bool

	// Bytes per second received from the peer
	Rate float64
}

// Request is a block request assigned to a peer
type Request struct {
	Peer  string
	Block storage.Block
	Sent  time.Time
}

type peerBlock struct {
	peer  string
	block storage.Block
}

// Scheduler is not safe for concurrent use. The swarm
// calls it with its own lock held.
type Scheduler struct {
	cfg    Config
	clock  clockwork.Clock
	t      *btorrent.Torrent
	pieces Pieces

	file        int
	first, last int
	playhead    int64

	availability []int

	inflight   map[storage.Block][]*Request
	byPeer     map[string]map[storage.Block]*Request
	unanswered map[string]int

	// requests a peer timed out on or rejected, and blocks
	// it may still deliver after a cancel
	avoid map[peerBlock]time.Time
	stale map[peerBlock]time.Time
}

// New returns a scheduler for file of t
func New(t *btorrent.Torrent, pieces Pieces, file int, cfg Config, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	first, last := t.FilePieces(file)

	return &Scheduler{
		cfg:          cfg,
		clock:        clock,
		t:            t,
		pieces:       pieces,
		file:         file,
		first:        first,
		last:         last,
		availability: make([]int, t.NumPieces()),
		inflight:     make(map[storage.Block][]*Request),
		byPeer:       make(map[string]map[storage.Block]*Request),
		unanswered:   make(map[string]int),
		avoid:        make(map[peerBlock]time.Time),
		stale:        make(map[peerBlock]time.Time),
	}
}

// SetPlayhead records the offset of the target file that
// playback has reached
func (s *Scheduler) SetPlayhead(offset int64) {
	if offset < 0 {
		offset = 0
	}
	s.playhead = offset
}

func (s *Scheduler) Playhead() int64 {
	return s.playhead
}

// Anchor returns the start of the in-order window: the
// frontier or the playhead, whichever is further
func (s *Scheduler) Anchor() int64 {
	anchor := s.pieces.CompletionFrontier(s.file)
	if s.playhead > anchor {
		anchor = s.playhead
	}

	if length := s.t.Files()[s.file].Length; anchor > length {
		anchor = length
	}

	return anchor
}

// Availability returns the number of connected peers that
// have piece i
func (s *Scheduler) Availability(i int) int {
	return s.availability[i]
}

func (s *Scheduler) OnBitfield(bf bits.BitField) {
	for _, i := range bf.Ones() {
		if i < len(s.availability) {
			s.availability[i]++
		}
	}
}

func (s *Scheduler) OnHave(i int) {
	if i >= 0 && i < len(s.availability) {
		s.availability[i]++
	}
}

// OnPeerGone forgets a disconnected peer and releases its
// requests
func (s *Scheduler) OnPeerGone(peer string, bf bits.BitField) {
	for _, i := range bf.Ones() {
		if i < len(s.availability) && s.availability[i] > 0 {
			s.availability[i]--
		}
	}

	s.DropPeer(peer)
	delete(s.unanswered, peer)

	for k := range s.avoid {
		if k.peer == peer {
			delete(s.avoid, k)
		}
	}
	for k := range s.stale {
		if k.peer == peer {
			delete(s.stale, k)
		}
	}
}

// DropPeer releases every request in flight on peer, as
// when it chokes us
func (s *Scheduler) DropPeer(peer string) []Request {
	var out []Request
	for _, r := range s.byPeer[peer] {
		out = append(out, *r)
		s.remove(r)
	}

	return out
}

// Outstanding returns the number of requests in flight on
// peer
func (s *Scheduler) Outstanding(peer string) int {
	return len(s.byPeer[peer])
}

// Unanswered returns the number of requests sent to peer
// since it last delivered a block
func (s *Scheduler) Unanswered(peer string) int {
	return s.unanswered[peer]
}

// Deprioritized reports whether peer ignores too many of
// our requests
func (s *Scheduler) Deprioritized(peer string) bool {
	return s.unanswered[peer] > s.cfg.MaxUnanswered
}

// Wanted reports whether bf holds a piece of the target
// file we do not have
func (s *Scheduler) Wanted(bf bits.BitField) bool {
	for i := s.first; i <= s.last; i++ {
		if bf.Get(i) && s.pieces.Status(i) < storage.Complete {
			return true
		}
	}

	return false
}

// Requested reports whether a block from peer is one we
// asked it for
func (s *Scheduler) Requested(peer string, b storage.Block) bool {
	if _, ok := s.byPeer[peer][b]; ok {
		return true
	}

	_, ok := s.stale[peerBlock{peer, b}]
	return ok
}

// OnBlock records the arrival of b from peer and returns
// the duplicate requests for it that should be cancelled
func (s *Scheduler) OnBlock(peer string, b storage.Block) []Request {
	delete(s.stale, peerBlock{peer, b})
	s.unanswered[peer] = 0

	var cancels []Request
	for _, r := range append([]*Request(nil), s.inflight[b]...) {
		if r.Peer != peer {
			cancels = append(cancels, *r)
			s.stale[peerBlock{r.Peer, b}] = s.clock.Now().Add(s.cfg.RequestTimeout)
		}
		s.remove(r)
	}

	return cancels
}

// OnReject releases a request the peer refused to serve
func (s *Scheduler) OnReject(peer string, b storage.Block) {
	r, ok := s.byPeer[peer][b]
	if !ok {
		return
	}

	s.remove(r)
	s.avoid[peerBlock{peer, b}] = s.clock.Now().Add(s.cfg.RequestTimeout)
}

// Expire releases the requests that have been in flight for
// longer than the request timeout. The peers they were sent
// to are not asked for the same blocks again for another
// timeout period. The caller should cancel the returned
// requests.
func (s *Scheduler) Expire() []Request {
	now := s.clock.Now()

	for k, until := range s.avoid {
		if !now.Before(until) {
			delete(s.avoid, k)
		}
	}
	for k, until := range s.stale {
		if !now.Before(until) {
			delete(s.stale, k)
		}
	}

	var expired []Request
	for _, reqs := range s.byPeer {
		for _, r := range reqs {
			if now.Sub(r.Sent) >= s.cfg.RequestTimeout {
				expired = append(expired, *r)
			}
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].Sent.Before(expired[j].Sent)
	})

	for _, r := range expired {
		s.remove(s.byPeer[r.Peer][r.Block])

		key := peerBlock{r.Peer, r.Block}
		s.avoid[key] = now.Add(s.cfg.RequestTimeout)
		s.stale[key] = now.Add(s.cfg.RequestTimeout)
	}

	return expired
}

func (s *Scheduler) remove(r *Request) {
	reqs := s.byPeer[r.Peer]
	delete(reqs, r.Block)
	if len(reqs) == 0 {
		delete(s.byPeer, r.Peer)
	}

	s.inflight[r.Block] = lo.Without(s.inflight[r.Block], r)
	if len(s.inflight[r.Block]) == 0 {
		delete(s.inflight, r.Block)
	}

	s.pieces.Release(r.Block.Piece)
}

func (s *Scheduler) add(peer string, b storage.Block) Request {
	r := &Request{Peer: peer, Block: b, Sent: s.clock.Now()}

	if s.byPeer[peer] == nil {
		s.byPeer[peer] = make(map[storage.Block]*Request)
	}
	s.byPeer[peer][b] = r
	s.inflight[b] = append(s.inflight[b], r)
	s.unanswered[peer]++

	s.pieces.MarkRequested(b.Piece)

	return *r
}
