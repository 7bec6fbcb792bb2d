package storage

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/pkg/bits"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

// Status of a piece. A piece only moves forward through
// these states, except that it goes back to Missing when
// all its requests are released before any data arrived,
// or when it fails the hash check.
type Status int

const (
	Missing Status = iota
	Requested
	Downloading
	Complete
	Verified
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Downloading:
		return "downloading"
	case Complete:
		return "complete"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Block identifies a block request within a piece
type Block struct {
	Piece  int
	Begin  int
	Length int
}

func (b Block) String() string {
	return fmt.Sprintf("%d:%d+%d", b.Piece, b.Begin, b.Length)
}

type piece struct {
	status   Status
	blocks   bitmap.Bitmap
	nBlocks  int
	received int
	buf      []byte
	peers    mapset.Set
	pending  int
	failures int
}

func newPiece(nBlocks int) *piece {
	return &piece{
		blocks:  bitmap.New(nBlocks),
		nBlocks: nBlocks,
		peers:   mapset.NewSet(),
	}
}

func (p *piece) reset() {
	p.status = Missing
	p.blocks = bitmap.New(p.nBlocks)
	p.received = 0
	p.buf = nil
	p.peers.Clear()
	p.pending = 0
}

func (p *piece) contributors() []string {
	var out []string
	for _, v := range p.peers.ToSlice() {
		out = append(out, v.(string))
	}

	return out
}

func numBlocks(pieceSize int64) int {
	n := int64(size.Block)
	return int((pieceSize + n - 1) / n)
}

func (s *Store) blockLength(index, block int) int {
	pieceSize := int(s.t.PieceSize(index))
	begin := block * int(size.Block)

	if rest := pieceSize - begin; rest < int(size.Block) {
		return rest
	}

	return int(size.Block)
}

// Status returns the state of piece i
func (s *Store) Status(i int) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.pieces) {
		return Missing
	}

	return s.pieces[i].status
}

// Have reports whether piece i is verified
func (s *Store) Have(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.verified.Get(i)
}

// Bitfield returns a copy of the verified pieces
func (s *Store) Bitfield() bits.BitField {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.verified.Clone()
}

// Count returns the number of verified pieces and the
// total number of pieces
func (s *Store) Count() (verified, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nVerified, len(s.pieces)
}

// Failures returns how many times piece i failed its hash
// check
func (s *Store) Failures(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pieces[i].failures
}

// Misbehaviour returns how many pieces that failed their
// hash check peer contributed to since the last verified
// piece it contributed to
func (s *Store) Misbehaviour(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.strikes[peer]
}

// MissingBlocks returns the blocks of piece i that have not
// arrived. It is empty once the piece is complete.
func (s *Store) MissingBlocks(i int) []Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.pieces) {
		return nil
	}

	p := s.pieces[i]
	if p.status >= Complete {
		return nil
	}

	var out []Block
	for b := 0; b < p.nBlocks; b++ {
		if p.blocks.Get(b) {
			continue
		}

		out = append(out, Block{
			Piece:  i,
			Begin:  b * int(size.Block),
			Length: s.blockLength(i, b),
		})
	}

	return out
}

// MarkRequested records an outstanding request for a block
// of piece i
func (s *Store) MarkRequested(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pieces[i]
	if p.status >= Complete {
		return
	}

	p.pending++
	if p.status == Missing {
		p.status = Requested
	}
}

// Release drops an outstanding request for a block of
// piece i. A piece left without requests or data is
// Missing again.
func (s *Store) Release(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pieces[i]
	if p.pending > 0 {
		p.pending--
	}

	if p.pending == 0 && p.status == Requested {
		p.status = Missing
	}
}

// WriteBlock stores a block of piece index received from
// peer from. It returns false for blocks already present.
// Once every block of the piece is present the piece is
// queued to be checked and written to disk.
func (s *Store) WriteBlock(index, begin int, data []byte, from string) (bool, error) {
	var op errors.Op = "(*Store).WriteBlock"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errors.Wrap(errors.New("store closed"), op, errors.Storage)
	}

	if index < 0 || index >= len(s.pieces) {
		err := errors.Newf("piece index %d out of range", index)
		return false, errors.Wrap(err, op, errors.PeerProtocolViolation)
	}

	if begin < 0 || begin%int(size.Block) != 0 {
		err := errors.Newf("block offset %d of piece %d is not aligned", begin, index)
		return false, errors.Wrap(err, op, errors.PeerProtocolViolation)
	}

	block := begin / int(size.Block)
	p := s.pieces[index]

	if block >= p.nBlocks {
		err := errors.Newf("block offset %d beyond piece %d", begin, index)
		return false, errors.Wrap(err, op, errors.PeerProtocolViolation)
	}

	if want := s.blockLength(index, block); len(data) != want {
		err := errors.Newf("block %d:%d has %d bytes, want %d", index, begin, len(data), want)
		return false, errors.Wrap(err, op, errors.PeerProtocolViolation)
	}

	if p.status >= Complete || p.blocks.Get(block) {
		return false, nil
	}

	if p.buf == nil {
		p.buf = make([]byte, s.t.PieceSize(index))
	}

	copy(p.buf[begin:], data)
	p.blocks.Set(block, true)
	p.received++
	p.status = Downloading
	if from != "" {
		p.peers.Add(from)
	}

	if p.received == p.nBlocks {
		p.status = Complete
		p.pending = 0
		s.queue <- index
	}

	return true, nil
}

// markVerified must be called with s.mu held
func (s *Store) markVerified(i int) {
	p := s.pieces[i]
	p.status = Verified
	p.buf = nil
	p.pending = 0

	if !s.verified.Get(i) {
		s.verified.Set(i)
		s.nVerified++
	}

	s.advanceFrontiers()

	close(s.changed)
	s.changed = make(chan struct{})
}
