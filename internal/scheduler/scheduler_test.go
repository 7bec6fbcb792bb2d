package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeoncorex/streamx/internal/scheduler"
	"github.com/aeoncorex/streamx/internal/storage"
	"github.com/aeoncorex/streamx/internal/torrenttest"
	"github.com/aeoncorex/streamx/pkg/bits"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

const (
	block       = int(size.Block)
	pieceLength = 2 * block
)

type fixture struct {
	fx    *torrenttest.Fixture
	store *storage.Store
	clock clockwork.FakeClock
	s     *scheduler.Scheduler
}

func newFixture(t *testing.T, pieces int, cfg scheduler.Config) *fixture {
	t.Helper()

	fx := torrenttest.New("movie.mkv", pieceLength, int64(pieces), torrenttest.File{Length: pieces * pieceLength})
	store := storage.New(fx.Torrent, storage.Config{Fs: afero.NewMemMapFs(), Dir: "/save"})
	require.NoError(t, store.Allocate(context.Background()))
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClock()

	return &fixture{
		fx:    fx,
		store: store,
		clock: clock,
		s:     scheduler.New(fx.Torrent, store, 0, cfg, clock),
	}
}

func config(lookahead, outstanding int) scheduler.Config {
	return scheduler.Config{
		Lookahead:             int64(lookahead * pieceLength),
		MaxOutstandingPerPeer: outstanding,
		RequestTimeout:        30 * time.Second,
		MaxUnanswered:         32,
	}
}

func have(n int, pieces ...int) bits.BitField {
	bf := bits.NewBitField(n)
	for _, i := range pieces {
		bf.Set(i)
	}
	return bf
}

func blocks(reqs []scheduler.Request, peer string) []storage.Block {
	var out []storage.Block
	for _, r := range reqs {
		if r.Peer == peer {
			out = append(out, r.Block)
		}
	}
	return out
}

func blk(piece, n int) storage.Block {
	return storage.Block{Piece: piece, Begin: n * block, Length: block}
}

func TestSequentialWindow(t *testing.T) {
	f := newFixture(t, 8, config(2, 4))

	all := bits.AllOnes(8)
	f.s.OnBitfield(all)

	reqs := f.s.Next([]scheduler.Peer{{ID: "a", Bitfield: all}})
	assert.Equal(t, []storage.Block{blk(0, 0), blk(0, 1), blk(1, 0), blk(1, 1)}, blocks(reqs, "a"))
	assert.Equal(t, 4, f.s.Outstanding("a"))
	assert.Equal(t, storage.Requested, f.store.Status(0))

	// the peer is full
	assert.Empty(t, f.s.Next([]scheduler.Peer{{ID: "a", Bitfield: all}}))
}

func TestPlayheadMovesWindow(t *testing.T) {
	f := newFixture(t, 8, config(2, 2))
	all := bits.AllOnes(8)
	f.s.OnBitfield(all)

	f.s.SetPlayhead(int64(5*pieceLength + 10))
	assert.Equal(t, int64(5*pieceLength+10), f.s.Anchor())

	reqs := f.s.Next([]scheduler.Peer{{ID: "a", Bitfield: all}})
	assert.Equal(t, []storage.Block{blk(5, 0), blk(5, 1)}, blocks(reqs, "a"))
}

func TestRarestFirstOutsideWindow(t *testing.T) {
	f := newFixture(t, 8, config(1, 4))

	a := bits.AllOnes(8)
	b := have(8, 0, 1, 2, 3)
	c := have(8, 0, 1, 2, 3, 4, 5)
	for _, bf := range []bits.BitField{a, b, c} {
		f.s.OnBitfield(bf)
	}

	assert.Equal(t, 3, f.s.Availability(0))
	assert.Equal(t, 1, f.s.Availability(7))

	reqs := f.s.Next([]scheduler.Peer{
		{ID: "c", Bitfield: c, Rate: 10},
		{ID: "a", Bitfield: a, Rate: 30},
		{ID: "b", Bitfield: b, Rate: 20},
	})

	assert.Equal(t, []storage.Block{blk(0, 0), blk(0, 1), blk(6, 0), blk(6, 1)}, blocks(reqs, "a"))
	assert.Equal(t, []storage.Block{blk(1, 0), blk(1, 1), blk(2, 0), blk(2, 1)}, blocks(reqs, "b"))
	assert.Equal(t, []storage.Block{blk(4, 0), blk(4, 1), blk(5, 0), blk(5, 1)}, blocks(reqs, "c"))

	// the fastest peer is served first
	assert.Equal(t, "a", reqs[0].Peer)
}

func TestTimeoutRequeue(t *testing.T) {
	f := newFixture(t, 8, config(8, 2))
	all := bits.AllOnes(8)
	f.s.OnBitfield(all)
	f.s.OnBitfield(all)

	peers := []scheduler.Peer{
		{ID: "a", Bitfield: all, Rate: 10},
		{ID: "b", Bitfield: all, Rate: 5},
	}

	reqs := f.s.Next(peers)
	require.Equal(t, []storage.Block{blk(0, 0), blk(0, 1)}, blocks(reqs, "a"))
	require.Equal(t, []storage.Block{blk(1, 0), blk(1, 1)}, blocks(reqs, "b"))

	f.clock.Advance(29 * time.Second)
	assert.Empty(t, f.s.Expire())

	f.clock.Advance(time.Second)
	expired := f.s.Expire()
	assert.Len(t, expired, 4)
	assert.Equal(t, 0, f.s.Outstanding("a"))
	assert.Equal(t, storage.Missing, f.store.Status(0))

	// every block is requested again from the other peer on
	// the same tick
	reqs = f.s.Next(peers)
	assert.Equal(t, []storage.Block{blk(1, 0), blk(1, 1)}, blocks(reqs, "a"))
	assert.Equal(t, []storage.Block{blk(0, 0), blk(0, 1)}, blocks(reqs, "b"))

	// a late block from the slow peer is still accepted
	assert.True(t, f.s.Requested("a", blk(0, 0)))
	assert.False(t, f.s.Requested("a", blk(3, 0)))
}

func TestTimeoutSinglePeer(t *testing.T) {
	f := newFixture(t, 2, config(2, 2))
	all := bits.AllOnes(2)
	f.s.OnBitfield(all)

	peers := []scheduler.Peer{{ID: "a", Bitfield: all}}
	require.Len(t, f.s.Next(peers), 2)

	f.clock.Advance(30 * time.Second)
	require.Len(t, f.s.Expire(), 2)

	// the peer is avoided for those blocks for another
	// timeout period
	assert.Equal(t, []storage.Block{blk(1, 0), blk(1, 1)}, blocks(f.s.Next(peers), "a"))

	f.clock.Advance(30 * time.Second)
	f.s.Expire()
	assert.NotEmpty(t, blocks(f.s.Next(peers), "a"))
}

func TestDuplicatesNearAnchor(t *testing.T) {
	cfg := config(1, 4)
	cfg.DuplicateBytes = int64(pieceLength)
	cfg.DuplicateMargin = 1

	f := newFixture(t, 1, cfg)
	all := bits.AllOnes(1)
	f.s.OnBitfield(all)
	f.s.OnBitfield(all)

	reqs := f.s.Next([]scheduler.Peer{
		{ID: "a", Bitfield: all, Rate: 2},
		{ID: "b", Bitfield: all, Rate: 1},
	})

	assert.Equal(t, []storage.Block{blk(0, 0), blk(0, 1)}, blocks(reqs, "a"))
	assert.Equal(t, []storage.Block{blk(0, 0), blk(0, 1)}, blocks(reqs, "b"))

	// no third copy
	assert.Empty(t, f.s.Next([]scheduler.Peer{{ID: "c", Bitfield: all}}))

	cancels := f.s.OnBlock("a", blk(0, 0))
	require.Len(t, cancels, 1)
	assert.Equal(t, "b", cancels[0].Peer)
	assert.Equal(t, blk(0, 0), cancels[0].Block)

	assert.Equal(t, 1, f.s.Outstanding("a"))
	assert.Equal(t, 1, f.s.Outstanding("b"))

	// b may still deliver the cancelled block
	assert.True(t, f.s.Requested("b", blk(0, 0)))
}

func TestNoDuplicatesOutsideZone(t *testing.T) {
	f := newFixture(t, 1, config(1, 4))
	all := bits.AllOnes(1)
	f.s.OnBitfield(all)

	reqs := f.s.Next([]scheduler.Peer{
		{ID: "a", Bitfield: all, Rate: 2},
		{ID: "b", Bitfield: all, Rate: 1},
	})

	assert.Len(t, blocks(reqs, "a"), 2)
	assert.Empty(t, blocks(reqs, "b"))
}

func TestPeerGone(t *testing.T) {
	f := newFixture(t, 4, config(4, 4))
	all := bits.AllOnes(4)
	f.s.OnBitfield(all)

	require.Len(t, f.s.Next([]scheduler.Peer{{ID: "a", Bitfield: all}}), 4)
	assert.Equal(t, storage.Requested, f.store.Status(1))

	f.s.OnPeerGone("a", all)
	assert.Equal(t, 0, f.s.Outstanding("a"))
	assert.Equal(t, 0, f.s.Availability(0))
	assert.Equal(t, storage.Missing, f.store.Status(0))
	assert.Equal(t, storage.Missing, f.store.Status(1))
	assert.False(t, f.s.Requested("a", blk(0, 0)))
}

func TestRejectAndChoke(t *testing.T) {
	f := newFixture(t, 2, config(2, 2))
	all := bits.AllOnes(2)
	f.s.OnBitfield(all)

	peers := []scheduler.Peer{{ID: "a", Bitfield: all}}
	require.Len(t, f.s.Next(peers), 2)

	f.s.OnReject("a", blk(0, 1))
	assert.Equal(t, 1, f.s.Outstanding("a"))

	// the rejected block goes to the next piece instead
	assert.Equal(t, []storage.Block{blk(1, 0)}, blocks(f.s.Next(peers), "a"))

	dropped := f.s.DropPeer("a")
	assert.Len(t, dropped, 2)

	choked := []scheduler.Peer{{ID: "a", Bitfield: all, Choked: true}}
	assert.Empty(t, f.s.Next(choked))
}

func TestDeprioritized(t *testing.T) {
	cfg := config(8, 4)
	cfg.MaxUnanswered = 3

	f := newFixture(t, 8, cfg)
	all := bits.AllOnes(8)
	f.s.OnBitfield(all)

	reqs := f.s.Next([]scheduler.Peer{{ID: "slow", Bitfield: all, Rate: 100}})
	require.Len(t, reqs, 4)
	assert.Equal(t, 4, f.s.Unanswered("slow"))
	assert.True(t, f.s.Deprioritized("slow"))

	f.s.DropPeer("slow")

	reqs = f.s.Next([]scheduler.Peer{
		{ID: "slow", Bitfield: all, Rate: 100},
		{ID: "fast", Bitfield: all, Rate: 1},
	})
	assert.Equal(t, "fast", reqs[0].Peer)
	assert.Equal(t, blk(0, 0), reqs[0].Block)

	f.s.OnBlock("slow", reqs[len(reqs)-1].Block)
	assert.Equal(t, 0, f.s.Unanswered("slow"))
	assert.False(t, f.s.Deprioritized("slow"))
}

func TestWanted(t *testing.T) {
	f := newFixture(t, 2, config(2, 2))

	assert.False(t, f.s.Wanted(have(2)))
	assert.True(t, f.s.Wanted(have(2, 1)))

	for _, b := range f.store.MissingBlocks(1) {
		_, err := f.store.WriteBlock(1, b.Begin, f.fx.Piece(1)[b.Begin:b.Begin+b.Length], "a")
		require.NoError(t, err)
	}

	<-f.store.Events()
	assert.False(t, f.s.Wanted(have(2, 1)))
}
