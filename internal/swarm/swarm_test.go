package swarm_test

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/internal/ports"
	"github.com/aeoncorex/streamx/internal/swarm"
	"github.com/aeoncorex/streamx/internal/torrenttest"
	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

const block = int(size.Block)

func testConfig(peers ...string) swarm.Config {
	cfg := swarm.DefaultConfig()
	cfg.Fs = afero.NewMemMapFs()
	cfg.Dir = "/save"
	cfg.Peers = peers
	cfg.MinPlayableBytes = int64(4 * block)
	cfg.SchedulerInterval = 20 * time.Millisecond
	cfg.StatusInterval = 20 * time.Millisecond
	cfg.MetadataTimeout = 10 * time.Second
	cfg.Scheduler.Lookahead = int64(8 * block)
	cfg.Scheduler.MaxOutstandingPerPeer = 4

	return cfg
}

type cache struct {
	mu      sync.Mutex
	entries map[[20]byte][]byte
}

func newCache() *cache {
	return &cache{entries: make(map[[20]byte][]byte)}
}

func (c *cache) Get(h [20]byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[h]
	return v, ok
}

func (c *cache) Put(h [20]byte, info []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[h] = info
	return nil
}

// run starts sw and returns a function that stops it and
// returns the result of Run
func run(t *testing.T, sw *swarm.Swarm) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sw.Run(ctx) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errc:
			case <-time.After(5 * time.Second):
				t.Error("swarm did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { stop() })

	return stop
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestStreamFromSeeders(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 1, torrenttest.File{Length: 40*block + 123})

	seeders := []*torrenttest.Seeder{
		torrenttest.NewSeeder(t, fx),
		torrenttest.NewSeeder(t, fx),
		torrenttest.NewSeeder(t, fx, torrenttest.NoMeta),
	}

	var addrs []string
	for _, s := range seeders {
		addrs = append(addrs, s.Addr())
	}

	cfg := testConfig(addrs...)
	meta := newCache()
	cfg.MetaCache = meta

	sw := swarm.New(fx.Bare(), cfg)
	stop := run(t, sw)

	waitFor(t, sw.Resolved(), "metadata")
	waitFor(t, sw.Completed(), "download")

	require.Eventually(t, func() bool {
		return sw.Status().State == swarm.Ready
	}, 5*time.Second, 10*time.Millisecond)

	st := sw.Status()
	assert.Equal(t, "movie.mkv", st.Name)
	assert.Equal(t, "movie.mkv", st.FileName)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, 41, st.VerifiedPieces)
	assert.Equal(t, int64(len(fx.Content)), st.Frontier)

	store, file := sw.Store()
	require.NotNil(t, store)
	data, err := store.ReadRange(file, 0, int64(len(fx.Content)))
	require.NoError(t, err)
	assert.Equal(t, fx.Content, data)

	path, ok := sw.FilePath()
	assert.True(t, ok)
	assert.Equal(t, "/save/movie.mkv", path)

	var served int64
	for _, s := range seeders {
		served += s.Served.Load()
	}
	assert.GreaterOrEqual(t, served, int64(41))

	assert.Len(t, sw.Peers(), 3)

	info, ok := meta.Get(fx.Torrent.InfoHash())
	assert.True(t, ok)
	assert.Equal(t, fx.Info, info)

	assert.NoError(t, stop())
	assert.Equal(t, swarm.Stopped, sw.Status().State)
}

func TestCorruptPeerBanned(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 2, torrenttest.File{Length: 60 * block})

	good := torrenttest.NewSeeder(t, fx)
	bad := torrenttest.NewSeeder(t, fx, torrenttest.Corrupt)

	cfg := testConfig(good.Addr(), bad.Addr())
	cfg.Scheduler.DuplicateMargin = 0

	sw := swarm.New(fx.Bare(), cfg)
	stop := run(t, sw)

	waitFor(t, sw.Completed(), "download")

	assert.True(t, sw.Banned(bad.Addr()))
	assert.False(t, sw.Banned(good.Addr()))
	assert.Greater(t, bad.Served.Load(), int64(0))

	for _, p := range sw.Peers() {
		assert.NotEqual(t, bad.Addr(), p.Addr)
	}

	store, file := sw.Store()
	data, err := store.ReadRange(file, 0, int64(len(fx.Content)))
	require.NoError(t, err)
	assert.Equal(t, fx.Content, data)

	assert.NotEqual(t, swarm.Error, sw.Status().State)
	assert.NoError(t, stop())
}

func TestRequestTimeoutRequeue(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 3, torrenttest.File{Length: 20 * block})

	stalled := torrenttest.NewSeeder(t, fx, torrenttest.Silent)
	good := torrenttest.NewSeeder(t, fx)

	cfg := testConfig(stalled.Addr(), good.Addr())
	cfg.Scheduler.RequestTimeout = 200 * time.Millisecond

	sw := swarm.New(fx.Bare(), cfg)
	stop := run(t, sw)

	waitFor(t, sw.Completed(), "download")
	assert.Equal(t, int64(0), stalled.Served.Load())
	assert.NoError(t, stop())
}

func TestMetadataTimeout(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 4, torrenttest.File{Length: 4 * block})

	cfg := testConfig()
	cfg.MetadataTimeout = 100 * time.Millisecond

	sw := swarm.New(fx.Bare(), cfg)
	assert.Equal(t, swarm.Idle, sw.Status().State)

	err := sw.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.MetadataTimeout))

	st := sw.Status()
	assert.Equal(t, swarm.Error, st.State)
	assert.True(t, errors.Is(st.Err, errors.MetadataTimeout))

	// a swarm runs once
	assert.True(t, errors.Is(sw.Run(context.Background()), errors.Internal))
}

// unwritableFs hands out files whose writes fail
type unwritableFs struct{ afero.Fs }

func (fs unwritableFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	return unwritableFile{f}, nil
}

type unwritableFile struct{ afero.File }

func (unwritableFile) WriteAt([]byte, int64) (int, error) {
	return 0, errors.New("no space left on device")
}

func TestWriteFailureStops(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 10, torrenttest.File{Length: 8 * block})
	seeder := torrenttest.NewSeeder(t, fx)

	cfg := testConfig(seeder.Addr())
	cfg.Fs = unwritableFs{afero.NewMemMapFs()}

	sw := swarm.New(fx.Bare(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := sw.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Storage), "got %v", err)

	st := sw.Status()
	assert.Equal(t, swarm.Error, st.State)
	assert.True(t, errors.Is(st.Err, errors.Storage))
	assert.Equal(t, 0, st.VerifiedPieces)

	select {
	case <-sw.Completed():
		t.Error("want download incomplete")
	default:
	}
}

func TestPieceFailuresFatal(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 11, torrenttest.File{Length: 8 * block})
	bad := torrenttest.NewSeeder(t, fx, torrenttest.Corrupt)

	cfg := testConfig(bad.Addr())
	cfg.MaxPieceFailures = 2
	cfg.MaxHashFailures = 1000

	sw := swarm.New(fx.Bare(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := sw.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.HashMismatch), "got %v", err)

	st := sw.Status()
	assert.Equal(t, swarm.Error, st.State)
	assert.True(t, errors.Is(st.Err, errors.HashMismatch))
	assert.False(t, sw.Banned(bad.Addr()))
}

func TestMetadataFromCache(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 5, torrenttest.File{Length: 4 * block})

	cfg := testConfig()
	cfg.MetaCache = newCache()
	cfg.MetaCache.Put(fx.Torrent.InfoHash(), fx.Info)

	sw := swarm.New(fx.Bare(), cfg)
	stop := run(t, sw)

	waitFor(t, sw.Resolved(), "metadata")
	require.Eventually(t, func() bool {
		return sw.Status().State == swarm.Downloading
	}, 5*time.Second, 10*time.Millisecond)

	store, _ := sw.Store()
	assert.NotNil(t, store)

	_, ok := sw.FilePath()
	assert.False(t, ok)

	assert.NoError(t, stop())
}

func TestRebuffer(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 6, torrenttest.File{Length: 16 * block})

	// the first half is already on disk
	content := make([]byte, len(fx.Content))
	copy(content, fx.Content[:8*block])

	cfg := testConfig()
	require.NoError(t, afero.WriteFile(cfg.Fs, "/save/movie.mkv", content, 0644))

	sw := swarm.New(fx.Torrent, cfg)
	stop := run(t, sw)

	require.Eventually(t, func() bool {
		return sw.Status().State == swarm.Ready
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(8*block), sw.Status().Frontier)

	sw.SetPlayhead(int64(8 * block))
	require.Eventually(t, func() bool {
		return sw.Status().State == swarm.Downloading
	}, 5*time.Second, 10*time.Millisecond)
	assert.Less(t, sw.Status().Progress, 100)

	// seeking back into verified data plays again
	sw.SetPlayhead(0)
	require.Eventually(t, func() bool {
		return sw.Status().State == swarm.Ready
	}, 5*time.Second, 10*time.Millisecond)

	path, ok := sw.FilePath()
	assert.True(t, ok)
	assert.Equal(t, "/save/movie.mkv", path)

	assert.NoError(t, stop())
}

func TestSeekIntoVerifiedData(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 8, torrenttest.File{Length: 16 * block})

	// the head and the second half are on disk, with a gap
	// in between
	content := make([]byte, len(fx.Content))
	copy(content, fx.Content[:4*block])
	copy(content[8*block:], fx.Content[8*block:])

	cfg := testConfig()
	require.NoError(t, afero.WriteFile(cfg.Fs, "/save/movie.mkv", content, 0644))

	sw := swarm.New(fx.Torrent, cfg)
	stop := run(t, sw)

	require.Eventually(t, func() bool {
		return sw.Status().State == swarm.Ready
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(4*block), sw.Status().Frontier)

	// past the frontier, into verified pieces
	sw.SetPlayhead(int64(9 * block))
	require.Eventually(t, func() bool {
		return sw.Status().Playhead == int64(9*block)
	}, 5*time.Second, 10*time.Millisecond)

	st := sw.Status()
	assert.Equal(t, swarm.Ready, st.State)
	assert.Equal(t, 100, st.Progress)

	// into the gap
	sw.SetPlayhead(int64(6 * block))
	require.Eventually(t, func() bool {
		return sw.Status().State == swarm.Downloading
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, sw.Status().Progress)

	// near the end less than MinPlayableBytes is left to play
	sw.SetPlayhead(int64(14 * block))
	require.Eventually(t, func() bool {
		return sw.Status().State == swarm.Ready
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoError(t, stop())
}

func TestUnrequestedBlockBans(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 7, torrenttest.File{Length: 4 * block})
	rogue := torrenttest.NewSeeder(t, fx, torrenttest.Unsolicited)

	sw := swarm.New(fx.Bare(), testConfig(rogue.Addr()))
	stop := run(t, sw)

	require.Eventually(t, func() bool {
		return sw.Banned(rogue.Addr())
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoError(t, stop())
}

type gateway struct {
	mu        sync.Mutex
	forwarded []uint16
	cleared   []uint16
}

func (g *gateway) Forward(port uint16, desc string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forwarded = append(g.forwarded, port)
	return nil
}

func (g *gateway) Clear(port uint16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = append(g.cleared, port)
	return nil
}

func (g *gateway) mappings() ([]uint16, []uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint16(nil), g.forwarded...), append([]uint16(nil), g.cleared...)
}

func TestServeIncoming(t *testing.T) {
	fx := torrenttest.New("movie.mkv", block, 8, torrenttest.File{Length: 4*block + 10})

	gw := &gateway{}
	cfg := testConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Ports = ports.NewService(func(context.Context) (ports.Gateway, error) {
		return gw, nil
	})
	require.NoError(t, afero.WriteFile(cfg.Fs, "/save/movie.mkv", fx.Content, 0644))

	sw := swarm.New(fx.Torrent, cfg)
	stop := run(t, sw)

	require.Eventually(t, func() bool {
		store, _ := sw.Store()
		return sw.Addr() != nil && store != nil
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := peer.Dial(ctx, sw.Addr().String(), peer.DialConfig{
		InfoHash:   fx.Torrent.InfoHash(),
		PeerID:     peer.NewPeerID(),
		Extensions: peer.NewExtensions(peer.EXT_PROT, peer.EXT_FAST),
	})
	require.NoError(t, err)
	defer p.Close()

	receive := func(match func(peer.Message) bool) peer.Message {
		t.Helper()
		for {
			msg, err := p.Receive(5 * time.Second)
			require.NoError(t, err)
			if match(msg) {
				return msg
			}
		}
	}

	msg := receive(func(m peer.Message) bool { _, ok := m.(*peer.ExtHandshakeMsg); return ok })
	hs := msg.(*peer.ExtHandshakeMsg)
	metaSize, ok := hs.MetadataSize()
	require.True(t, ok)
	assert.Equal(t, len(fx.Info), metaSize)
	metaCode, ok := hs.Code(peer.EXT_UT_META)
	require.True(t, ok)

	receive(func(m peer.Message) bool { _, ok := m.(peer.HaveAllMessage); return ok })

	require.NoError(t, p.Send(peer.NewExtHandshake("leecher", 0)))
	require.NoError(t, p.Send(peer.InterestedMessage{}))
	receive(func(m peer.Message) bool { _, ok := m.(peer.UnchokeMessage); return ok })

	require.NoError(t, p.Send(peer.RequestMessage{Index: 4, Offset: 0, Length: 10}))
	msg = receive(func(m peer.Message) bool { _, ok := m.(peer.PieceMessage); return ok })
	assert.Equal(t, fx.Content[4*block:], msg.(peer.PieceMessage).Piece)

	require.NoError(t, p.Send(peer.MetaMessage{Code: metaCode, Type: peer.META_REQUEST, Piece: 0}))
	msg = receive(func(m peer.Message) bool { _, ok := m.(peer.MetaMessage); return ok })
	meta := msg.(peer.MetaMessage)
	assert.Equal(t, peer.META_DATA, meta.Type)
	assert.Equal(t, fx.Info, meta.Data)

	assert.Eventually(t, func() bool {
		return sw.Status().Peers == 1
	}, 5*time.Second, 10*time.Millisecond)

	// the listen port is mapped on the gateway while running
	port := uint16(sw.Addr().(*net.TCPAddr).Port)
	require.Eventually(t, func() bool {
		forwarded, _ := gw.mappings()
		return len(forwarded) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoError(t, stop())

	forwarded, cleared := gw.mappings()
	assert.Equal(t, []uint16{port}, forwarded)
	assert.Equal(t, []uint16{port}, cleared)
}

func TestBoundedNet(t *testing.T) {
	var ends []net.Conn
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		a, b := net.Pipe()
		ends = append(ends, b)
		return a, nil
	}
	defer func() {
		for _, c := range ends {
			c.Close()
		}
	}()

	bn := swarm.NewBoundedNet(2, dial)

	c1, err := bn.Dial(context.Background(), "tcp", "a")
	require.NoError(t, err)
	_, err = bn.Dial(context.Background(), "tcp", "b")
	require.NoError(t, err)

	_, err = bn.Dial(context.Background(), "tcp", "c")
	assert.True(t, errors.Is(err, errors.Network))
	assert.Equal(t, 2, bn.Open())

	c1.Close()
	c1.Close()
	assert.Equal(t, 1, bn.Open())

	_, err = bn.Dial(context.Background(), "tcp", "c")
	assert.NoError(t, err)
}
