// Package swarm runs the peer side of a stream: it finds
// and connects to peers, fetches the info dictionary when
// only the info hash is known, feeds the scheduler's
// requests to the peers and tracks whether enough of the
// target file is on disk to play.
package swarm

import (
	"context"
	"encoding/hex"
	"net"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/internal/scheduler"
	"github.com/aeoncorex/streamx/internal/storage"
	"github.com/aeoncorex/streamx/pkg/btorrent"
	"github.com/aeoncorex/streamx/pkg/btorrent/tracker"
)

const stopAnnounceTimeout = 500 * time.Millisecond

type Swarm struct {
	cfg      Config
	clock    clockwork.Clock
	log      zerolog.Logger
	id       string
	hash     [20]byte
	hexHash  string
	net      *BoundedNet
	limiter  *rate.Limiter
	trackers *tracker.Group

	// addresses that misbehaved, never dialled or accepted
	// again
	blacklist mapset.Set

	status atomic.Pointer[Status]

	// closed once the info dict is known
	metaReady chan struct{}

	// closed once the files are allocated
	allocated chan struct{}

	// closed when the target file is complete
	completed chan struct{}

	kick     chan struct{}
	dialKick chan struct{}

	wg sync.WaitGroup

	// everything below is guarded by mu, and so is t until
	// metaReady is closed
	mu         sync.Mutex
	t          *btorrent.Torrent
	running    bool
	stopping   bool
	state      State
	err        error
	everReady  bool
	complete   bool
	started    time.Time
	conns      map[string]*conn
	candidates map[string]candidate
	dialing    map[string]bool
	store      *storage.Store
	sched      *scheduler.Scheduler
	file       int
	playhead   int64
	meta       *metadataFetch
	listenAddr net.Addr
	listenPort uint16
	selfAddr   string
	optimistic string
	chokeRound int

	rate, uploadRate     float64
	downloaded, uploaded int64
}

// New returns a swarm for t. t may only know its info hash,
// in which case the info dict is fetched from peers.
func New(t *btorrent.Torrent, cfg Config) *Swarm {
	cfg = cfg.withDefaults()

	id := uuid.NewString()
	hash := t.InfoHash()

	s := &Swarm{
		cfg:        cfg,
		clock:      cfg.Clock,
		id:         id,
		hash:       hash,
		hexHash:    hex.EncodeToString(hash[:]),
		net:        NewBoundedNet(cfg.MaxPeers, cfg.Dial),
		limiter:    rate.NewLimiter(cfg.DialRate, int(cfg.DialRate)+1),
		trackers:   tracker.NewGroup(t.Trackers(), cfg.Clock),
		blacklist:  mapset.NewSet(),
		metaReady:  make(chan struct{}),
		allocated:  make(chan struct{}),
		completed:  make(chan struct{}),
		kick:       make(chan struct{}, 1),
		dialKick:   make(chan struct{}, 1),
		t:          t,
		conns:      make(map[string]*conn),
		candidates: make(map[string]candidate),
		dialing:    make(map[string]bool),
	}

	s.log = log.With().Str("torrent", s.hexHash).Str("session", id).Logger()
	s.publish()

	return s
}

// ID identifies this run of the swarm in logs
func (s *Swarm) ID() string {
	return s.id
}

func (s *Swarm) InfoHash() [20]byte {
	return s.hash
}

// Run joins the swarm and downloads the target file until
// ctx is cancelled or a fatal error occurs. It returns nil
// when stopped through ctx.
func (s *Swarm) Run(ctx context.Context) error {
	var op errors.Op = "(*Swarm).Run"

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.Wrap(errors.New("swarm already started"), op, errors.Internal)
	}
	s.running = true
	s.started = s.clock.Now()
	s.mu.Unlock()

	s.log.Info().Str("name", s.name()).Msg("Starting swarm")

	s.resolveFromCache()

	s.mu.Lock()
	if s.t.HasInfo() {
		close(s.metaReady)
	} else {
		s.state = ResolvingMetadata
	}
	s.addCandidates("static", s.cfg.Peers...)
	s.mu.Unlock()
	s.publish()

	g, ctx := errgroup.WithContext(ctx)

	if ln := s.listen(ctx); ln != nil {
		g.Go(func() error {
			return s.acceptLoop(ctx, ln)
		})
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
	}

	g.Go(func() error { return s.prepare(ctx) })
	g.Go(func() error { return s.announceLoop(ctx) })
	g.Go(func() error { return s.dialLoop(ctx) })
	g.Go(func() error { return s.tickLoop(ctx) })
	g.Go(func() error { return s.statusLoop(ctx) })

	for _, src := range s.cfg.Sources {
		src := src
		g.Go(func() error { return s.runSource(ctx, src) })
	}

	err := g.Wait()
	s.shutdown()

	if err != nil {
		s.log.Error().Err(err).Strs("trace", errors.Ops(err)).Msg("Swarm stopped")
		return errors.Wrap(err, op)
	}

	s.log.Info().Msg("Swarm stopped")
	return nil
}

// shutdown closes every connection and the store once the
// run loops have returned
func (s *Swarm) shutdown() {
	s.mu.Lock()
	s.stopping = true
	for _, c := range s.conns {
		c.close(errors.New("swarm stopping"))
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.stopAnnounce(stopAnnounceTimeout)

	s.mu.Lock()
	store := s.store
	if s.state != Error {
		s.state = Stopped
	}
	s.mu.Unlock()

	if store != nil {
		if err := store.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Closing store")
		}
	}

	if s.cfg.Ports != nil && s.listenPort != 0 {
		s.cfg.Ports.Clear(s.listenPort)
	}

	s.publish()
}

// fail moves the swarm to the Error state. The returned
// error stops Run.
func (s *Swarm) fail(err error) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.state = Error
	s.mu.Unlock()

	s.publish()
	return err
}

func (s *Swarm) listen(ctx context.Context) net.Listener {
	if s.cfg.ListenAddr == "" {
		return nil
	}

	ln, err := s.net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.log.Warn().Err(err).Str("addr", s.cfg.ListenAddr).Msg("Not accepting peers")
		return nil
	}

	s.mu.Lock()
	s.listenAddr = ln.Addr()
	s.selfAddr = ln.Addr().String()
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.listenPort = uint16(tcp.Port)
	}
	port := s.listenPort
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Accepting peers")

	if s.cfg.Ports != nil && port != 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.cfg.Ports.Forward(ctx, port); err != nil {
				s.log.Debug().Err(err).Uint16("port", port).Msg("Port not forwarded")
			}
		}()
	}

	return ln
}

// Addr returns the address peers can connect to, or nil
// when the swarm does not accept connections
func (s *Swarm) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listenAddr
}

func (s *Swarm) resolveFromCache() {
	if s.cfg.MetaCache == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.t.HasInfo() {
		return
	}

	info, ok := s.cfg.MetaCache.Get(s.hash)
	if !ok {
		return
	}

	if err := s.t.SetInfo(info); err != nil {
		s.log.Warn().Err(err).Msg("Discarding cached metadata")
		return
	}

	s.log.Info().Str("name", s.t.Name()).Msg("Metadata loaded from cache")
}

// prepare waits for the info dict, then allocates the files
// and starts downloading. It runs until ctx is done or a
// fatal error occurs.
func (s *Swarm) prepare(ctx context.Context) error {
	var op errors.Op = "(*Swarm).prepare"

	timer := s.clock.NewTimer(s.cfg.MetadataTimeout)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil
	case <-timer.Chan():
		err := errors.Newf("no metadata for %s after %s", s.hexHash, s.cfg.MetadataTimeout)
		return s.fail(errors.Wrap(err, op, errors.MetadataTimeout))
	case <-s.metaReady:
		timer.Stop()
	}

	if s.cfg.MetaCache != nil {
		if err := s.cfg.MetaCache.Put(s.hash, s.t.InfoBytes()); err != nil {
			s.log.Warn().Err(err).Msg("Caching metadata")
		}
	}

	file := s.t.LargestFile()
	store := storage.New(s.t, storage.Config{
		Fs:        s.cfg.Fs,
		Dir:       s.cfg.Dir,
		FreeSpace: s.cfg.FreeSpace,
	})

	if err := store.Allocate(ctx); err != nil {
		store.Close()
		if ctx.Err() != nil {
			return nil
		}
		return s.fail(errors.Wrap(err, op))
	}

	sched := scheduler.New(s.t, store, file, s.cfg.Scheduler, s.clock)

	s.mu.Lock()
	s.store = store
	s.sched = sched
	s.file = file
	sched.SetPlayhead(s.playhead)
	close(s.allocated)

	if s.state == Idle || s.state == ResolvingMetadata {
		s.state = Downloading
	}

	f := s.t.Files()[file]
	s.log.Info().
		Str("file", f.Path).
		Int64("length", f.Length).
		Int("pieces", s.t.NumPieces()).
		Msg("Downloading")

	for _, c := range s.conns {
		s.onTorrentReady(c)
	}

	s.checkComplete()
	s.updateState()
	s.mu.Unlock()

	s.publish()
	s.nudge(s.kick)

	return s.watch(ctx, store)
}

// watch handles the outcome of every piece check
func (s *Swarm) watch(ctx context.Context, store *storage.Store) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-store.Events():
			if err := s.onPieceEvent(ev); err != nil {
				return s.fail(err)
			}
		}
	}
}

func (s *Swarm) onPieceEvent(ev storage.Event) error {
	var op errors.Op = "(*Swarm).onPieceEvent"

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.nudge(s.kick)

	if ev.Verified {
		s.broadcastHave(ev.Piece)
		s.checkComplete()
		s.updateState()
		return nil
	}

	if errors.Is(ev.Err, errors.Storage) {
		return errors.Wrap(ev.Err, op)
	}

	failures := s.store.Failures(ev.Piece)
	s.log.Warn().
		Int("piece", ev.Piece).
		Int("failures", failures).
		Strs("peers", ev.Culprits).
		Msg("Piece failed verification")

	for _, addr := range ev.Culprits {
		if strikes := s.store.Misbehaviour(addr); strikes >= s.cfg.MaxHashFailures {
			s.ban(addr, errors.Wrap(errors.Newf("%d corrupt pieces", strikes), errors.HashMismatch))
		}
	}

	if failures >= s.cfg.MaxPieceFailures {
		err := errors.Newf("piece %d failed verification %d times", ev.Piece, failures)
		return errors.Wrap(err, op, errors.HashMismatch)
	}

	return nil
}

// ban disconnects addr and never talks to it again. Must be
// called with s.mu held.
func (s *Swarm) ban(addr string, reason error) {
	s.blacklist.Add(addr)
	delete(s.candidates, addr)

	if c, ok := s.conns[addr]; ok {
		c.close(reason)
	}

	s.log.Warn().Err(reason).Str("peer", addr).Msg("Peer banned")
}

// Banned reports whether addr was banned for misbehaving
func (s *Swarm) Banned(addr string) bool {
	return s.blacklist.Contains(addr)
}

// checkComplete closes s.completed once every piece of the
// target file is verified. Must be called with s.mu held.
func (s *Swarm) checkComplete() {
	if s.complete || s.store == nil {
		return
	}

	first, last := s.t.FilePieces(s.file)
	for i := first; i <= last; i++ {
		if !s.store.Have(i) {
			return
		}
	}

	s.complete = true
	close(s.completed)
	s.log.Info().Msg("Download complete")
}

// updateState moves between Downloading and Ready as the
// verified bytes at the playhead grow and run out.
// Must be called with s.mu held.
func (s *Swarm) updateState() {
	if s.store == nil || (s.state != Downloading && s.state != Ready) {
		return
	}

	length := s.t.Files()[s.file].Length
	frontier := s.store.CompletionFrontier(s.file)

	switch s.state {
	case Downloading:
		if s.buffered(frontier, length) {
			s.state = Ready
			s.everReady = true
			s.log.Info().Int64("frontier", frontier).Int64("playhead", s.playhead).Msg("Ready to play")
		}
	case Ready:
		_, have := s.ahead(frontier)
		if frontier < length && s.playhead < length && have == 0 {
			s.state = Downloading
			s.log.Info().Int64("frontier", frontier).Int64("playhead", s.playhead).Msg("Rebuffering")
		}
	}
}

// buffered reports whether enough is verified ahead of the
// playhead to play
func (s *Swarm) buffered(frontier, length int64) bool {
	if frontier >= length {
		return true
	}

	start, have := s.ahead(frontier)
	return have >= s.needed(start, length)
}

// ahead returns the offset playback starts from and the
// verified bytes that follow it without a gap. Until the
// first Ready that is the head of the file, afterwards the
// playhead, which may sit past the frontier after a seek.
func (s *Swarm) ahead(frontier int64) (int64, int64) {
	if !s.everReady {
		return 0, frontier
	}

	return s.playhead, s.store.Readable(s.file, s.playhead)
}

func (s *Swarm) needed(start, length int64) int64 {
	need := s.cfg.MinPlayableBytes
	if rest := length - start; rest < need {
		need = rest
	}
	if need < 0 {
		need = 0
	}

	return need
}

// SetPlayhead records the offset of the target file that
// playback has reached
func (s *Swarm) SetPlayhead(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset < 0 {
		offset = 0
	}

	s.playhead = offset
	if s.sched != nil {
		s.sched.SetPlayhead(offset)
	}

	s.updateState()
	s.nudge(s.kick)
}

// Resolved is closed once the info dict is known
func (s *Swarm) Resolved() <-chan struct{} {
	return s.metaReady
}

// Allocated is closed once Store returns the piece store
func (s *Swarm) Allocated() <-chan struct{} {
	return s.allocated
}

// Completed is closed once the target file is verified
func (s *Swarm) Completed() <-chan struct{} {
	return s.completed
}

// Store returns the piece store and the index of the target
// file, or nil before the files are allocated
func (s *Swarm) Store() (*storage.Store, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store, s.file
}

// FilePath returns where the target file is written. It is
// only known once the swarm has been Ready.
func (s *Swarm) FilePath() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil || !s.everReady {
		return "", false
	}

	return s.store.Path(s.file), true
}

// Peers returns the records of the connected peers
func (s *Swarm) Peers() []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerRecord, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.record())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr < out[j].Addr
	})

	return out
}

// Status returns the last published snapshot
func (s *Swarm) Status() Status {
	if st := s.status.Load(); st != nil {
		return *st
	}

	return Status{InfoHash: s.hexHash}
}

// name returns the torrent's display name. Must be called
// with s.mu held or before Run.
func (s *Swarm) name() string {
	return s.t.Name()
}

func (s *Swarm) nudge(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
