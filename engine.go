package streamx

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"go.uber.org/atomic"

	"github.com/aeoncorex/streamx/internal/discovery"
	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/internal/metacache"
	"github.com/aeoncorex/streamx/internal/ports"
	"github.com/aeoncorex/streamx/internal/swarm"
	"github.com/aeoncorex/streamx/pkg/btorrent"
)

// Engine streams one torrent at a time. Starting another
// magnet replaces the current session.
type Engine struct {
	cfg   Config
	clock clockwork.Clock

	cur  atomic.Pointer[session]
	last atomic.Pointer[Status]

	// closed by Close
	done chan struct{}

	// serializes Start, Stop, ClearCache and Close
	mu     sync.Mutex
	cache  *metacache.Cache
	ports  ports.Service
	closed bool
}

type session struct {
	sw     *swarm.Swarm
	dir    string
	cancel context.CancelFunc

	// closed when Run returns, err is set before
	done chan struct{}
	err  error
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ended returns why a finished session stopped
func (s *session) ended() error {
	if s.err != nil {
		return s.err
	}

	return ErrClosed
}

func New(cfg Config) *Engine {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}
	if cfg.Swarm.Clock == nil {
		cfg.Swarm.Clock = clockwork.NewRealClock()
	}

	e := &Engine{
		cfg:   cfg,
		clock: cfg.Swarm.Clock,
		done:  make(chan struct{}),
	}

	if cfg.UPnP && cfg.Swarm.Ports == nil {
		e.ports = ports.NewService(nil)
	}

	return e
}

// Start begins streaming the largest file of the torrent
// behind magnet into saveDir. It returns once the session is
// started, without waiting for metadata. Starting the magnet
// that is already streaming does nothing, and any other
// stream is stopped first.
func (e *Engine) Start(magnet, saveDir string) error {
	var op errors.Op = "(*Engine).Start"

	t, err := btorrent.ParseMagnet(magnet)
	if err != nil {
		return errors.Wrap(err, op)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.Wrap(errors.New("engine closed"), op, errors.Internal)
	}

	if saveDir == "" {
		saveDir = e.cfg.SaveDir
	}

	if cur := e.cur.Load(); cur != nil {
		failed := cur.finished() || cur.sw.Status().State == Error
		if cur.sw.InfoHash() == t.InfoHash() && !failed {
			return nil
		}
		e.stop()
	}

	if len(t.Trackers()) == 0 {
		t.AddTrackers(e.cfg.Trackers...)
	}

	sw := swarm.New(t, e.swarmConfig(saveDir))
	ctx, cancel := context.WithCancel(context.Background())

	sess := &session{
		sw:     sw,
		dir:    saveDir,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sess.done)
		sess.err = sw.Run(ctx)
	}()

	e.cur.Store(sess)

	log.Info().
		Str("op", op.String()).
		Str("infohash", t.HexHash()).
		Str("session", sw.ID()).
		Str("dir", saveDir).
		Msg("Stream started")

	return nil
}

// swarmConfig must be called with e.mu held
func (e *Engine) swarmConfig(dir string) swarm.Config {
	cfg := e.cfg.Swarm
	cfg.Dir = dir

	if e.cfg.MetaCachePath != "" && e.cache == nil {
		c, err := metacache.Open(e.cfg.MetaCachePath)
		if err != nil {
			log.Warn().Err(err).Str("path", e.cfg.MetaCachePath).Msg("Metadata cache unavailable")
		} else {
			e.cache = c
		}
	}
	if e.cache != nil && cfg.MetaCache == nil {
		cfg.MetaCache = e.cache
	}

	if e.ports != nil {
		cfg.Ports = e.ports
	}

	cfg.Sources = append([]swarm.Source(nil), cfg.Sources...)
	if e.cfg.DHT {
		cfg.Sources = append(cfg.Sources, discovery.New(discovery.Config{
			Addr:  e.cfg.DHTAddr,
			Clock: cfg.Clock,
		}))
	}

	return cfg
}

// Stop ends the current stream and releases its sockets and
// files. It is safe to call at any time, more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stop()
}

// stop must be called with e.mu held
func (e *Engine) stop() {
	sess := e.cur.Load()
	if sess == nil {
		return
	}

	sess.cancel()

	timer := e.clock.NewTimer(e.cfg.StopTimeout)
	select {
	case <-sess.done:
		timer.Stop()
	case <-timer.Chan():
		log.Warn().
			Str("session", sess.sw.ID()).
			Dur("timeout", e.cfg.StopTimeout).
			Msg("Stream did not stop in time")
	}

	st := Status{sess.sw.Status()}
	st.State = Stopped
	st.FilePath = ""
	st.Updated = e.clock.Now()

	e.last.Store(&st)
	e.cur.Store(nil)

	log.Info().Str("session", sess.sw.ID()).Msg("Stream stopped")
}

// Status returns the latest snapshot of the stream without
// blocking
func (e *Engine) Status() Status {
	if sess := e.cur.Load(); sess != nil {
		return Status{sess.sw.Status()}
	}

	if st := e.last.Load(); st != nil {
		return *st
	}

	return Status{}
}

// FilePath returns where the streamed file is written once
// it is playable
func (e *Engine) FilePath() (string, bool) {
	sess := e.cur.Load()
	if sess == nil {
		return "", false
	}

	if sess.sw.Status().State == Error {
		return "", false
	}

	return sess.sw.FilePath()
}

// Statuses delivers the latest status whenever it changes
// until ctx is done or the engine is closed
func (e *Engine) Statuses(ctx context.Context) <-chan Status {
	interval := e.cfg.Swarm.StatusInterval
	if interval <= 0 {
		interval = swarm.DefaultConfig().StatusInterval
	}

	out := make(chan Status)

	go func() {
		defer close(out)

		ticker := e.clock.NewTicker(interval)
		defer ticker.Stop()

		var (
			first   = true
			state   State
			updated time.Time
		)

		for {
			st := e.Status()
			if first || st.State != state || !st.Updated.Equal(updated) {
				select {
				case out <- st:
				case <-ctx.Done():
					return
				case <-e.done:
					return
				}

				first, state, updated = false, st.State, st.Updated
			}

			select {
			case <-ticker.Chan():
			case <-ctx.Done():
				return
			case <-e.done:
				return
			}
		}
	}()

	return out
}

// NewReader returns a reader over the streamed file. Reads
// block until the bytes they need are verified.
func (e *Engine) NewReader() (*Reader, error) {
	var op errors.Op = "(*Engine).NewReader"

	sess := e.cur.Load()
	if sess == nil {
		return nil, errors.Wrap(errors.New("no stream running"), op, errors.NotYetAvailable)
	}

	return newReader(sess), nil
}

// ClearCache deletes dir, or the default save directory when
// dir is empty. A directory holding the running stream is
// left alone.
func (e *Engine) ClearCache(dir string) error {
	var op errors.Op = "(*Engine).ClearCache"

	if dir == "" {
		dir = e.cfg.SaveDir
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if sess := e.cur.Load(); sess != nil && !sess.finished() && within(sess.dir, dir) {
		err := errors.Newf("%s holds the running stream", dir)
		return errors.Wrap(err, op, errors.BadArgument)
	}

	fs := e.cfg.Swarm.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if err := fs.RemoveAll(dir); err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	log.Info().Str("dir", dir).Msg("Cache cleared")

	return nil
}

// Close stops the stream and releases the metadata cache.
// The engine cannot be started again.
func (e *Engine) Close() error {
	var op errors.Op = "(*Engine).Close"

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	e.stop()
	close(e.done)

	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			return errors.Wrap(err, op)
		}
	}

	return nil
}

// within reports whether path is dir or lies below it
func within(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
