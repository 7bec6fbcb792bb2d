package tracker

import (
	"context"
	"math"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/aeoncorex/streamx/internal/errors"
)

// Announce events
type Event uint32

const (
	None Event = iota
	Completed
	Started
	Stopped
)

func (e Event) String() string {
	switch e {
	case Completed:
		return "completed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return ""
	}
}

const (
	minInterval   = 30 * time.Second
	maxRetryDelay = 30 * time.Minute
	retryDelay    = 15 * time.Second
)

type Tracker interface {
	Announce(context.Context, Request) (*Response, error)
	URL() string
}

type Request struct {
	InfoHash [20]byte
	PeerID   [20]byte

	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      Event
	Key        uint32
	NumWant    int32 // -1 lets the tracker decide
	Port       uint16
}

type Response struct {
	Interval time.Duration
	Seeders  int
	Leechers int
	Peers    []PeerInfo
}

type PeerInfo struct {
	IP   net.IP
	Port uint16
}

func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

func NewRequest(hash [20]byte, port uint16, peerID [20]byte) Request {
	return Request{
		NumWant:  -1,
		PeerID:   peerID,
		InfoHash: hash,
		Port:     port,
	}
}

type Stat struct {
	URL          string
	Seeders      int
	Leechers     int
	Peers        int
	NextAnnounce time.Time
	Err          error
}

type entry struct {
	Tracker

	nextAnnounce time.Time
	failures     int
	stat         Stat
}

func (e *entry) scheduleRetry(now time.Time, err error) {
	delay := time.Duration(float64(retryDelay) * math.Pow(2, float64(e.failures)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	e.failures++
	e.nextAnnounce = now.Add(delay)
	e.stat.Err = err
	e.stat.NextAnnounce = e.nextAnnounce
}

func (e *entry) scheduleNext(now time.Time, res *Response) {
	interval := res.Interval
	if interval < minInterval {
		interval = minInterval
	}

	e.failures = 0
	e.nextAnnounce = now.Add(interval)
	e.stat = Stat{
		URL:          e.URL(),
		Seeders:      res.Seeders,
		Leechers:     res.Leechers,
		Peers:        len(res.Peers),
		NextAnnounce: e.nextAnnounce,
	}
}

// Group announces to a set of trackers, each on its own
// schedule
type Group struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	trackers []*entry
}

// NewGroup returns a group for the udp, http and https
// urls. Other urls are skipped.
func NewGroup(urls []string, clock clockwork.Clock) *Group {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	g := &Group{clock: clock}
	seen := make(map[string]bool)

	for _, addr := range urls {
		if seen[addr] {
			continue
		}
		seen[addr] = true

		u, err := url.Parse(addr)
		if err != nil {
			continue
		}

		var tr Tracker
		switch u.Scheme {
		case "udp":
			tr = NewUDPTracker(u)
		case "http", "https":
			tr = NewHTTPTracker(u)
		default:
			continue
		}

		g.trackers = append(g.trackers, &entry{Tracker: tr, stat: Stat{URL: addr}})
	}

	return g
}

// Add appends a tracker to the group
func (g *Group) Add(tr Tracker) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.trackers = append(g.trackers, &entry{Tracker: tr, stat: Stat{URL: tr.URL()}})
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.trackers)
}

func (g *Group) Stats() []Stat {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Stat
	for _, e := range g.trackers {
		out = append(out, e.stat)
	}

	return out
}

// Announce announces to every tracker that is due and
// returns the union of the peers they reported. Trackers
// that fail are retried with exponential backoff.
func (g *Group) Announce(ctx context.Context, req Request) []PeerInfo {
	var op errors.Op = "(*Group).Announce"

	g.mu.Lock()
	now := g.clock.Now()
	var due []*entry
	for _, e := range g.trackers {
		if req.Event == Stopped || !now.Before(e.nextAnnounce) {
			due = append(due, e)
		}
	}
	g.mu.Unlock()

	var (
		wg    sync.WaitGroup
		resCh = make(chan *Response, len(due))
	)

	for _, e := range due {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()

			res, err := e.Announce(ctx, req)

			g.mu.Lock()
			defer g.mu.Unlock()

			if err != nil {
				e.scheduleRetry(g.clock.Now(), err)
				log.Debug().
					Err(err).
					Str("op", op.String()).
					Strs("trace", errors.Ops(err)).
					Str("tracker", e.URL()).
					Msg("Announce failed")
				return
			}

			e.scheduleNext(g.clock.Now(), res)
			resCh <- res
		}(e)
	}

	wg.Wait()
	close(resCh)

	var (
		out  []PeerInfo
		seen = make(map[string]bool)
	)

	for res := range resCh {
		for _, p := range res.Peers {
			if addr := p.Addr(); !seen[addr] {
				seen[addr] = true
				out = append(out, p)
			}
		}
	}

	log.Debug().Str("op", op.String()).Int("trackers", len(due)).Int("peers", len(out)).Msg("Announced")
	return out
}

// NextAnnounce returns the earliest time at which a tracker
// of the group is due
func (g *Group) NextAnnounce() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	var next time.Time
	for i, e := range g.trackers {
		if i == 0 || e.nextAnnounce.Before(next) {
			next = e.nextAnnounce
		}
	}

	return next
}
