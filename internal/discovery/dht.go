// Package discovery finds peers through the mainline DHT.
package discovery

import (
	"context"
	"net"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/aeoncorex/streamx/internal/errors"
)

type Config struct {
	// UDP address of the local node
	Addr string

	// Time between lookups of the same info hash
	Interval time.Duration

	// Nodes to join the DHT through. The public bootstrap
	// nodes are used when nil.
	Bootstrap func() ([]dht.Addr, error)

	Clock clockwork.Clock
}

func DefaultConfig() Config {
	return Config{
		Addr:     ":0",
		Interval: 5 * time.Minute,
	}
}

// DHT looks up peers for a torrent on the DHT, once when
// started and again every interval
type DHT struct {
	cfg Config
}

func New(cfg Config) *DHT {
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &DHT{cfg: cfg}
}

func (d *DHT) Name() string {
	return "dht"
}

func (d *DHT) Run(ctx context.Context, infoHash [20]byte, port uint16, found func([]string)) error {
	var op errors.Op = "(*DHT).Run"

	conn, err := net.ListenPacket("udp", d.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	sc := dht.NewDefaultServerConfig()
	sc.Conn = conn
	if d.cfg.Bootstrap != nil {
		sc.StartingNodes = d.cfg.Bootstrap
	}

	s, err := dht.NewServer(sc)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, op, errors.Network)
	}
	defer s.Close()

	log.Debug().Str("addr", conn.LocalAddr().String()).Msg("DHT node started")

	for {
		if err := d.lookup(ctx, s, infoHash, found); err != nil {
			log.Debug().Err(err).Str("op", op.String()).Msg("DHT lookup failed")
		}

		timer := d.cfg.Clock.NewTimer(d.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}
	}
}

func (d *DHT) lookup(ctx context.Context, s *dht.Server, infoHash [20]byte, found func([]string)) error {
	a, err := s.AnnounceTraversal(infoHash)
	if err != nil {
		return err
	}
	defer a.Close()

	var n int
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-a.Peers:
			if !ok {
				log.Debug().Hex("infohash", infoHash[:]).Int("peers", n).Msg("DHT lookup done")
				return nil
			}

			addrs := make([]string, 0, len(v.Peers))
			for _, p := range v.Peers {
				if p.Port != 0 {
					addrs = append(addrs, p.String())
				}
			}

			if len(addrs) > 0 {
				n += len(addrs)
				found(addrs)
			}
		}
	}
}
