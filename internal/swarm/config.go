package swarm

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/aeoncorex/streamx/internal/ports"
	"github.com/aeoncorex/streamx/internal/scheduler"
	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

type Config struct {
	// Where the torrent's files are written
	Dir       string
	Fs        afero.Fs
	FreeSpace func(dir string) (uint64, error)

	PeerID [20]byte

	// Sent to peers in the extension handshake
	ClientName string

	// Address to accept peers on. Nothing is accepted when
	// empty.
	ListenAddr string

	// Forwards the listen port on the gateway when set
	Ports ports.Service

	// Addresses to dial before any tracker answers
	Peers []string

	Sources   []Source
	MetaCache MetaCache

	Clock clockwork.Clock

	// Defaults to a net.Dialer
	Dial peer.DialFunc

	// Bytes of the target file that must be verified from
	// the playhead on before the swarm reports Ready
	MinPlayableBytes int64

	MaxPeers int

	// New connections per second
	DialRate rate.Limit

	ConnectTimeout  time.Duration
	MetadataTimeout time.Duration
	KeepAlive       time.Duration
	IdleTimeout     time.Duration

	// Peers that deliver nothing for this long while we wait
	// on them are dropped if others are available
	SnubTimeout time.Duration

	ChokeInterval time.Duration
	UploadSlots   int

	SchedulerInterval time.Duration
	StatusInterval    time.Duration
	PexInterval       time.Duration

	// Peers that contributed to this many failed pieces are
	// banned
	MaxHashFailures int

	// A piece failing this many times stops the swarm
	MaxPieceFailures int

	Scheduler scheduler.Config
}

func DefaultConfig() Config {
	return Config{
		PeerID:            peer.NewPeerID(),
		ClientName:        "streamx 0.1",
		MinPlayableBytes:  int64(3 * size.MiB),
		MaxPeers:          50,
		DialRate:          10,
		ConnectTimeout:    10 * time.Second,
		MetadataTimeout:   60 * time.Second,
		KeepAlive:         60 * time.Second,
		IdleTimeout:       2 * time.Minute,
		SnubTimeout:       60 * time.Second,
		ChokeInterval:     10 * time.Second,
		UploadSlots:       4,
		SchedulerInterval: 150 * time.Millisecond,
		StatusInterval:    500 * time.Millisecond,
		PexInterval:       time.Minute,
		MaxHashFailures:   5,
		MaxPieceFailures:  10,
		Scheduler:         scheduler.DefaultConfig(),
	}
}

// withDefaults fills the zero fields of cfg
func (cfg Config) withDefaults() Config {
	def := DefaultConfig()

	if cfg.PeerID == [20]byte{} {
		cfg.PeerID = def.PeerID
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MinPlayableBytes <= 0 {
		cfg.MinPlayableBytes = def.MinPlayableBytes
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = def.MaxPeers
	}
	if cfg.DialRate <= 0 {
		cfg.DialRate = def.DialRate
	}

	durations := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&cfg.ConnectTimeout, def.ConnectTimeout},
		{&cfg.MetadataTimeout, def.MetadataTimeout},
		{&cfg.KeepAlive, def.KeepAlive},
		{&cfg.IdleTimeout, def.IdleTimeout},
		{&cfg.SnubTimeout, def.SnubTimeout},
		{&cfg.ChokeInterval, def.ChokeInterval},
		{&cfg.SchedulerInterval, def.SchedulerInterval},
		{&cfg.StatusInterval, def.StatusInterval},
		{&cfg.PexInterval, def.PexInterval},
	}
	for _, d := range durations {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}

	if cfg.UploadSlots <= 0 {
		cfg.UploadSlots = def.UploadSlots
	}
	if cfg.MaxHashFailures <= 0 {
		cfg.MaxHashFailures = def.MaxHashFailures
	}
	if cfg.MaxPieceFailures <= 0 {
		cfg.MaxPieceFailures = def.MaxPieceFailures
	}

	sc := &cfg.Scheduler
	if sc.Lookahead <= 0 {
		sc.Lookahead = def.Scheduler.Lookahead
	}
	if sc.MaxOutstandingPerPeer <= 0 {
		sc.MaxOutstandingPerPeer = def.Scheduler.MaxOutstandingPerPeer
	}
	if sc.RequestTimeout <= 0 {
		sc.RequestTimeout = def.Scheduler.RequestTimeout
	}
	if sc.MaxUnanswered <= 0 {
		sc.MaxUnanswered = def.Scheduler.MaxUnanswered
	}

	return cfg
}
