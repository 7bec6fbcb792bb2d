// Package streamx streams the largest file of a torrent while
// it downloads. An Engine joins the swarm of a magnet link,
// fetches the file from its start onward and reports Ready as
// soon as enough of it is on disk for a player to begin.
package streamx

import (
	"os"
	"path/filepath"
	"time"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/internal/swarm"
)

// DefaultTrackers are announced to when a magnet link names
// no tracker
var DefaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://9.rarbg.com:2810/announce",
	"udp://tracker.openbittorrent.com:80/announce",
	"udp://opentracker.i2p.rocks:6969/announce",
	"http://tracker.openbittorrent.com:80/announce",
	"udp://open.demonii.com:1337/announce",
}

type Config struct {
	// Used when Start is given no save directory
	SaveDir string

	// bbolt database holding the info dicts of resolved
	// magnets. Nothing is cached when empty.
	MetaCachePath string

	// Appended to magnet links without trackers
	Trackers []string

	// Look up peers on the mainline DHT
	DHT     bool
	DHTAddr string

	// Forward the listen port on the gateway with UPnP
	UPnP bool

	// How long Stop waits for a session to release its
	// sockets and files
	StopTimeout time.Duration

	Swarm swarm.Config
}

func DefaultConfig() Config {
	sw := swarm.DefaultConfig()
	sw.ListenAddr = ":0"

	return Config{
		SaveDir:     filepath.Join(os.TempDir(), "streamx"),
		Trackers:    DefaultTrackers,
		DHT:         true,
		DHTAddr:     ":0",
		UPnP:        true,
		StopTimeout: 2 * time.Second,
		Swarm:       sw,
	}
}

var (
	ErrInvalidMagnet   = errors.InvalidMagnet
	ErrMetadataTimeout = errors.MetadataTimeout
	ErrStorage         = errors.Storage
	ErrNotYetAvailable = errors.NotYetAvailable
	ErrHashMismatch    = errors.HashMismatch

	// Returned by readers of a stream that was stopped
	ErrClosed = errors.New("stream closed")
)
