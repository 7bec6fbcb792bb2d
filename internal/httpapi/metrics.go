package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collector reads the engine's status on every scrape
type collector struct {
	engine Engine

	state       *prometheus.Desc
	progress    *prometheus.Desc
	frontier    *prometheus.Desc
	pieces      *prometheus.Desc
	rate        *prometheus.Desc
	transferred *prometheus.Desc
	peers       *prometheus.Desc
	seeds       *prometheus.Desc
}

func newCollector(e Engine) *collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("streamx", "", name), help, labels, nil)
	}

	return &collector{
		engine:      e,
		state:       desc("state", "Engine state code: 0 idle, 1 resolving, 2 downloading, 3 ready, 4 error."),
		progress:    desc("progress_percent", "Buffer needed for playback that is verified."),
		frontier:    desc("frontier_bytes", "Verified bytes at the start of the streamed file."),
		pieces:      desc("pieces", "Pieces of the torrent.", "status"),
		rate:        desc("rate_bytes_per_second", "Payload transfer rate.", "direction"),
		transferred: desc("transferred_bytes", "Payload bytes exchanged by the current stream.", "direction"),
		peers:       desc("peers", "Connected peers."),
		seeds:       desc("seeds", "Connected peers holding every piece."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.progress
	ch <- c.frontier
	ch <- c.pieces
	ch <- c.rate
	ch <- c.transferred
	ch <- c.peers
	ch <- c.seeds
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.engine.Status()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(c.state, float64(st.Code()))
	gauge(c.progress, float64(st.Progress))
	gauge(c.frontier, float64(st.Frontier))
	gauge(c.pieces, float64(st.VerifiedPieces), "verified")
	gauge(c.pieces, float64(st.TotalPieces), "total")
	gauge(c.rate, float64(st.DownloadRate), "down")
	gauge(c.rate, float64(st.UploadRate), "up")
	gauge(c.transferred, float64(st.Downloaded), "down")
	gauge(c.transferred, float64(st.Uploaded), "up")
	gauge(c.peers, float64(st.Peers))
	gauge(c.seeds, float64(st.Seeds))
}
