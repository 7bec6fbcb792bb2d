package swarm

import (
	"bytes"
	"net"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

const (
	maxMetadataSize = 8 * size.MiB

	// a metadata piece not received within this time is
	// asked from another peer
	metaRequestTimeout = 10 * time.Second

	metaRequestsPerPeer = 4
	maxPexPeers         = 50
)

// metadataFetch assembles the info dict from ut_metadata
// pieces
type metadataFetch struct {
	size      int
	pieces    [][]byte
	requested []time.Time
	from      []string
	received  int
}

func newMetadataFetch(n int) *metadataFetch {
	count := peer.MetadataPieces(n)

	return &metadataFetch{
		size:      n,
		pieces:    make([][]byte, count),
		requested: make([]time.Time, count),
		from:      make([]string, count),
	}
}

func (m *metadataFetch) pieceSize(i int) int {
	if rest := m.size - i*int(size.MetadataPiece); rest < int(size.MetadataPiece) {
		return rest
	}

	return int(size.MetadataPiece)
}

// requestMetadata asks the peers that offer ut_metadata for
// the pieces of the info dict we are missing. Must be
// called with s.mu held.
func (s *Swarm) requestMetadata() {
	if s.t.HasInfo() {
		return
	}

	now := s.clock.Now()

	for _, c := range s.sortedConns() {
		if c.metaCode == 0 || c.metadataSize <= 0 || c.noMeta || c.closed() {
			continue
		}

		if s.meta == nil {
			if c.metadataSize > int(maxMetadataSize) {
				continue
			}
			s.meta = newMetadataFetch(c.metadataSize)
		}

		if c.metadataSize != s.meta.size {
			continue
		}

		var sent int
		for i := range s.meta.pieces {
			if sent == metaRequestsPerPeer {
				break
			}

			if s.meta.pieces[i] != nil || now.Sub(s.meta.requested[i]) < metaRequestTimeout {
				continue
			}

			s.meta.requested[i] = now
			s.meta.from[i] = c.Addr
			c.send(peer.MetaMessage{Code: c.metaCode, Type: peer.META_REQUEST, Piece: i})
			sent++
		}
	}
}

func (s *Swarm) onMeta(c *conn, m peer.MetaMessage) error {
	switch m.Type {
	case peer.META_REQUEST:
		s.serveMetadata(c, m.Piece)
	case peer.META_REJECT:
		c.noMeta = true
		if s.meta != nil {
			for i, from := range s.meta.from {
				if from == c.Addr && s.meta.pieces[i] == nil {
					s.meta.requested[i] = time.Time{}
				}
			}
		}
		s.requestMetadata()
	case peer.META_DATA:
		return s.onMetaData(c, m)
	}

	return nil
}

func (s *Swarm) serveMetadata(c *conn, piece int) {
	if c.metaCode == 0 {
		return
	}

	info := s.t.InfoBytes()
	if !s.t.HasInfo() || piece >= peer.MetadataPieces(len(info)) {
		c.send(peer.MetaMessage{Code: c.metaCode, Type: peer.META_REJECT, Piece: piece})
		return
	}

	start := piece * int(size.MetadataPiece)
	end := start + int(size.MetadataPiece)
	if end > len(info) {
		end = len(info)
	}

	c.send(peer.MetaMessage{
		Code:      c.metaCode,
		Type:      peer.META_DATA,
		Piece:     piece,
		TotalSize: len(info),
		Data:      info[start:end],
	})
}

func (s *Swarm) onMetaData(c *conn, m peer.MetaMessage) error {
	if s.t.HasInfo() || s.meta == nil {
		return nil
	}

	if m.TotalSize != s.meta.size || m.Piece >= len(s.meta.pieces) {
		return violation("metadata piece %d of %d bytes, want %d pieces of %d bytes", m.Piece, m.TotalSize, len(s.meta.pieces), s.meta.size)
	}

	if want := s.meta.pieceSize(m.Piece); len(m.Data) != want {
		return violation("metadata piece %d has %d bytes, want %d", m.Piece, len(m.Data), want)
	}

	if s.meta.pieces[m.Piece] == nil {
		s.meta.pieces[m.Piece] = append([]byte(nil), m.Data...)
		s.meta.from[m.Piece] = c.Addr
		s.meta.received++
	}

	if s.meta.received == len(s.meta.pieces) {
		s.completeMetadata()
	}

	return nil
}

// completeMetadata checks the assembled info dict against
// the info hash. Peers that sent a forged dict are banned.
func (s *Swarm) completeMetadata() {
	data := bytes.Join(s.meta.pieces, nil)
	senders := lo.Uniq(s.meta.from)
	s.meta = nil

	if err := s.t.SetInfo(data); err != nil {
		for _, addr := range senders {
			s.ban(addr, err)
		}
		s.requestMetadata()
		return
	}

	s.log.Info().
		Str("name", s.t.Name()).
		Int64("length", s.t.Length()).
		Int("pieces", s.t.NumPieces()).
		Strs("peers", senders).
		Msg("Metadata resolved")

	close(s.metaReady)
}

// onPex adds the peers another peer told us about
func (s *Swarm) onPex(c *conn, m peer.PexMessage) {
	added := m.Added
	if len(added) > maxPexPeers {
		added = added[:maxPexPeers]
	}

	addrs := make([]string, 0, len(added))
	for _, a := range added {
		addrs = append(addrs, a.String())
	}

	s.addCandidates("pex", addrs...)
}

// sendPex tells every peer that supports ut_pex about the
// peers we connected to or dropped since the last message
func (s *Swarm) sendPex() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live []string
	for addr, c := range s.conns {
		if !c.Incoming {
			live = append(live, addr)
		}
	}
	sort.Strings(live)

	for _, c := range s.conns {
		if c.pexCode == 0 {
			continue
		}

		var msg peer.PexMessage
		msg.Code = c.pexCode

		for _, addr := range live {
			if addr == c.Addr || c.pexSent[addr] || len(msg.Added) == maxPexPeers {
				continue
			}
			if a, err := net.ResolveTCPAddr("tcp", addr); err == nil {
				msg.Added = append(msg.Added, a)
				c.pexSent[addr] = true
			}
		}

		for addr := range c.pexSent {
			if _, ok := s.conns[addr]; ok {
				continue
			}
			delete(c.pexSent, addr)
			if a, err := net.ResolveTCPAddr("tcp", addr); err == nil && len(msg.Dropped) < maxPexPeers {
				msg.Dropped = append(msg.Dropped, a)
			}
		}

		if len(msg.Added) > 0 || len(msg.Dropped) > 0 {
			c.send(msg)
		}
	}
}

// sortedConns returns the connections in address order.
// Must be called with s.mu held.
func (s *Swarm) sortedConns() []*conn {
	out := lo.Values(s.conns)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr < out[j].Addr
	})

	return out
}
