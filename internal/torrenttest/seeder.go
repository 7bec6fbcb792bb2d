package torrenttest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

// Seeder is a peer on a loopback port holding the whole
// torrent. It serves every request it gets.
type Seeder struct {
	fx *Fixture
	ln net.Listener

	corrupt     bool
	silent      bool
	noMeta      bool
	unsolicited bool

	// Blocks sent in answer to requests
	Served *atomic.Int64

	mu    sync.Mutex
	conns []net.Conn
}

type SeederOption func(*Seeder)

// Corrupt flips a byte of every block
func Corrupt(s *Seeder) { s.corrupt = true }

// Silent unchokes but never answers requests
func Silent(s *Seeder) { s.silent = true }

// NoMeta does not serve the info dict
func NoMeta(s *Seeder) { s.noMeta = true }

// Unsolicited sends a block nobody asked for
func Unsolicited(s *Seeder) { s.unsolicited = true }

// NewSeeder starts a seeder for fx that is closed when the
// test ends
func NewSeeder(tb testing.TB, fx *Fixture, opts ...SeederOption) *Seeder {
	tb.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}

	s := &Seeder{fx: fx, ln: ln, Served: atomic.NewInt64(0)}
	for _, opt := range opts {
		opt(s)
	}

	go s.accept()
	tb.Cleanup(s.Close)

	return s
}

func (s *Seeder) Addr() string {
	return s.ln.Addr().String()
}

func (s *Seeder) Close() {
	s.ln.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *Seeder) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go s.serve(conn)
	}
}

func (s *Seeder) serve(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := peer.Accept(ctx, conn, peer.DialConfig{
		InfoHash:   s.fx.Torrent.InfoHash(),
		PeerID:     peer.NewPeerID(),
		Extensions: peer.NewExtensions(peer.EXT_PROT, peer.EXT_FAST),
	}, nil)
	if err != nil {
		return
	}
	defer p.Close()

	metadataSize := len(s.fx.Info)
	if s.noMeta {
		metadataSize = 0
	}

	p.Send(peer.NewExtHandshake("seeder", metadataSize))
	p.Send(peer.HaveAllMessage{})

	if s.unsolicited {
		p.Send(peer.PieceMessage{Index: 0, Offset: 0, Piece: s.fx.Piece(0)})
	}

	var metaCode byte
	pl := int(s.fx.Torrent.PieceLength())

	for {
		msg, err := p.Receive(30 * time.Second)
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case *peer.ExtHandshakeMsg:
			metaCode, _ = m.Code(peer.EXT_UT_META)
		case peer.InterestedMessage:
			p.Send(peer.UnchokeMessage{})
		case peer.RequestMessage:
			if s.silent {
				continue
			}

			start := int(m.Index)*pl + int(m.Offset)
			block := append([]byte(nil), s.fx.Content[start:start+int(m.Length)]...)
			if s.corrupt {
				block[0] ^= 0xff
			}

			s.Served.Inc()
			p.Send(peer.PieceMessage{Index: m.Index, Offset: m.Offset, Piece: block})
		case peer.MetaMessage:
			if m.Type != peer.META_REQUEST || metaCode == 0 {
				continue
			}

			if s.noMeta {
				p.Send(peer.MetaMessage{Code: metaCode, Type: peer.META_REJECT, Piece: m.Piece})
				continue
			}

			start := m.Piece * int(size.MetadataPiece)
			end := start + int(size.MetadataPiece)
			if end > len(s.fx.Info) {
				end = len(s.fx.Info)
			}

			p.Send(peer.MetaMessage{
				Code:      metaCode,
				Type:      peer.META_DATA,
				Piece:     m.Piece,
				TotalSize: len(s.fx.Info),
				Data:      s.fx.Info[start:end],
			})
		}
	}
}
