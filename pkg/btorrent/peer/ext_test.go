package peer_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
)

func TestExtensionsReservedBits(t *testing.T) {
	ext := peer.NewExtensions(peer.EXT_PROT, peer.EXT_FAST, peer.EXT_DHT)
	reserved := ext.ReservedBytes()

	assert.Equal(t, [8]byte{0, 0, 0, 0, 0, 0x10, 0, 0x05}, reserved)

	remote := peer.NewExtensionsField(reserved)
	assert.True(t, remote.IsEnabled(peer.EXT_PROT))
	assert.True(t, remote.IsEnabled(peer.EXT_FAST))
	assert.False(t, peer.NewExtensionsField([8]byte{}).IsEnabled(peer.EXT_PROT))
}

func TestExtHandshake(t *testing.T) {
	data := peer.NewExtHandshake("streamx 0.1", 31337).Bytes()

	msg, err := peer.ReadMessage(bytes.NewReader(data))
	require.NoError(t, err)

	hs, ok := msg.(*peer.ExtHandshakeMsg)
	require.True(t, ok, "got %T", msg)

	code, ok := hs.Code(peer.EXT_UT_META)
	assert.True(t, ok)
	assert.Equal(t, byte(peer.EXT_CODE_META), code)

	size, ok := hs.MetadataSize()
	assert.True(t, ok)
	assert.Equal(t, 31337, size)
	assert.Equal(t, "streamx 0.1", hs.Client())

	_, ok = peer.NewExtHandshake("", 0).MetadataSize()
	assert.False(t, ok)
}

func TestMetaMessage(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 100)
	out := peer.MetaMessage{
		Code:      peer.EXT_CODE_META,
		Type:      peer.META_DATA,
		Piece:     1,
		TotalSize: 16484,
		Data:      payload,
	}

	msg, err := peer.ReadMessage(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)

	in, ok := msg.(peer.MetaMessage)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, peer.META_DATA, in.Type)
	assert.Equal(t, 1, in.Piece)
	assert.Equal(t, 16484, in.TotalSize)
	assert.Equal(t, payload, in.Data)

	req := peer.MetaMessage{Code: peer.EXT_CODE_META, Type: peer.META_REQUEST, Piece: 0}
	msg, err = peer.ReadMessage(bytes.NewReader(req.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, peer.META_REQUEST, msg.(peer.MetaMessage).Type)

	assert.Equal(t, 2, peer.MetadataPieces(16485))
	assert.Equal(t, 1, peer.MetadataPieces(16384))
}

func TestMetaMessageNonCanonicalHeader(t *testing.T) {
	// Out of order and repeated keys decode to a dict shorter
	// than the one sent. Data starts where the sent dict ends.
	header := "d5:piecei0e10:total_sizei3e8:msg_typei1e5:piecei0ee"
	payload := append([]byte(header), "abc"...)

	data := peer.ExtendedMessage{Code: peer.EXT_CODE_META, Payload: payload}.Bytes()
	msg, err := peer.ReadMessage(bytes.NewReader(data))
	require.NoError(t, err)

	in, ok := msg.(peer.MetaMessage)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, peer.META_DATA, in.Type)
	assert.Equal(t, 3, in.TotalSize)
	assert.Equal(t, []byte("abc"), in.Data)

	// A string claiming more bytes than were sent
	bad := peer.ExtendedMessage{Code: peer.EXT_CODE_META, Payload: []byte("d8:msg_type999999999:e")}.Bytes()
	_, err = peer.ReadMessage(bytes.NewReader(bad))
	assert.Error(t, err)
}

func TestPexMessage(t *testing.T) {
	out := peer.PexMessage{
		Code: peer.EXT_CODE_PEX,
		Added: []*net.TCPAddr{
			{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
			{IP: net.ParseIP("2001:db8::1"), Port: 51413},
		},
		Dropped: []*net.TCPAddr{{IP: net.IPv4(10, 0, 0, 2), Port: 1}},
	}

	msg, err := peer.ReadMessage(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)

	in, ok := msg.(peer.PexMessage)
	require.True(t, ok, "got %T", msg)
	require.Len(t, in.Added, 2)
	assert.Equal(t, "10.0.0.1:6881", in.Added[0].String())
	assert.Equal(t, "[2001:db8::1]:51413", in.Added[1].String())
	require.Len(t, in.Dropped, 1)
	assert.Equal(t, 1, in.Dropped[0].Port)
}

func TestClientName(t *testing.T) {
	assert.Equal(t, "qBittorrent 4.3.9", peer.ClientName([20]byte{'-', 'q', 'B', '4', '3', '9', '0', '-'}))
	assert.Equal(t, "Unknown", peer.ClientName([20]byte{}))

	id := peer.NewPeerID()
	assert.Equal(t, "streamx 0.1.0", peer.ClientName(id))
}

func TestDialAccept(t *testing.T) {
	client, server := net.Pipe()
	infoHash := [20]byte{0xde, 0xad}

	cfg := peer.DialConfig{
		InfoHash:   infoHash,
		PeerID:     peer.NewPeerID(),
		Extensions: peer.NewExtensions(peer.EXT_PROT),
		Timeout:    time.Second,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return client, nil
		},
	}

	accepted := make(chan *peer.Peer, 1)
	go func() {
		remoteCfg := cfg
		remoteCfg.PeerID = [20]byte{'-', 'T', 'R', '3', '0', '0', '0', '-'}
		remoteCfg.Extensions = peer.NewExtensions(peer.EXT_FAST)

		p, err := peer.Accept(context.Background(), server, remoteCfg, func(h [20]byte) bool {
			return h == infoHash
		})
		if err != nil {
			t.Error(err)
		}
		accepted <- p
	}()

	p, err := peer.Dial(context.Background(), "pipe", cfg)
	require.NoError(t, err)
	defer p.Close()

	remote := <-accepted
	require.NotNil(t, remote)
	defer remote.Close()

	assert.Equal(t, "Transmission 3.0.0", p.Client())
	assert.True(t, p.SupportsFast())
	assert.False(t, p.SupportsExtended())
	assert.True(t, remote.SupportsExtended())

	go remote.Send(peer.HaveMessage{Index: 7})

	msg, err := p.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, peer.HaveMessage{Index: 7}, msg)
}

func TestDialWrongInfoHash(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		var hs peer.HandshakeMessage
		peer.UnmarshalHandshake(server, &hs)
		server.Write(peer.HandshakeMessage{InfoHash: [20]byte{9}}.Bytes())
	}()

	_, err := peer.Dial(context.Background(), "pipe", peer.DialConfig{
		InfoHash: [20]byte{1},
		Timeout:  time.Second,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return client, nil
		},
	})

	assert.True(t, errors.Is(err, errors.PeerProtocolViolation), "got %v", err)
}
