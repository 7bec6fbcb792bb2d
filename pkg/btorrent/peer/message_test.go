package peer_test

import (
	"bytes"
	"net"
	"testing"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/pkg/btorrent/peer"
)

func TestHandshakeMessage(t *testing.T) {
	msg := peer.HandshakeMessage{
		PStr:     "BitTorrent protocol",
		InfoHash: [20]byte{1, 2, 3, 4},
		PeerID:   [20]byte{4, 3, 2, 1},
		Reserved: [8]byte{1, 3, 3, 7},
	}

	res := msg.Bytes()

	if len(res) != 68 {
		t.Errorf("len(handshakeMessage) want %d got %d", 68, len(res))
	}

	if pStrLen := res[0]; pStrLen != 19 {
		t.Errorf("pstrlen want %d got %d", 19, pStrLen)
	}

	if pStr := string(res[1:20]); pStr != msg.PStr {
		t.Errorf("pstr want %s got %s ", msg.PStr, pStr)
	}

	if reserved := res[20:28]; !bytes.Equal(reserved, msg.Reserved[:]) {
		t.Errorf("Reserved want %v got %v", msg.Reserved, reserved)
	}

	if infoHash := res[28:48]; !bytes.Equal(infoHash, msg.InfoHash[:]) {
		t.Errorf("Infohash want %v got %v", msg.InfoHash, infoHash)
	}

	if peerID := res[48:68]; !bytes.Equal(peerID, msg.PeerID[:]) {
		t.Errorf("PeerID want %v got %v", msg.PeerID, peerID)
	}

	var got peer.HandshakeMessage
	if err := peer.UnmarshalHandshake(bytes.NewReader(res), &got); err != nil {
		t.Fatal(err)
	}

	if got != msg {
		t.Errorf("want %v got %v", msg, got)
	}
}

func TestMessage(t *testing.T) {
	for i, test := range []struct {
		msg       peer.Message
		wantBytes []byte
	}{
		{
			msg:       peer.KeepAliveMessage{},
			wantBytes: []byte{0, 0, 0, 0},
		},
		{
			msg:       peer.ChokeMessage{},
			wantBytes: []byte{0, 0, 0, 1, 0},
		},
		{
			msg:       peer.UnchokeMessage{},
			wantBytes: []byte{0, 0, 0, 1, 1},
		},
		{
			msg:       peer.InterestedMessage{},
			wantBytes: []byte{0, 0, 0, 1, 2},
		},
		{
			msg:       peer.NotInterestedMessage{},
			wantBytes: []byte{0, 0, 0, 1, 3},
		},
		{
			msg:       peer.HaveMessage{Index: 5},
			wantBytes: []byte{0, 0, 0, 5, 4, 0, 0, 0, 5},
		},
		{
			msg: peer.BitFieldMessage{
				BitField: []byte{1, 134, 155, 155, 0},
			},
			wantBytes: []byte{0, 0, 0, 6, 5, 1, 134, 155, 155, 0},
		},
		{
			msg: peer.RequestMessage{
				Index:  0,
				Offset: 1,
				Length: 134,
			},
			wantBytes: []byte{0, 0, 0, 13, 6, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 134},
		},
		{
			msg: peer.PieceMessage{
				Index:  0,
				Offset: 1,
				Piece:  []byte{1, 2, 3, 4, 5},
			},
			wantBytes: []byte{0, 0, 0, 14, 7, 0, 0, 0, 0, 0, 0, 0, 1, 1, 2, 3, 4, 5},
		},
		{
			msg: peer.CancelMessage{
				Index:  0,
				Offset: 1,
				Length: 134,
			},
			wantBytes: []byte{0, 0, 0, 13, 8, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 134},
		},
		{
			msg:       peer.HaveAllMessage{},
			wantBytes: []byte{0, 0, 0, 1, 0x0E},
		},
		{
			msg: peer.RejectMessage{
				Index:  2,
				Offset: 0,
				Length: 16384,
			},
			wantBytes: []byte{0, 0, 0, 13, 0x10, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0x40, 0},
		},
		{
			msg:       peer.ExtendedMessage{Code: 3, Payload: []byte("de")},
			wantBytes: []byte{0, 0, 0, 4, 20, 3, 'd', 'e'},
		},
	} {
		data := test.msg.Bytes()

		if !bytes.Equal(data, test.wantBytes) {
			t.Errorf("%d: Want %v got %v", i, test.wantBytes, data)
		}

		got, err := peer.ReadMessage(bytes.NewReader(data))
		if err != nil {
			t.Errorf("%d: %v", i, err)
			continue
		}

		if !bytes.Equal(got.Bytes(), data) {
			t.Errorf("%d: decoded message encodes to %v", i, got.Bytes())
		}
	}
}

func TestReadMessageViolations(t *testing.T) {
	for i, data := range [][]byte{
		// oversized length prefix
		{0, 0x10, 0, 0, 7},
		// have with short payload
		{0, 0, 0, 3, 4, 0, 1},
		// request with long payload
		{0, 0, 0, 14, 6, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0},
		// choke with payload
		{0, 0, 0, 2, 0, 1},
	} {
		_, err := peer.ReadMessage(bytes.NewReader(data))
		if !errors.Is(err, errors.PeerProtocolViolation) {
			t.Errorf("%d: want %s got %v", i, errors.PeerProtocolViolation, err)
		}
	}
}

func TestReadMessageSplitWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	data := peer.PieceMessage{Index: 1, Offset: 16384, Piece: bytes.Repeat([]byte{9}, 1000)}.Bytes()

	go func() {
		for i := 0; i < len(data); i += 7 {
			end := i + 7
			if end > len(data) {
				end = len(data)
			}
			server.Write(data[i:end])
		}
	}()

	msg, err := peer.ReadMessage(client)
	if err != nil {
		t.Fatal(err)
	}

	piece, ok := msg.(peer.PieceMessage)
	if !ok {
		t.Fatalf("want PieceMessage got %T", msg)
	}

	if piece.Index != 1 || piece.Offset != 16384 || len(piece.Piece) != 1000 {
		t.Errorf("unexpected piece %d/%d/%d", piece.Index, piece.Offset, len(piece.Piece))
	}
}

func TestUnknownMessageIgnored(t *testing.T) {
	msg, err := peer.ReadMessage(bytes.NewReader([]byte{0, 0, 0, 2, 99, 1}))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := msg.(peer.UnknownMessage); !ok {
		t.Errorf("want UnknownMessage got %T", msg)
	}
}
