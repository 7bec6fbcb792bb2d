package peer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/pkg/bits"
)

// BitTorrent message types
const (
	Choke         byte = 0
	Unchoke       byte = 1
	Interested    byte = 2
	NotInterested byte = 3
	Have          byte = 4
	BitField      byte = 5
	Request       byte = 6
	Piece         byte = 7
	Cancel        byte = 8
	Port          byte = 9

	// Fast extension, BEP-6
	HaveAll       byte = 0x0E
	HaveNone      byte = 0x0F
	RejectRequest byte = 0x10
	AllowedFast   byte = 0x11

	Extended byte = 20
)

// MaxMessageLength bounds the length prefix of an incoming
// message. Peers sending anything larger are in violation
// of the protocol.
const MaxMessageLength = 256 * 1024

const PStr = "BitTorrent protocol"

type Message interface {
	Bytes() []byte
}

func header(buf *bytes.Buffer, length int, id byte) {
	binary.Write(buf, binary.BigEndian, uint32(length))
	buf.WriteByte(id)
}

// HandshakeMessage is the first message sent on a
// connection by both sides
type HandshakeMessage struct {
	PStr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func (m HandshakeMessage) Bytes() []byte {
	var buf bytes.Buffer

	pstr := m.PStr
	if pstr == "" {
		pstr = PStr
	}

	buf.WriteByte(byte(len(pstr)))
	buf.WriteString(pstr)
	buf.Write(m.Reserved[:])
	buf.Write(m.InfoHash[:])
	buf.Write(m.PeerID[:])

	return buf.Bytes()
}

func UnmarshalHandshake(r io.Reader, msg *HandshakeMessage) error {
	var pstrLen [1]byte
	if _, err := io.ReadFull(r, pstrLen[:]); err != nil {
		return err
	}

	if pstrLen[0] == 0 {
		return errors.Wrap(errors.New("empty protocol string"), errors.PeerProtocolViolation)
	}

	data := make([]byte, int(pstrLen[0])+48)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}

	n := int(pstrLen[0])
	msg.PStr = string(data[:n])
	copy(msg.Reserved[:], data[n:n+8])
	copy(msg.InfoHash[:], data[n+8:n+28])
	copy(msg.PeerID[:], data[n+28:])

	return nil
}

type KeepAliveMessage struct{}

func (m KeepAliveMessage) Bytes() []byte {
	return []byte{0, 0, 0, 0}
}

type ChokeMessage struct{}

func (m ChokeMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, Choke}
}

type UnchokeMessage struct{}

func (m UnchokeMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, Unchoke}
}

type InterestedMessage struct{}

func (m InterestedMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, Interested}
}

type NotInterestedMessage struct{}

func (m NotInterestedMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, NotInterested}
}

type HaveAllMessage struct{}

func (m HaveAllMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, HaveAll}
}

type HaveNoneMessage struct{}

func (m HaveNoneMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, HaveNone}
}

// HaveMessage is sent to every peer once a piece has been
// downloaded and its hash checked
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) Bytes() []byte {
	var buf bytes.Buffer

	header(&buf, 5, Have)
	binary.Write(&buf, binary.BigEndian, m.Index)

	return buf.Bytes()
}

// AllowedFastMessage tells a peer it may request the piece
// even while choked
type AllowedFastMessage struct {
	Index uint32
}

func (m AllowedFastMessage) Bytes() []byte {
	var buf bytes.Buffer

	header(&buf, 5, AllowedFast)
	binary.Write(&buf, binary.BigEndian, m.Index)

	return buf.Bytes()
}

// BitFieldMessage is only ever sent as the first message
// after the handshake. A bitfield of the wrong length, or
// with any of the spare bits set, is an error.
type BitFieldMessage struct {
	BitField bits.BitField
}

func (m BitFieldMessage) Bytes() []byte {
	var buf bytes.Buffer

	header(&buf, len(m.BitField)+1, BitField)
	buf.Write(m.BitField)

	return buf.Bytes()
}

// RequestMessage asks for Length bytes of piece Index
// starting at Offset
type RequestMessage struct {
	Index  uint32
	Offset uint32
	Length uint32
}

func (m RequestMessage) Bytes() []byte {
	return blockMessage(Request, m.Index, m.Offset, m.Length)
}

// CancelMessage has the same payload as a request and
// withdraws it
type CancelMessage struct {
	Index  uint32
	Offset uint32
	Length uint32
}

func (m CancelMessage) Bytes() []byte {
	return blockMessage(Cancel, m.Index, m.Offset, m.Length)
}

// RejectMessage tells a peer that its request will not be
// served
type RejectMessage struct {
	Index  uint32
	Offset uint32
	Length uint32
}

func (m RejectMessage) Bytes() []byte {
	return blockMessage(RejectRequest, m.Index, m.Offset, m.Length)
}

func blockMessage(id byte, index, offset, length uint32) []byte {
	var buf bytes.Buffer

	header(&buf, 13, id)
	binary.Write(&buf, binary.BigEndian, index)
	binary.Write(&buf, binary.BigEndian, offset)
	binary.Write(&buf, binary.BigEndian, length)

	return buf.Bytes()
}

// PieceMessage contains block data
type PieceMessage struct {
	Index  uint32
	Offset uint32
	Piece  []byte
}

func (m PieceMessage) Bytes() []byte {
	var buf bytes.Buffer

	header(&buf, len(m.Piece)+9, Piece)
	binary.Write(&buf, binary.BigEndian, m.Index)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	buf.Write(m.Piece)

	return buf.Bytes()
}

// PortMessage announces the port of the sender's DHT node
type PortMessage struct {
	Port uint16
}

func (m PortMessage) Bytes() []byte {
	var buf bytes.Buffer

	header(&buf, 3, Port)
	binary.Write(&buf, binary.BigEndian, m.Port)

	return buf.Bytes()
}

// ExtendedMessage is a BEP-10 message whose payload has not
// been decoded
type ExtendedMessage struct {
	Code    byte
	Payload []byte
}

func (m ExtendedMessage) Bytes() []byte {
	var buf bytes.Buffer

	header(&buf, len(m.Payload)+2, Extended)
	buf.WriteByte(m.Code)
	buf.Write(m.Payload)

	return buf.Bytes()
}

// UnknownMessage carries a message id this client does not
// implement. Such messages are ignored.
type UnknownMessage struct {
	ID      byte
	Payload []byte
}

func (m UnknownMessage) Bytes() []byte {
	var buf bytes.Buffer

	header(&buf, len(m.Payload)+1, m.ID)
	buf.Write(m.Payload)

	return buf.Bytes()
}

// ReadMessage reads one length-prefixed message from r
func ReadMessage(r io.Reader) (Message, error) {
	var op errors.Op = "peer.ReadMessage"

	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	messageLength := binary.BigEndian.Uint32(prefix[:])
	if messageLength == 0 {
		return KeepAliveMessage{}, nil
	}

	if messageLength > MaxMessageLength {
		err := errors.Newf("message length %d exceeds %d", messageLength, MaxMessageLength)
		return nil, errors.Wrap(err, op, errors.PeerProtocolViolation)
	}

	buf := make([]byte, messageLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	msg, err := UnmarshalMessage(buf[0], buf[1:])
	if err != nil {
		return nil, errors.Wrap(err, op, errors.PeerProtocolViolation)
	}

	return msg, nil
}

// UnmarshalMessage decodes the payload of a message with
// the given id
func UnmarshalMessage(id byte, payload []byte) (Message, error) {
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		if len(payload) != 0 {
			return nil, fmt.Errorf("message %d: unexpected payload of %d bytes", id, len(payload))
		}
		return simpleMessages[id], nil
	case Have:
		index, err := unmarshalIndex(payload)
		return HaveMessage{Index: index}, err
	case AllowedFast:
		index, err := unmarshalIndex(payload)
		return AllowedFastMessage{Index: index}, err
	case BitField:
		return BitFieldMessage{BitField: bits.BitField(payload)}, nil
	case Request:
		index, offset, length, err := unmarshalBlock(payload)
		return RequestMessage{index, offset, length}, err
	case Cancel:
		index, offset, length, err := unmarshalBlock(payload)
		return CancelMessage{index, offset, length}, err
	case RejectRequest:
		index, offset, length, err := unmarshalBlock(payload)
		return RejectMessage{index, offset, length}, err
	case Piece:
		return unmarshalPieceMessage(payload)
	case Port:
		if len(payload) != 2 {
			return nil, fmt.Errorf("port payload: want %d bytes got %d", 2, len(payload))
		}
		return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
	case Extended:
		if len(payload) == 0 {
			return nil, fmt.Errorf("extended message without code")
		}
		return UnmarshalExtMessage(payload[0], payload[1:])
	default:
		return UnknownMessage{ID: id, Payload: payload}, nil
	}
}

var simpleMessages = map[byte]Message{
	Choke:         ChokeMessage{},
	Unchoke:       UnchokeMessage{},
	Interested:    InterestedMessage{},
	NotInterested: NotInterestedMessage{},
	HaveAll:       HaveAllMessage{},
	HaveNone:      HaveNoneMessage{},
}

func unmarshalIndex(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("payload length, want %d but got %d", 4, len(data))
	}

	return binary.BigEndian.Uint32(data), nil
}

func unmarshalBlock(data []byte) (index, offset, length uint32, err error) {
	if got := len(data); got != 12 {
		return 0, 0, 0, fmt.Errorf("payload length, want %d but got %d", 12, got)
	}

	index = binary.BigEndian.Uint32(data[:4])
	offset = binary.BigEndian.Uint32(data[4:8])
	length = binary.BigEndian.Uint32(data[8:12])

	return index, offset, length, nil
}

func unmarshalPieceMessage(data []byte) (PieceMessage, error) {
	var msg PieceMessage

	if len(data) < 8 {
		return msg, fmt.Errorf("piece payload of %d bytes", len(data))
	}

	msg.Index = binary.BigEndian.Uint32(data[:4])
	msg.Offset = binary.BigEndian.Uint32(data[4:8])
	msg.Piece = data[8:]

	return msg, nil
}
