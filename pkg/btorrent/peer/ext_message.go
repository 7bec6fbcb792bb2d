package peer

import (
	"fmt"

	"github.com/namvu9/bencode"

	"github.com/aeoncorex/streamx/pkg/btorrent"
)

// This file contains messages needed to implement the
// extension negotiation protocol defined in BEP-10 (see
// https://www.bittorrent.org/beps/bep_0010.html)

// Extension message IDs. These are local to this client:
// peers address our extensions with these codes, and we
// address theirs with the codes from their handshake.
const (
	EXT_CODE_HANDSHAKE = 0
	EXT_CODE_PEX       = 1
	EXT_CODE_META      = 2
)

const (
	EXT_UT_META      = "ut_metadata"
	EXT_UT_PEX       = "ut_pex"
	EXT_UT_META_SIZE = "metadata_size"
)

// ExtHandshakeMsg represents the extended handshake
// message defined in BEP-10 and is used to dynamically
// negotiate extensions to the BitTorrent protocol between
// the client and peer
type ExtHandshakeMsg struct {
	d bencode.Dictionary
}

// NewExtHandshake returns the handshake this client sends.
// metadataSize is omitted while the info dict is unknown.
func NewExtHandshake(client string, metadataSize int) *ExtHandshakeMsg {
	msg := new(ExtHandshakeMsg)
	msg.M().SetStringKey(EXT_UT_META, bencode.Integer(EXT_CODE_META))
	msg.M().SetStringKey(EXT_UT_PEX, bencode.Integer(EXT_CODE_PEX))
	msg.d.SetStringKey("reqq", bencode.Integer(250))

	if client != "" {
		msg.d.SetStringKey("v", bencode.Bytes(client))
	}

	if metadataSize > 0 {
		msg.d.SetStringKey(EXT_UT_META_SIZE, bencode.Integer(metadataSize))
	}

	return msg
}

// M returns a bencoded dictionary mapping extension message
// names to integer IDs. Note that mappings are local to
// each peer and thus cannot be assumed to be valid for any
// other peer.
func (msg *ExtHandshakeMsg) M() *bencode.Dictionary {
	m, ok := msg.d.GetDict("m")
	if !ok {
		m = &bencode.Dictionary{}
		msg.d.SetStringKey("m", m)
	}

	return m
}

// D returns the top-level bencoded dictionary that makes up
// the payload of the handshake message.
func (msg *ExtHandshakeMsg) D() *bencode.Dictionary {
	return &msg.d
}

// Code returns the id the sender assigned to extension
// name. Zero means the extension is disabled.
func (msg *ExtHandshakeMsg) Code(name string) (byte, bool) {
	code, ok := msg.M().GetInteger(name)
	if !ok || code <= 0 || code > 255 {
		return 0, false
	}

	return byte(code), true
}

func (msg *ExtHandshakeMsg) MetadataSize() (int, bool) {
	size, ok := msg.d.GetInteger(EXT_UT_META_SIZE)
	if !ok || size <= 0 {
		return 0, false
	}

	return int(size), true
}

func (msg *ExtHandshakeMsg) Client() string {
	v, _ := msg.d.GetBytes("v")
	return string(v)
}

func (msg *ExtHandshakeMsg) Bytes() []byte {
	payload, _ := bencode.Marshal(&msg.d)
	return ExtendedMessage{Code: EXT_CODE_HANDSHAKE, Payload: payload}.Bytes()
}

// UnmarshalExtMessage decodes the payload of an extended
// message addressed to one of our local extension codes
func UnmarshalExtMessage(code byte, data []byte) (Message, error) {
	switch code {
	case EXT_CODE_HANDSHAKE:
		return unmarshalExtHandshakeMsg(data)
	case EXT_CODE_META:
		return unmarshalMetaMsg(data)
	case EXT_CODE_PEX:
		return unmarshalPexMsg(data)
	}

	return ExtendedMessage{Code: code, Payload: data}, nil
}

func unmarshalExtHandshakeMsg(data []byte) (*ExtHandshakeMsg, error) {
	var msg ExtHandshakeMsg

	d, _, err := btorrent.UnmarshalDict(data)
	if err != nil {
		return nil, err
	}

	msg.d = *d
	if _, ok := d.GetDict("m"); !ok {
		return nil, fmt.Errorf("extension handshake without 'm' dictionary")
	}

	return &msg, nil
}
