package peer

import (
	"fmt"

	"github.com/namvu9/bencode"

	"github.com/aeoncorex/streamx/pkg/btorrent"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

// ut_metadata message types, BEP-9
const (
	META_REQUEST = 0
	META_DATA    = 1
	META_REJECT  = 2
)

// MetaMessage is a ut_metadata message. Code is the id the
// receiving peer assigned to ut_metadata and is only used
// when encoding.
type MetaMessage struct {
	Code      byte
	Type      int
	Piece     int
	TotalSize int
	Data      []byte
}

func (msg MetaMessage) Bytes() []byte {
	var d bencode.Dictionary
	d.SetStringKey("msg_type", bencode.Integer(msg.Type))
	d.SetStringKey("piece", bencode.Integer(msg.Piece))
	if msg.Type == META_DATA {
		d.SetStringKey("total_size", bencode.Integer(msg.TotalSize))
	}

	payload, _ := bencode.Marshal(&d)
	if msg.Type == META_DATA {
		payload = append(payload, msg.Data...)
	}

	return ExtendedMessage{Code: msg.Code, Payload: payload}.Bytes()
}

// MetadataPieces returns the number of ut_metadata pieces
// of an info dictionary of the given size
func MetadataPieces(metadataSize int) int {
	n := int(size.MetadataPiece)
	return (metadataSize + n - 1) / n
}

func unmarshalMetaMsg(data []byte) (Message, error) {
	d, n, err := btorrent.UnmarshalDict(data)
	if err != nil {
		return nil, err
	}

	msgType, ok := d.GetInteger("msg_type")
	if !ok {
		return nil, fmt.Errorf("ut_metadata message without msg_type")
	}

	piece, ok := d.GetInteger("piece")
	if !ok || piece < 0 {
		return nil, fmt.Errorf("ut_metadata message without piece")
	}

	msg := MetaMessage{
		Code:  EXT_CODE_META,
		Type:  int(msgType),
		Piece: int(piece),
	}

	switch msgType {
	case META_REQUEST, META_REJECT:
	case META_DATA:
		total, _ := d.GetInteger("total_size")
		msg.TotalSize = int(total)

		msg.Data = data[n:]

		if len(msg.Data) > int(size.MetadataPiece) {
			return nil, fmt.Errorf("ut_metadata piece of %d bytes", len(msg.Data))
		}
	default:
		return nil, fmt.Errorf("unknown ut_metadata msg_type %d", msgType)
	}

	return msg, nil
}
