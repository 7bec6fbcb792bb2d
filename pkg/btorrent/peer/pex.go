package peer

import (
	"encoding/binary"
	"net"

	"github.com/namvu9/bencode"

	"github.com/aeoncorex/streamx/pkg/btorrent"
)

// PexMessage is a ut_pex peer exchange message carrying
// compact addresses of peers the sender connected to or
// dropped since its last message
type PexMessage struct {
	Code    byte
	Added   []*net.TCPAddr
	Dropped []*net.TCPAddr
}

func (msg PexMessage) Bytes() []byte {
	var d bencode.Dictionary

	added4, added6 := compactAddrs(msg.Added)
	dropped4, dropped6 := compactAddrs(msg.Dropped)

	d.SetStringKey("added", bencode.Bytes(added4))
	d.SetStringKey("dropped", bencode.Bytes(dropped4))
	if len(added6) > 0 {
		d.SetStringKey("added6", bencode.Bytes(added6))
	}
	if len(dropped6) > 0 {
		d.SetStringKey("dropped6", bencode.Bytes(dropped6))
	}

	payload, _ := bencode.Marshal(&d)
	return ExtendedMessage{Code: msg.Code, Payload: payload}.Bytes()
}

func unmarshalPexMsg(data []byte) (Message, error) {
	d, _, err := btorrent.UnmarshalDict(data)
	if err != nil {
		return nil, err
	}

	msg := PexMessage{Code: EXT_CODE_PEX}

	for _, key := range []string{"added", "added6"} {
		b, _ := d.GetBytes(key)
		msg.Added = append(msg.Added, ParseCompactAddrs(b, key == "added6")...)
	}

	for _, key := range []string{"dropped", "dropped6"} {
		b, _ := d.GetBytes(key)
		msg.Dropped = append(msg.Dropped, ParseCompactAddrs(b, key == "dropped6")...)
	}

	return msg, nil
}

// ParseCompactAddrs decodes a list of compact peer
// addresses: 4 (or 16) bytes of IP followed by a 2-byte
// port, in network order. A trailing partial entry is
// ignored.
func ParseCompactAddrs(data []byte, ipv6 bool) []*net.TCPAddr {
	ipLen := net.IPv4len
	if ipv6 {
		ipLen = net.IPv6len
	}

	var out []*net.TCPAddr
	for len(data) >= ipLen+2 {
		ip := make(net.IP, ipLen)
		copy(ip, data[:ipLen])

		out = append(out, &net.TCPAddr{
			IP:   ip,
			Port: int(binary.BigEndian.Uint16(data[ipLen : ipLen+2])),
		})

		data = data[ipLen+2:]
	}

	return out
}

func compactAddrs(addrs []*net.TCPAddr) (v4, v6 []byte) {
	var port [2]byte
	for _, addr := range addrs {
		binary.BigEndian.PutUint16(port[:], uint16(addr.Port))

		if ip := addr.IP.To4(); ip != nil {
			v4 = append(v4, ip...)
			v4 = append(v4, port[:]...)
			continue
		}

		if ip := addr.IP.To16(); ip != nil {
			v6 = append(v6, ip...)
			v6 = append(v6, port[:]...)
		}
	}

	return v4, v6
}
