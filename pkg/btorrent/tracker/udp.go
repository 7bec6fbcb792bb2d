package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/aeoncorex/streamx/internal/errors"
)

// UDP tracker actions, BEP-15
const (
	CONNECT  uint32 = 0
	ANNOUNCE uint32 = 1
	SCRAPE   uint32 = 2
	ERROR    uint32 = 3
)

const UDP_PROTOCOL_ID = 0x41727101980

// A connection id may be reused for one minute
const connIDLifetime = time.Minute

const udpTimeout = 15 * time.Second

type UDPTracker struct {
	u *url.URL

	mu        sync.Mutex
	connID    uint64
	connIDExp time.Time
}

func NewUDPTracker(u *url.URL) *UDPTracker {
	return &UDPTracker{u: u}
}

func (tr *UDPTracker) URL() string {
	return tr.u.String()
}

// ConnectReq is the connect request of the UDP tracker
// protocol
type ConnectReq struct {
	ProtocolID uint64
	Action     uint32
	TxID       uint32
}

type ConnMessage struct {
	Action uint32
	TxID   uint32
	ConnID uint64
}

type udpAnnounceReq struct {
	ConnID     uint64
	Action     uint32
	TxID       uint32
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      uint32
	IP         uint32
	Key        uint32
	NumWant    int32
	Port       uint16
}

func newConnReq() ConnectReq {
	return ConnectReq{
		Action:     CONNECT,
		ProtocolID: UDP_PROTOCOL_ID,
		TxID:       rand.Uint32(),
	}
}

func (tr *UDPTracker) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", tr.u.Host)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(udpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	return conn, nil
}

func (tr *UDPTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	var op errors.Op = "(*UDPTracker).Announce"

	conn, err := tr.dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	connID, err := tr.connect(conn)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	ureq := udpAnnounceReq{
		ConnID:     connID,
		Action:     ANNOUNCE,
		TxID:       rand.Uint32(),
		InfoHash:   req.InfoHash,
		PeerID:     req.PeerID,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		Uploaded:   req.Uploaded,
		Event:      uint32(req.Event),
		Key:        req.Key,
		NumWant:    req.NumWant,
		Port:       req.Port,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, ureq)

	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	rcvBuf := make([]byte, 20+6*1024)
	n, err := conn.Read(rcvBuf)
	if err != nil {
		tr.expireConnID()
		return nil, errors.Wrap(err, op, errors.Network)
	}

	res, err := unmarshalAnnounceResponse(rcvBuf[:n], ureq.TxID)
	if err != nil {
		tr.expireConnID()
		return nil, errors.Wrap(err, op, errors.Network)
	}

	return res, nil
}

func (tr *UDPTracker) expireConnID() {
	tr.mu.Lock()
	tr.connIDExp = time.Time{}
	tr.mu.Unlock()
}

func (tr *UDPTracker) connect(conn net.Conn) (uint64, error) {
	var op errors.Op = "(*UDPTracker).connect"

	tr.mu.Lock()
	if time.Now().Before(tr.connIDExp) {
		id := tr.connID
		tr.mu.Unlock()
		return id, nil
	}
	tr.mu.Unlock()

	req := newConnReq()
	if err := binary.Write(conn, binary.BigEndian, req); err != nil {
		return 0, errors.Wrap(err, op, errors.Network)
	}

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, errors.Wrap(err, op, errors.Network)
	}
	if n < 16 {
		return 0, errors.Wrap(errors.Newf("connect response of %d bytes", n), op, errors.Network)
	}

	var res ConnMessage
	binary.Read(bytes.NewReader(buf), binary.BigEndian, &res)

	if err := ValidateConnection(req, res); err != nil {
		return 0, errors.Wrap(err, op)
	}

	tr.mu.Lock()
	tr.connID = res.ConnID
	tr.connIDExp = time.Now().Add(connIDLifetime)
	tr.mu.Unlock()

	return res.ConnID, nil
}

func ValidateConnection(req ConnectReq, res ConnMessage) error {
	if req.TxID != res.TxID {
		err := errors.Newf("Transaction IDs do not match: want %d got %d", req.TxID, res.TxID)
		return errors.Wrap(err, errors.Network)
	}

	if res.Action != req.Action {
		err := errors.Newf("Actions do not match: want %d got %d", req.Action, res.Action)
		return errors.Wrap(err, errors.Network)
	}

	return nil
}

func unmarshalAnnounceResponse(data []byte, txID uint32) (*Response, error) {
	if len(data) >= 8 && binary.BigEndian.Uint32(data[:4]) == ERROR {
		return nil, errors.Newf("tracker error: %s", data[8:])
	}

	if len(data) < 20 {
		return nil, errors.Newf("invalid tracker response of %d bytes", len(data))
	}

	if action := binary.BigEndian.Uint32(data[:4]); action != ANNOUNCE {
		return nil, errors.Newf("expected action %d but got %d", ANNOUNCE, action)
	}

	if got := binary.BigEndian.Uint32(data[4:8]); got != txID {
		return nil, errors.Newf("transaction IDs do not match: want %d got %d", txID, got)
	}

	res := &Response{
		Interval: time.Duration(binary.BigEndian.Uint32(data[8:12])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(data[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(data[16:20])),
	}

	res.Peers = parseCompactPeers(data[20:], net.IPv4len)

	return res, nil
}

func parseCompactPeers(data []byte, ipLen int) []PeerInfo {
	var out []PeerInfo
	for len(data) >= ipLen+2 {
		ip := make(net.IP, ipLen)
		copy(ip, data[:ipLen])

		out = append(out, PeerInfo{
			IP:   ip,
			Port: binary.BigEndian.Uint16(data[ipLen : ipLen+2]),
		})

		data = data[ipLen+2:]
	}

	return out
}
