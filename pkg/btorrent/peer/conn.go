package peer

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/aeoncorex/streamx/internal/errors"
)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type DialConfig struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Extensions *Extensions

	// Bounds the TCP connect and the handshake exchange
	Timeout time.Duration

	// Defaults to a net.Dialer
	Dial DialFunc
}

// Dial connects to addr and performs the handshake
func Dial(ctx context.Context, addr string, cfg DialConfig) (*Peer, error) {
	var op errors.Op = "peer.Dial"

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	dial := cfg.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	p, err := handshake(ctx, conn, cfg, true, nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, op)
	}

	return p, nil
}

// Accept performs the handshake on an incoming connection.
// The remote side speaks first; known reports whether we
// serve the info hash it asks for.
func Accept(ctx context.Context, conn net.Conn, cfg DialConfig, known func([20]byte) bool) (*Peer, error) {
	var op errors.Op = "peer.Accept"

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	p, err := handshake(ctx, conn, cfg, false, known)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, op)
	}

	return p, nil
}

func handshake(ctx context.Context, conn net.Conn, cfg DialConfig, initiator bool, known func([20]byte) bool) (*Peer, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	out := HandshakeMessage{
		PStr:     PStr,
		InfoHash: cfg.InfoHash,
		PeerID:   cfg.PeerID,
		Reserved: cfg.Extensions.ReservedBytes(),
	}

	if initiator {
		if _, err := conn.Write(out.Bytes()); err != nil {
			return nil, errors.Wrap(err, errors.Network)
		}
	}

	var in HandshakeMessage
	if err := UnmarshalHandshake(conn, &in); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.Network)
		}
		return nil, errors.Wrap(err, errors.Network)
	}

	if in.PStr != PStr {
		err := errors.Newf("got protocol %q want %q", in.PStr, PStr)
		return nil, errors.Wrap(err, errors.PeerProtocolViolation)
	}

	if initiator && !bytes.Equal(in.InfoHash[:], cfg.InfoHash[:]) {
		err := errors.Newf("peer answered for info hash %x", in.InfoHash)
		return nil, errors.Wrap(err, errors.PeerProtocolViolation)
	}

	if !initiator {
		if known != nil && !known(in.InfoHash) {
			err := errors.Newf("unknown info hash %x", in.InfoHash)
			return nil, errors.Wrap(err, errors.PeerProtocolViolation)
		}

		out.InfoHash = in.InfoHash
		if _, err := conn.Write(out.Bytes()); err != nil {
			return nil, errors.Wrap(err, errors.Network)
		}
	}

	conn.SetDeadline(time.Time{})

	return &Peer{
		Conn:         conn,
		ID:           in.PeerID,
		InfoHash:     in.InfoHash,
		Extensions:   NewExtensionsField(in.Reserved),
		WriteTimeout: 30 * time.Second,
	}, nil
}
