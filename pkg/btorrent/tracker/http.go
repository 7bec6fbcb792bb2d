package tracker

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"gopkg.in/resty.v1"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/pkg/btorrent"
)

const httpTimeout = 15 * time.Second

// HTTPTracker announces over HTTP(S) as described in BEP-3,
// asking for compact peer lists (BEP-23)
type HTTPTracker struct {
	u      *url.URL
	client *resty.Client
}

func NewHTTPTracker(u *url.URL) *HTTPTracker {
	client := resty.New().
		SetTimeout(httpTimeout).
		SetHeader("User-Agent", "streamx/0.1")

	return &HTTPTracker{u: u, client: client}
}

func (tr *HTTPTracker) URL() string {
	return tr.u.String()
}

func (tr *HTTPTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	var op errors.Op = "(*HTTPTracker).Announce"

	params := map[string]string{
		"info_hash":  string(req.InfoHash[:]),
		"peer_id":    string(req.PeerID[:]),
		"port":       strconv.Itoa(int(req.Port)),
		"uploaded":   strconv.FormatInt(req.Uploaded, 10),
		"downloaded": strconv.FormatInt(req.Downloaded, 10),
		"left":       strconv.FormatInt(req.Left, 10),
		"compact":    "1",
		"key":        strconv.FormatUint(uint64(req.Key), 16),
	}

	if req.NumWant >= 0 {
		params["numwant"] = strconv.Itoa(int(req.NumWant))
	}

	if ev := req.Event.String(); ev != "" {
		params["event"] = ev
	}

	resp, err := tr.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(tr.u.String())
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	if resp.StatusCode() != 200 {
		err := errors.Newf("tracker responded with status %d", resp.StatusCode())
		return nil, errors.Wrap(err, op, errors.Network)
	}

	res, err := unmarshalHTTPResponse(resp.Body())
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	return res, nil
}

func unmarshalHTTPResponse(data []byte) (*Response, error) {
	d, _, err := btorrent.UnmarshalDict(data)
	if err != nil {
		return nil, err
	}

	if reason, ok := d.GetBytes("failure reason"); ok {
		return nil, errors.Newf("tracker failure: %s", reason)
	}

	res := &Response{}

	if interval, ok := d.GetInteger("interval"); ok {
		res.Interval = time.Duration(interval) * time.Second
	}

	if floor, ok := d.GetInteger("min interval"); ok && time.Duration(floor)*time.Second > res.Interval {
		res.Interval = time.Duration(floor) * time.Second
	}

	if complete, ok := d.GetInteger("complete"); ok {
		res.Seeders = int(complete)
	}

	if incomplete, ok := d.GetInteger("incomplete"); ok {
		res.Leechers = int(incomplete)
	}

	if compact, ok := d.GetBytes("peers"); ok {
		res.Peers = parseCompactPeers(compact, net.IPv4len)
	} else if list, ok := d.GetList("peers"); ok {
		for _, v := range list {
			p, ok := v.ToDict()
			if !ok {
				continue
			}

			ip, _ := p.GetBytes("ip")
			port, _ := p.GetInteger("port")

			parsed := net.ParseIP(string(ip))
			if parsed == nil || port <= 0 || port > 65535 {
				continue
			}

			res.Peers = append(res.Peers, PeerInfo{IP: parsed, Port: uint16(port)})
		}
	}

	if compact6, ok := d.GetBytes("peers6"); ok {
		res.Peers = append(res.Peers, parseCompactPeers(compact6, net.IPv6len)...)
	}

	return res, nil
}
