package btorrent

import (
	"encoding/base32"
	"encoding/hex"
	stdurl "net/url"
	"strings"

	"github.com/namvu9/bencode"

	"github.com/aeoncorex/streamx/internal/errors"
)

const btihPrefix = "urn:btih:"

// ParseMagnet creates a torrent from a magnet link. The
// link must carry a BitTorrent exact topic (xt) holding a
// 40-character hex or 32-character base32 info hash. The
// display name (dn) and trackers (tr) are optional.
func ParseMagnet(link string) (*Torrent, error) {
	var op errors.Op = "btorrent.ParseMagnet"

	url, err := stdurl.Parse(strings.TrimSpace(link))
	if err != nil {
		return nil, errors.Wrap(err, op, errors.InvalidMagnet)
	}

	if url.Scheme != "magnet" {
		err := errors.Newf("unsupported scheme %q", url.Scheme)
		return nil, errors.Wrap(err, op, errors.InvalidMagnet)
	}

	query := url.Query()

	hash, err := getExactTopic(query["xt"])
	if err != nil {
		return nil, errors.Wrap(err, op, errors.InvalidMagnet)
	}

	t := New(hash)
	if dn := query.Get("dn"); dn != "" {
		t.dict.SetStringKey("dn", bencode.Bytes(dn))
	}
	t.AddTrackers(getTrackers(query["tr"])...)

	return t, nil
}

func getExactTopic(topics []string) ([20]byte, error) {
	var out [20]byte

	for _, xt := range topics {
		if len(xt) < len(btihPrefix) || !strings.EqualFold(xt[:len(btihPrefix)], btihPrefix) {
			continue
		}

		urn := xt[len(btihPrefix):]

		var (
			hash []byte
			err  error
		)

		switch len(urn) {
		case 40:
			hash, err = hex.DecodeString(urn)
		case 32:
			hash, err = base32.StdEncoding.DecodeString(strings.ToUpper(urn))
		default:
			return out, errors.Newf("info hash %q has length %d", urn, len(urn))
		}

		if err != nil {
			return out, err
		}

		copy(out[:], hash)
		return out, nil
	}

	return out, errors.New("magnet link has no urn:btih exact topic")
}

func getTrackers(trs []string) []string {
	var out []string
	for _, tr := range trs {
		if tr = strings.TrimSpace(tr); tr != "" {
			out = append(out, tr)
		}
	}

	return out
}
