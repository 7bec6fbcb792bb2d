package peer

import (
	"crypto/rand"
	"fmt"
)

// Azureus-style client tags, -XXvvvv-
var clientTags = map[string]string{
	"AZ": "Vuze",
	"BC": "BitComet",
	"BT": "BitTorrent",
	"DE": "Deluge",
	"FW": "FrostWire",
	"KT": "KTorrent",
	"LT": "libtorrent",
	"lt": "libTorrent",
	"qB": "qBittorrent",
	"SX": "streamx",
	"TR": "Transmission",
	"UT": "µTorrent",
	"UW": "µTorrent Web",
	"WD": "WebTorrent Desktop",
	"WW": "WebTorrent",
	"XL": "Xunlei",
}

// ClientName returns a human readable client name derived
// from a peer id
func ClientName(id [20]byte) string {
	if id[0] == 'M' {
		return fmt.Sprintf("Mainline %s", trimVersion(id[1:8]))
	}

	if id[0] != '-' || id[7] != '-' {
		return "Unknown"
	}

	name, ok := clientTags[string(id[1:3])]
	if !ok {
		return "Unknown"
	}

	v := id[3:7]
	return fmt.Sprintf("%s %c.%c.%c", name, v[0], v[1], v[2])
}

func trimVersion(b []byte) string {
	for i, c := range b {
		if c == '-' && i > 0 && b[i-1] == '-' {
			return string(b[:i-1])
		}
	}

	return string(b)
}

// NewPeerID returns a random peer id with the client's tag
func NewPeerID() [20]byte {
	id := [20]byte{'-', 'S', 'X', '0', '1', '0', '0', '-'}
	rand.Read(id[8:])
	return id
}
