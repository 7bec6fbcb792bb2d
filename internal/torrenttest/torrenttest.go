// Package torrenttest builds in-memory torrents with known
// content for tests.
package torrenttest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/rand"

	"github.com/namvu9/bencode"

	"github.com/aeoncorex/streamx/pkg/btorrent"
)

type File struct {
	Path   string
	Length int
}

type Fixture struct {
	Torrent *btorrent.Torrent
	Info    []byte
	Content []byte
	Magnet  string
}

// New returns a torrent named name holding files, filled
// with pseudo-random content derived from seed. A single
// file produces a single-file torrent.
func New(name string, pieceLength int, seed int64, files ...File) *Fixture {
	var total int
	for _, f := range files {
		total += f.Length
	}

	content := make([]byte, total)
	rand.New(rand.NewSource(seed)).Read(content)

	var pieces []byte
	for off := 0; off < total; off += pieceLength {
		end := off + pieceLength
		if end > total {
			end = total
		}

		hash := sha1.Sum(content[off:end])
		pieces = append(pieces, hash[:]...)
	}

	var info bencode.Dictionary
	info.SetStringKey("name", bencode.Bytes(name))
	info.SetStringKey("piece length", bencode.Integer(pieceLength))
	info.SetStringKey("pieces", bencode.Bytes(pieces))

	if len(files) == 1 {
		info.SetStringKey("length", bencode.Integer(files[0].Length))
	} else {
		var list bencode.List
		for _, f := range files {
			var d bencode.Dictionary
			d.SetStringKey("length", bencode.Integer(f.Length))
			d.SetStringKey("path", bencode.List{bencode.Bytes(f.Path)})
			list = append(list, &d)
		}
		info.SetStringKey("files", list)
	}

	data, err := bencode.Marshal(&info)
	if err != nil {
		panic(err)
	}

	hash := sha1.Sum(data)
	t := btorrent.New(hash)
	if err := t.SetInfo(data); err != nil {
		panic(err)
	}

	return &Fixture{
		Torrent: t,
		Info:    data,
		Content: content,
		Magnet:  fmt.Sprintf("magnet:?xt=urn:btih:%s&dn=%s", hex.EncodeToString(hash[:]), name),
	}
}

// Piece returns the content of piece i
func (f *Fixture) Piece(i int) []byte {
	pl := int(f.Torrent.PieceLength())
	end := (i + 1) * pl
	if end > len(f.Content) {
		end = len(f.Content)
	}

	return f.Content[i*pl : end]
}

// Bare returns a torrent that only knows the fixture's info
// hash, as if parsed from its magnet link
func (f *Fixture) Bare() *btorrent.Torrent {
	t, err := btorrent.ParseMagnet(f.Magnet)
	if err != nil {
		panic(err)
	}

	return t
}
