package btorrent

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/namvu9/bencode"

	"github.com/aeoncorex/streamx/internal/errors"
)

// Torrent contains the metadata for one or more files and
// wraps a bencoded dictionary. A torrent created from a
// magnet link only knows its info hash, display name and
// trackers until SetInfo is called with the info dictionary
// fetched from the swarm.
type Torrent struct {
	dict *bencode.Dictionary

	infoRaw     []byte
	pieceLength int64
	length      int64
	hashes      [][]byte
	files       []File
}

// Dict returns the torrent's underlying bencoded dictionary
func (t *Torrent) Dict() *bencode.Dictionary {
	return t.dict
}

// Info returns the torrent's info dictionary and true if
// the dictionary exists, otherwise it returns nil and false
func (t *Torrent) Info() (*bencode.Dictionary, bool) {
	return t.dict.GetDict("info")
}

func (t *Torrent) HasInfo() bool {
	_, ok := t.Info()
	return ok
}

// InfoBytes returns the bencoded info dictionary exactly as
// it was received
func (t *Torrent) InfoBytes() []byte {
	return t.infoRaw
}

// InfoHash returns the SHA-1 hash of the bencoded value of
// the torrent's info field. The hash uniquely identifies
// the torrent.
func (t *Torrent) InfoHash() [20]byte {
	var out [20]byte
	if b, ok := t.dict.GetBytes("info-hash"); ok {
		copy(out[:], b)
	}

	return out
}

// HexHash returns the hex-encoded info hash
func (t *Torrent) HexHash() string {
	hash := t.InfoHash()
	return hex.EncodeToString(hash[:])
}

// Name returns the name of the torrent if it exists.
// Returns the empty string otherwise
func (t *Torrent) Name() string {
	if info, ok := t.Info(); ok {
		if name, ok := info.GetBytes("name"); ok {
			return string(name)
		}
	}

	name, _ := t.dict.GetBytes("dn")
	return string(name)
}

// Trackers returns the flattened list of tracker URLs
func (t *Torrent) Trackers() []string {
	var out []string

	l, ok := t.dict.GetList("announce-list")
	if !ok {
		return out
	}

	for _, v := range l {
		url, ok := v.ToBytes()
		if !ok {
			continue
		}
		out = append(out, string(url))
	}

	return out
}

// AddTrackers appends the urls that the torrent does not
// already announce to
func (t *Torrent) AddTrackers(urls ...string) {
	known := make(map[string]bool)
	var list bencode.List

	for _, url := range t.Trackers() {
		known[url] = true
		list = append(list, bencode.Bytes(url))
	}

	for _, url := range urls {
		if known[url] {
			continue
		}
		known[url] = true
		list = append(list, bencode.Bytes(url))
	}

	t.dict.SetStringKey("announce-list", list)
}

// SetInfo attaches the bencoded info dictionary to the
// torrent. The SHA-1 hash of data must equal the torrent's
// info hash.
func (t *Torrent) SetInfo(data []byte) error {
	var op errors.Op = "(*Torrent).SetInfo"

	hash := sha1.Sum(data)
	want := t.InfoHash()
	if !bytes.Equal(hash[:], want[:]) {
		err := errors.Newf("info dict hashes to %x, want %x", hash, want)
		return errors.Wrap(err, op, errors.HashMismatch)
	}

	info, _, err := UnmarshalDict(data)
	if err != nil {
		return errors.Wrap(err, op, errors.BadArgument)
	}

	pieceLength, ok := info.GetInteger("piece length")
	if !ok || pieceLength <= 0 {
		return errors.Wrap(errors.New("missing or invalid piece length"), op, errors.BadArgument)
	}

	pieces, ok := info.GetBytes("pieces")
	if !ok || len(pieces) == 0 || len(pieces)%20 != 0 {
		return errors.Wrap(errors.New("'pieces' is not a multiple of 20 bytes"), op, errors.BadArgument)
	}

	files, err := parseFiles(info)
	if err != nil {
		return errors.Wrap(err, op, errors.BadArgument)
	}

	var length int64
	for _, f := range files {
		length += f.Length
	}

	hashes := GroupBytes(pieces, 20)
	if want := (length + int64(pieceLength) - 1) / int64(pieceLength); int64(len(hashes)) != want {
		err := errors.Newf("torrent of %d bytes needs %d pieces, got %d", length, want, len(hashes))
		return errors.Wrap(err, op, errors.BadArgument)
	}

	t.dict.SetStringKey("info", info)
	t.infoRaw = append([]byte(nil), data...)
	t.pieceLength = int64(pieceLength)
	t.length = length
	t.hashes = hashes
	t.files = files

	return nil
}

func (t *Torrent) PieceLength() int64 {
	return t.pieceLength
}

// Length returns the sum total size, in bytes, of the
// torrent files
func (t *Torrent) Length() int64 {
	return t.length
}

func (t *Torrent) NumPieces() int {
	return len(t.hashes)
}

// PieceHash returns the 20-byte SHA-1 hash of piece i
func (t *Torrent) PieceHash(i int) []byte {
	return t.hashes[i]
}

// PieceSize returns the length of piece i. Only the last
// piece may be shorter than the piece length.
func (t *Torrent) PieceSize(i int) int64 {
	if i == len(t.hashes)-1 {
		return t.length - int64(i)*t.pieceLength
	}

	return t.pieceLength
}

// VerifyPiece returns true if the SHA-1 hash of piece
// equals the hash of the torrent piece at index i
func (t *Torrent) VerifyPiece(i int, piece []byte) bool {
	if i < 0 || i >= len(t.hashes) {
		return false
	}

	hash := sha1.Sum(piece)
	return bytes.Equal(hash[:], t.hashes[i])
}

// Files returns the file layout of the torrent in the order
// the files appear in the concatenated content
func (t *Torrent) Files() []File {
	return t.files
}

// LargestFile returns the index of the largest file. Ties
// go to the file that appears first.
func (t *Torrent) LargestFile() int {
	best := 0
	for i, f := range t.files {
		if f.Length > t.files[best].Length {
			best = i
		}
	}

	return best
}

// FilePieces returns the first and last piece overlapping
// file i. last < first for an empty file.
func (t *Torrent) FilePieces(i int) (first, last int) {
	f := t.files[i]
	first = int(f.Offset / t.pieceLength)
	if f.Length == 0 {
		return first, first - 1
	}

	last = int((f.Offset + f.Length - 1) / t.pieceLength)
	return first, last
}

// String implements fmt.Stringer
func (t *Torrent) String() string {
	return fmt.Sprintf("%s (%s)", t.Name(), t.HexHash())
}

// GroupBytes splits data into chunks of n bytes. The last
// chunk may be shorter.
func GroupBytes(data []byte, n int) [][]byte {
	var out [][]byte

	for len(data) > n {
		out = append(out, data[:n:n])
		data = data[n:]
	}

	if len(data) != 0 {
		out = append(out, data)
	}

	return out
}

// New returns a torrent identified by infoHash
func New(infoHash [20]byte) *Torrent {
	var dict bencode.Dictionary
	dict.SetStringKey("info-hash", bencode.Bytes(infoHash[:]))

	return &Torrent{dict: &dict}
}
