package btorrent

import (
	"path"
	"strings"

	"github.com/namvu9/bencode"

	"github.com/aeoncorex/streamx/internal/errors"
)

// A File describes one file of a torrent. Pieces may
// overlap file boundaries, so a piece can hold data from
// more than one file.
type File struct {
	Name string

	// Slash-separated path relative to the save directory.
	// Files of a multi-file torrent live under a directory
	// named after the torrent.
	Path string

	Length int64

	// Offset of the file's first byte in the concatenated
	// content of the torrent
	Offset int64
}

func parseFiles(info *bencode.Dictionary) ([]File, error) {
	name, _ := info.GetBytes("name")
	root := sanitizeSegment(string(name))

	list, ok := info.GetList("files")
	if !ok {
		length, ok := info.GetInteger("length")
		if !ok || length < 0 {
			return nil, errors.New("single-file torrent without length")
		}

		return []File{{Name: root, Path: root, Length: int64(length)}}, nil
	}

	var (
		out    []File
		offset int64
	)

	for i, v := range list {
		fDict, ok := v.ToDict()
		if !ok {
			return nil, errors.Newf("file %d is not a dictionary", i)
		}

		length, ok := fDict.GetInteger("length")
		if !ok || length < 0 {
			return nil, errors.Newf("file %d: missing or invalid length", i)
		}

		segments, ok := fDict.GetList("path")
		if !ok || len(segments) == 0 {
			return nil, errors.Newf("file %d: missing path", i)
		}

		p := getFilePath(segments)
		out = append(out, File{
			Name:   path.Base(p),
			Path:   path.Join(root, p),
			Length: int64(length),
			Offset: offset,
		})

		offset += int64(length)
	}

	if len(out) == 0 {
		return nil, errors.New("torrent has no files")
	}

	return out, nil
}

func getFilePath(segments bencode.List) string {
	var p string

	for _, segment := range segments {
		s, _ := segment.ToBytes()
		p = path.Join(p, sanitizeSegment(string(s)))
	}

	return p
}

// sanitizeSegment keeps a path segment from escaping the
// save directory
func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)

	switch s {
	case "", ".", "..":
		return "_"
	}

	return s
}
