package btorrent

import (
	"bytes"
	"strconv"

	"github.com/namvu9/bencode"

	"github.com/aeoncorex/streamx/internal/errors"
)

const maxNesting = 64

// UnmarshalDict decodes the bencoded dictionary at the start
// of data and returns it together with the number of bytes it
// occupies. Bytes after the dictionary are left alone.
func UnmarshalDict(data []byte) (*bencode.Dictionary, int, error) {
	var op errors.Op = "btorrent.UnmarshalDict"

	if len(data) == 0 || data[0] != 'd' {
		return nil, 0, errors.Wrap(errors.New("not a bencoded dictionary"), op, errors.BadArgument)
	}

	n, err := valueEnd(data, 0, 0)
	if err != nil {
		return nil, 0, errors.Wrap(err, op, errors.BadArgument)
	}

	var v bencode.Value
	if err := bencode.Unmarshal(data[:n], &v); err != nil {
		return nil, 0, errors.Wrap(err, op, errors.BadArgument)
	}

	d, ok := v.ToDict()
	if !ok {
		return nil, 0, errors.Wrap(errors.New("not a bencoded dictionary"), op, errors.BadArgument)
	}

	return d, n, nil
}

// valueEnd returns the offset just past the value starting at
// data[i]. String lengths must fit in data and dictionary keys
// must be strings.
func valueEnd(data []byte, i, depth int) (int, error) {
	if depth > maxNesting {
		return 0, errors.New("bencode nested too deeply")
	}
	if i >= len(data) {
		return 0, errors.New("unexpected end of bencode")
	}

	switch c := data[i]; {
	case c == 'i':
		j := bytes.IndexByte(data[i:], 'e')
		if j < 0 {
			return 0, errors.New("unterminated bencode integer")
		}
		return i + j + 1, nil

	case c == 'l', c == 'd':
		i++
		for k := 0; ; k++ {
			if i >= len(data) {
				return 0, errors.New("unterminated bencode container")
			}
			if data[i] == 'e' {
				return i + 1, nil
			}
			if c == 'd' && k%2 == 0 && (data[i] < '0' || data[i] > '9') {
				return 0, errors.Newf("bencode dictionary key at %d is not a string", i)
			}

			end, err := valueEnd(data, i, depth+1)
			if err != nil {
				return 0, err
			}
			i = end
		}

	case c >= '0' && c <= '9':
		j := bytes.IndexByte(data[i:], ':')
		if j < 0 {
			return 0, errors.New("unterminated bencode string length")
		}

		if j > 1 && c == '0' {
			return 0, errors.Newf("bencode string length with leading zero at %d", i)
		}

		n, err := strconv.Atoi(string(data[i : i+j]))
		if err != nil {
			return 0, errors.Newf("bad bencode string length: %v", err)
		}

		start := i + j + 1
		if n > len(data)-start {
			return 0, errors.Newf("bencode string of %d bytes exceeds input", n)
		}
		return start + n, nil
	}

	return 0, errors.Newf("invalid bencode byte %q at %d", data[i], i)
}
