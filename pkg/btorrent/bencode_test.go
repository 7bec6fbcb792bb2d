package btorrent_test

import (
	"testing"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/pkg/btorrent"
)

func TestUnmarshalDict(t *testing.T) {
	tests := []struct {
		input    string
		consumed int
		key      string
		want     int
	}{
		{"d1:ai1ee", 8, "a", 1},
		{"d1:ai1eeTRAILER", 8, "a", 1},
		// Keys out of order are accepted as sent
		{"d5:piecei2e8:msg_typei1ee", 25, "piece", 2},
		{"d1:ld1:xi3ee1:ai7ee", 19, "a", 7},
		{"d1:s0:1:ai9eexyz", 13, "a", 9},
	}

	for _, test := range tests {
		d, n, err := btorrent.UnmarshalDict([]byte(test.input))
		if err != nil {
			t.Errorf("%q: %v", test.input, err)
			continue
		}

		if n != test.consumed {
			t.Errorf("%q: want consumed %d got %d", test.input, test.consumed, n)
		}

		got, ok := d.GetInteger(test.key)
		if !ok || int(got) != test.want {
			t.Errorf("%q: want %s=%d got %d (%v)", test.input, test.key, test.want, got, ok)
		}
	}
}

func TestUnmarshalDictInvalid(t *testing.T) {
	tests := []string{
		"",
		"i1e",
		"l1:ae",
		"d1:a",
		"d1:ai1e",
		"di1ei2ee",
		"d1:a99999999999:xe",
		"d1:a-1:e",
		"d1:a1x:e",
		"d1:a02:xxe",
		"d1:a?e",
		"d1:ai1",
	}

	for _, input := range tests {
		_, _, err := btorrent.UnmarshalDict([]byte(input))
		if err == nil {
			t.Errorf("%q: want error", input)
			continue
		}

		if !errors.Is(err, errors.BadArgument) {
			t.Errorf("%q: want BadArgument got %v", input, err)
		}
	}

	deep := make([]byte, 0, 300)
	deep = append(deep, "d1:a"...)
	for i := 0; i < 100; i++ {
		deep = append(deep, 'l')
	}
	for i := 0; i < 100; i++ {
		deep = append(deep, 'e')
	}
	deep = append(deep, 'e')

	if _, _, err := btorrent.UnmarshalDict(deep); err == nil {
		t.Errorf("want error for nesting of 100 lists")
	}
}
