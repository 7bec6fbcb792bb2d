package bits_test

import (
	"testing"

	"github.com/aeoncorex/streamx/pkg/bits"
)

func TestGetOnes(t *testing.T) {
	bitField := byte(0b11001101)

	got := bits.GetOnes(0, bitField)
	got2 := bits.GetOnes(1, bitField)

	want := []int{0, 1, 4, 5, 7}
	want2 := []int{8, 9, 12, 13, 15}

	if len(got) != len(want) {
		t.Fatalf("Want len %d got %d", len(want), len(got))
	}
	if len(got2) != len(want2) {
		t.Fatalf("Want len %d got %d", len(want2), len(got2))
	}

	for i, index := range want {
		if got[i] != index {
			t.Errorf("%d: Want %d got %d", i, index, got[i])
		}
	}

	for i, index := range want2 {
		if got2[i] != index {
			t.Errorf("%d: Want %d got %d", i, index, got2[i])
		}
	}
}

func TestIndexSet(t *testing.T) {
	for i, test := range []struct {
		bitField bits.BitField
		index    int
		want     bool
	}{
		{
			bitField: []byte{0b11111111, 0b10000000},
			index:    8,
			want:     true,
		},
		{
			bitField: []byte{0b11111111, 0b10000000},
			index:    9,
			want:     false,
		},
		{
			bitField: []byte{0b11111110, 0b10000000},
			index:    7,
			want:     false,
		},
		{
			bitField: []byte{0b11111111},
			index:    8,
			want:     false,
		},
		{
			bitField: []byte{0b11111111},
			index:    -1,
			want:     false,
		},
	} {
		if got := test.bitField.Get(test.index); got != test.want {
			t.Errorf("%d: Want %v got %v", i, test.want, got)
		}
	}
}

func TestSetUnset(t *testing.T) {
	bf := bits.NewBitField(10)

	if err := bf.Set(9); err != nil {
		t.Fatal(err)
	}
	if err := bf.Set(16); err == nil {
		t.Errorf("want out of bounds error")
	}
	if !bf.Get(9) {
		t.Errorf("want bit 9 set")
	}
	if got := bf.GetSum(); got != 1 {
		t.Errorf("want %d got %d", 1, got)
	}

	bf.Unset(9)
	if bf.Get(9) {
		t.Errorf("want bit 9 unset")
	}
}

func TestGetMaxIndex(t *testing.T) {
	for i, test := range []struct {
		bitField []byte
		wantIdx  int
	}{
		{
			bitField: []byte{0b11111111, 0b11111111, 0b10010000, 0},
			wantIdx:  19,
		},
		{
			bitField: []byte{0, 0, 0b10010000, 0},
			wantIdx:  19,
		},
		{
			bitField: []byte{0, 0, 0, 0},
			wantIdx:  0,
		},
		{
			bitField: []byte{0, 0, 0, 0, 0, 0, 1},
			wantIdx:  55,
		},
		{
			bitField: []byte{1, 0, 0, 0, 0, 0, 0},
			wantIdx:  7,
		},
	} {
		if res := bits.GetMaxIndex(test.bitField); res != test.wantIdx {
			t.Errorf("%d: Want %d got %d", i, test.wantIdx, res)
		}
	}
}

func TestNewBitField(t *testing.T) {
	for i, test := range []struct {
		bits int
		want int // slice length
	}{
		{bits: 80, want: 10},
		{bits: 81, want: 11},
		{bits: 79, want: 10},
	} {
		if bf := bits.NewBitField(test.bits); len(bf) != test.want {
			t.Errorf("%d: Want %d got %d", i, test.want, len(bf))
		}
	}
}

func TestValidate(t *testing.T) {
	for i, test := range []struct {
		bitField bits.BitField
		n        int
		wantErr  bool
	}{
		{bitField: []byte{0xff, 0b11000000}, n: 10, wantErr: false},
		{bitField: []byte{0xff, 0b11100000}, n: 10, wantErr: true},
		{bitField: []byte{0xff}, n: 10, wantErr: true},
		{bitField: []byte{0xff, 0, 0}, n: 10, wantErr: true},
		{bitField: bits.AllOnes(13), n: 13, wantErr: false},
	} {
		err := test.bitField.Validate(test.n)
		if (err != nil) != test.wantErr {
			t.Errorf("%d: want error %v got %v", i, test.wantErr, err)
		}
	}
}

func TestOnes(t *testing.T) {
	bf := bits.BitField{0b10000001, 0, 0b01000000}
	got := bf.Ones()
	want := []int{0, 7, 17}

	if len(got) != len(want) {
		t.Fatalf("want %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%d: want %d got %d", i, want[i], got[i])
		}
	}
}
