package bits

import "fmt"

// BitField is a bitfield as exchanged in the peer wire
// protocol. The first byte corresponds to indices 0 - 7
// from high bit to low bit, the next one 8-15, etc.
type BitField []byte

func (b BitField) Bytes() []byte {
	return []byte(b)
}

// GetSum returns the total number of set (1) bits
func (bf BitField) GetSum() int {
	var sum int
	for _, b := range bf {
		for i := 0; i < 8; i++ {
			bitMask := byte(128 >> i)
			if (b & bitMask) == bitMask {
				sum++
			}
		}
	}

	return sum
}

// GetMaxIndex returns the highest set index of the
// bitfield, or 0 if no bits are set
func GetMaxIndex(bitField []byte) int {
	i := len(bitField) - 1
	for i >= 0 {
		if b := bitField[i]; b > 0 {
			for j := 0; j < 8; j++ {
				mask := byte(1 << j)
				if (b & mask) == mask {
					return i*8 + 7 - j
				}
			}
		}

		i--
	}

	return 0
}

// GetOnes returns the indices of the set (1) bits of the
// byte at position offset of a bitfield
//
// Example:
// GetOnes(0, 0b11000000) -> []int{0, 1}
// GetOnes(1, 128) -> []int{8}
func GetOnes(offset int, bitField byte) []int {
	var out []int
	startIndex := offset * 8

	for i := 0; i < 8; i++ {
		bitMask := byte(128 >> i)
		if (bitField & bitMask) == bitMask {
			out = append(out, startIndex+i)
		}
	}

	return out
}

// Ones returns the indices of every set bit
func (b BitField) Ones() []int {
	var out []int
	for i, v := range b {
		if v == 0 {
			continue
		}
		out = append(out, GetOnes(i, v)...)
	}

	return out
}

func (b BitField) Get(index int) bool {
	var (
		offset     = index / 8
		localIndex = index % 8
		bitMask    = byte(128 >> localIndex)
	)

	if index < 0 || offset >= len(b) {
		return false
	}

	return (b[offset] & bitMask) == bitMask
}

func (b BitField) Set(index int) error {
	var (
		offset     = index / 8
		localIndex = index % 8
		bitMask    = byte(128 >> localIndex)
	)

	if index < 0 || offset >= len(b) {
		return fmt.Errorf("index %d out of bounds", index)
	}

	b[offset] |= bitMask

	return nil
}

func (b BitField) Unset(index int) error {
	var (
		offset     = index / 8
		localIndex = index % 8
		bitMask    = byte(128 >> localIndex)
	)

	if index < 0 || offset >= len(b) {
		return fmt.Errorf("index %d out of bounds", index)
	}

	b[offset] &^= bitMask
	return nil
}

// Len returns the number of bits in the bitfield
func (b BitField) Len() int {
	return len(b) * 8
}

func (b BitField) Clone() BitField {
	out := make(BitField, len(b))
	copy(out, b)
	return out
}

// Validate reports an error if the bitfield cannot describe
// exactly n pieces: the length must be ceil(n/8) bytes and
// the spare bits at the end must be zero.
func (b BitField) Validate(n int) error {
	if want := len(NewBitField(n)); len(b) != want {
		return fmt.Errorf("bitfield length: want %d bytes got %d", want, len(b))
	}

	for i := n; i < b.Len(); i++ {
		if b.Get(i) {
			return fmt.Errorf("spare bit %d set", i)
		}
	}

	return nil
}

// AllOnes returns an n-bit bitfield with all bits set to 1
func AllOnes(n int) BitField {
	bf := NewBitField(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}

	return bf
}

func NewBitField(bits int) BitField {
	if bits%8 == 0 {
		return make([]byte, bits/8)
	}

	return make([]byte, bits/8+1)
}
