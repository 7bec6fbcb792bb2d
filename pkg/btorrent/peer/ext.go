package peer

import (
	"github.com/aeoncorex/streamx/pkg/bits"
)

// Extensions is the set of protocol extensions advertised
// in the reserved bytes of the handshake
type Extensions struct {
	bits bits.BitField
}

// Bit indices into the reserved bytes
const (
	// LTEP Extension Protocol, BEP-10
	EXT_PROT = 43
	EXT_FAST = 61
	EXT_DHT  = 63
)

func (ext *Extensions) Enable(bitIdx int) error {
	return ext.bits.Set(bitIdx)
}

func (ext *Extensions) IsEnabled(bitIdx int) bool {
	if ext == nil {
		return false
	}
	return ext.bits.Get(bitIdx)
}

func (ext *Extensions) ReservedBytes() [8]byte {
	var out [8]byte
	if ext != nil {
		copy(out[:], ext.bits)
	}
	return out
}

func NewExtensionsField(reserved [8]byte) *Extensions {
	return &Extensions{
		bits: reserved[:],
	}
}

// NewExtensions returns the extension set with the given
// bits enabled
func NewExtensions(bitIdx ...int) *Extensions {
	ext := NewExtensionsField([8]byte{})
	for _, i := range bitIdx {
		ext.Enable(i)
	}

	return ext
}
