package size

import "github.com/dustin/go-humanize"

// Size is a length in bytes
type Size int64

const (
	KiB Size = 1024
	MiB      = 1024 * KiB
	GiB      = 1024 * MiB

	// Block is the length of a request on the peer wire.
	// Every implementation in use requests 16 KiB and drops
	// peers that ask for more.
	Block = 16 * KiB

	// MetadataPiece is the length of a ut_metadata piece
	MetadataPiece = 16 * KiB
)

func (s Size) MiB() float64 {
	return float64(s) / float64(MiB)
}

func (s Size) String() string {
	if s < 0 {
		return "-" + humanize.IBytes(uint64(-s))
	}

	return humanize.IBytes(uint64(s))
}
