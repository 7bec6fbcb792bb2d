package swarm

import "time"

type State int

const (
	Idle State = iota
	ResolvingMetadata
	Downloading
	Ready
	Error
	Stopped
)

func (s State) String() string {
	switch s {
	case ResolvingMetadata:
		return "resolving metadata"
	case Downloading:
		return "downloading"
	case Ready:
		return "ready"
	case Error:
		return "error"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Status is a snapshot of the swarm, refreshed every status
// interval
type Status struct {
	State State
	Err   error

	InfoHash string
	Name     string

	// The target file, once the info dict is known
	FileName   string
	FilePath   string
	FileLength int64

	// Percent of the bytes needed before playback can
	// start or resume
	Progress int

	Frontier int64
	Playhead int64

	VerifiedPieces int
	TotalPieces    int
	VerifiedBytes  int64

	// Bytes per second
	DownloadRate int64
	UploadRate   int64

	Downloaded int64
	Uploaded   int64

	Peers      int
	Seeds      int
	Candidates int

	Started time.Time
	Updated time.Time
}
