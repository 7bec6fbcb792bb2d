package streamx

import "github.com/aeoncorex/streamx/internal/swarm"

type State = swarm.State

const (
	Idle              = swarm.Idle
	ResolvingMetadata = swarm.ResolvingMetadata
	Downloading       = swarm.Downloading
	Ready             = swarm.Ready
	Error             = swarm.Error
	Stopped           = swarm.Stopped
)

// Status is a snapshot of the running stream
type Status struct {
	swarm.Status
}

// Code returns the state as the number reported to players:
// 0 idle or stopped, 1 resolving metadata, 2 downloading,
// 3 ready and 4 error
func (s Status) Code() int {
	switch s.State {
	case ResolvingMetadata:
		return 1
	case Downloading:
		return 2
	case Ready:
		return 3
	case Error:
		return 4
	default:
		return 0
	}
}

// Playable reports whether the file can be handed to a
// player
func (s Status) Playable() bool {
	return s.State == Ready || (s.State == Downloading && s.FilePath != "")
}
