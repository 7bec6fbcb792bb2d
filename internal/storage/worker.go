package storage

import (
	"github.com/rs/zerolog/log"

	"github.com/aeoncorex/streamx/internal/errors"
)

// writeBack checks complete pieces and writes the good ones
// to disk, off the goroutines that receive blocks
func (s *Store) writeBack() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case index := <-s.queue:
			s.commit(index)
		}
	}
}

func (s *Store) commit(index int) {
	var op errors.Op = "(*Store).commit"

	s.mu.Lock()
	p := s.pieces[index]
	data := p.buf
	culprits := p.contributors()
	s.mu.Unlock()

	if !s.t.VerifyPiece(index, data) {
		s.mu.Lock()
		p.reset()
		p.failures++
		for _, c := range culprits {
			s.strikes[c]++
		}
		failures := p.failures
		s.mu.Unlock()

		log.Debug().
			Str("op", op.String()).
			Int("piece", index).
			Int("failures", failures).
			Strs("peers", culprits).
			Msg("Piece failed hash check")

		err := errors.Newf("piece %d failed hash check", index)
		s.emit(Event{Piece: index, Culprits: culprits, Err: errors.Wrap(err, op, errors.HashMismatch)})
		return
	}

	if err := s.writeAt(data, int64(index)*s.t.PieceLength()); err != nil {
		err = errors.Wrap(err, op, errors.Storage)

		s.mu.Lock()
		p.reset()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()

		log.Error().Err(err).Strs("trace", errors.Ops(err)).Int("piece", index).Msg("Write failed")
		s.emit(Event{Piece: index, Err: err})
		return
	}

	s.mu.Lock()
	s.markVerified(index)
	for _, c := range culprits {
		delete(s.strikes, c)
	}
	s.mu.Unlock()

	s.emit(Event{Piece: index, Verified: true, Culprits: culprits})
}

func (s *Store) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
