package storage

import (
	"github.com/spf13/afero"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

// maxBlockRead bounds requests served to other peers
const maxBlockRead = 8 * int(size.Block)

// span calls fn for each file region covered by the n bytes
// starting at off in the concatenated content
func (s *Store) span(off int64, n int, fn func(fh afero.File, fileOff int64, lo, hi int) error) error {
	s.mu.Lock()
	handles := s.files
	s.mu.Unlock()

	if handles == nil {
		return errors.New("store not allocated")
	}

	done := 0
	for i, f := range s.t.Files() {
		if done == n {
			break
		}

		if f.Length == 0 || off >= f.Offset+f.Length || off+int64(n) <= f.Offset {
			continue
		}

		pos := off + int64(done)
		chunk := f.Offset + f.Length - pos
		if rest := int64(n - done); chunk > rest {
			chunk = rest
		}

		s.fileMu[i].Lock()
		err := fn(handles[i], pos-f.Offset, done, done+int(chunk))
		s.fileMu[i].Unlock()
		if err != nil {
			return err
		}

		done += int(chunk)
	}

	if done != n {
		return errors.Newf("range %d+%d outside torrent", off, n)
	}

	return nil
}

func (s *Store) readAt(p []byte, off int64) error {
	return s.span(off, len(p), func(fh afero.File, fileOff int64, lo, hi int) error {
		_, err := fh.ReadAt(p[lo:hi], fileOff)
		return err
	})
}

func (s *Store) writeAt(p []byte, off int64) error {
	return s.span(off, len(p), func(fh afero.File, fileOff int64, lo, hi int) error {
		_, err := fh.WriteAt(p[lo:hi], fileOff)
		return err
	})
}

// covered must be called with s.mu held
func (s *Store) covered(start, length int64) bool {
	if length == 0 {
		return true
	}

	pl := s.t.PieceLength()
	for i := start / pl; i <= (start+length-1)/pl; i++ {
		if !s.verified.Get(int(i)) {
			return false
		}
	}

	return true
}

// ReadRange returns length bytes of file starting at
// offset. It fails with NotYetAvailable unless every piece
// under the range is verified.
func (s *Store) ReadRange(file int, offset, length int64) ([]byte, error) {
	var op errors.Op = "(*Store).ReadRange"

	files := s.t.Files()
	if file < 0 || file >= len(files) {
		err := errors.Newf("file index %d out of range", file)
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	f := files[file]
	if offset < 0 || length < 0 || offset+length > f.Length {
		err := errors.Newf("range %d+%d outside file of %d bytes", offset, length, f.Length)
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	s.mu.Lock()
	ok := s.covered(f.Offset+offset, length)
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, errors.Wrap(errors.New("store closed"), op, errors.IO)
	}

	if !ok {
		err := errors.Newf("%s: range %d+%d not verified", f.Name, offset, length)
		return nil, errors.Wrap(err, op, errors.NotYetAvailable)
	}

	buf := make([]byte, length)
	if err := s.readAt(buf, f.Offset+offset); err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	return buf, nil
}

// ReadBlock returns part of a verified piece, to serve a
// request from another peer
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	var op errors.Op = "(*Store).ReadBlock"

	if index < 0 || index >= s.t.NumPieces() {
		err := errors.Newf("piece index %d out of range", index)
		return nil, errors.Wrap(err, op, errors.PeerProtocolViolation)
	}

	if begin < 0 || length <= 0 || length > maxBlockRead || int64(begin+length) > s.t.PieceSize(index) {
		err := errors.Newf("request %d:%d+%d out of bounds", index, begin, length)
		return nil, errors.Wrap(err, op, errors.PeerProtocolViolation)
	}

	if !s.Have(index) {
		err := errors.Newf("piece %d not verified", index)
		return nil, errors.Wrap(err, op, errors.NotYetAvailable)
	}

	buf := make([]byte, length)
	if err := s.readAt(buf, int64(index)*s.t.PieceLength()+int64(begin)); err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	return buf, nil
}

// Available reports whether the length bytes at offset of
// file can be read
func (s *Store) Available(file int, offset, length int64) bool {
	files := s.t.Files()
	if file < 0 || file >= len(files) {
		return false
	}

	f := files[file]
	if offset < 0 || length < 0 || offset+length > f.Length {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.covered(f.Offset+offset, length)
}

// Readable returns how many bytes of file starting at
// offset are verified without a gap
func (s *Store) Readable(file int, offset int64) int64 {
	files := s.t.Files()
	if file < 0 || file >= len(files) {
		return 0
	}

	f := files[file]
	if offset < 0 || offset >= f.Length {
		return 0
	}

	pl := s.t.PieceLength()
	start := f.Offset + offset
	end := f.Offset + f.Length

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := start
	for pos < end {
		index := pos / pl
		if !s.verified.Get(int(index)) {
			break
		}
		pos = (index + 1) * pl
	}

	if pos > end {
		pos = end
	}

	return pos - start
}

// CompletionFrontier returns the number of bytes at the
// start of file that are verified without gaps. It never
// decreases.
func (s *Store) CompletionFrontier(file int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if file < 0 || file >= len(s.frontier) {
		return 0
	}

	return s.frontier[file]
}

// advanceFrontiers must be called with s.mu held
func (s *Store) advanceFrontiers() {
	pl := s.t.PieceLength()

	for i, f := range s.t.Files() {
		fr := s.frontier[i]
		for fr < f.Length {
			index := (f.Offset + fr) / pl
			if !s.verified.Get(int(index)) {
				break
			}

			end := (index+1)*pl - f.Offset
			if end > f.Length {
				end = f.Length
			}
			fr = end
		}

		s.frontier[i] = fr
	}
}

// VerifiedBytes returns how many bytes of file are covered
// by verified pieces
func (s *Store) VerifiedBytes(file int) int64 {
	f := s.t.Files()[file]
	first, last := s.t.FilePieces(file)
	pl := s.t.PieceLength()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i := first; i <= last; i++ {
		if !s.verified.Get(i) {
			continue
		}

		lo := int64(i) * pl
		hi := lo + s.t.PieceSize(i)
		if lo < f.Offset {
			lo = f.Offset
		}
		if hi > f.Offset+f.Length {
			hi = f.Offset + f.Length
		}

		n += hi - lo
	}

	return n
}
