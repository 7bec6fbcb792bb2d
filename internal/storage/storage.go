// Package storage keeps the pieces of a torrent on disk. It
// tracks which blocks of each piece have arrived, checks
// every complete piece against its hash on a write-back
// goroutine and only then exposes the bytes to readers.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/pkg/bits"
	"github.com/aeoncorex/streamx/pkg/btorrent"
)

// Event reports the outcome of checking a complete piece
type Event struct {
	Piece    int
	Verified bool

	// Peers that contributed blocks to the piece
	Culprits []string

	// HashMismatch or Storage error, nil when verified
	Err error
}

type Config struct {
	Fs  afero.Fs
	Dir string

	// FreeSpace reports the bytes available to dir. The
	// check is skipped when nil.
	FreeSpace func(dir string) (uint64, error)
}

type Store struct {
	t         *btorrent.Torrent
	fs        afero.Fs
	dir       string
	freeSpace func(string) (uint64, error)

	mu        sync.Mutex
	pieces    []*piece
	verified  bits.BitField
	nVerified int
	files     []afero.File
	fileMu    []sync.Mutex
	frontier  []int64
	strikes   map[string]int
	changed   chan struct{}
	err       error
	allocated bool
	closed    bool

	queue  chan int
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// New returns a store for t, which must have its info
// dictionary. Nothing touches the disk until Allocate.
func New(t *btorrent.Torrent, cfg Config) *Store {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
		if cfg.FreeSpace == nil {
			cfg.FreeSpace = DiskFree
		}
	}

	s := &Store{
		t:         t,
		fs:        cfg.Fs,
		dir:       cfg.Dir,
		freeSpace: cfg.FreeSpace,
		pieces:    make([]*piece, t.NumPieces()),
		verified:  bits.NewBitField(t.NumPieces()),
		fileMu:    make([]sync.Mutex, len(t.Files())),
		frontier:  make([]int64, len(t.Files())),
		strikes:   make(map[string]int),
		changed:   make(chan struct{}),
		queue:     make(chan int, t.NumPieces()),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}

	for i := range s.pieces {
		s.pieces[i] = newPiece(numBlocks(t.PieceSize(i)))
	}

	return s
}

func (s *Store) Torrent() *btorrent.Torrent {
	return s.t
}

// Path returns the location of file i on disk
func (s *Store) Path(i int) string {
	return filepath.Join(s.dir, filepath.FromSlash(s.t.Files()[i].Path))
}

func (s *Store) File(i int) btorrent.File {
	return s.t.Files()[i]
}

// Allocate creates the torrent's files under the save
// directory and truncates each to its declared length.
// Files that already exist with the right length are
// re-hashed and their verified pieces recovered.
func (s *Store) Allocate(ctx context.Context) error {
	var op errors.Op = "(*Store).Allocate"

	s.mu.Lock()
	if s.allocated || s.closed {
		s.mu.Unlock()
		return errors.Wrap(errors.New("store already allocated"), op, errors.Internal)
	}
	s.allocated = true
	s.mu.Unlock()

	files := s.t.Files()
	existing := make([]bool, len(files))

	var needed int64
	for i, f := range files {
		info, err := s.fs.Stat(s.Path(i))
		switch {
		case err != nil:
			needed += f.Length
		case info.IsDir():
			err := errors.Newf("%s is a directory", s.Path(i))
			return errors.Wrap(err, op, errors.Storage)
		case info.Size() == f.Length:
			existing[i] = true
		case info.Size() < f.Length:
			needed += f.Length - info.Size()
		}
	}

	if s.freeSpace != nil && needed > 0 {
		free, err := s.freeSpace(s.dir)
		if err != nil {
			log.Debug().Err(err).Str("op", op.String()).Msg("Free space unknown")
		} else if free < uint64(needed) {
			err := errors.Newf("need %d bytes in %s, %d available", needed, s.dir, free)
			return errors.Wrap(err, op, errors.Storage)
		}
	}

	handles := make([]afero.File, 0, len(files))
	for i, f := range files {
		path := s.Path(i)
		if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			closeAll(handles)
			return errors.Wrap(err, op, errors.Storage)
		}

		fh, err := s.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			closeAll(handles)
			return errors.Wrap(err, op, errors.Storage)
		}
		handles = append(handles, fh)

		if !existing[i] {
			if err := fh.Truncate(f.Length); err != nil {
				closeAll(handles)
				return errors.Wrap(err, op, errors.Storage)
			}
		}
	}

	s.mu.Lock()
	s.files = handles
	s.mu.Unlock()

	if err := s.recheck(ctx, existing); err != nil {
		return errors.Wrap(err, op)
	}

	s.wg.Add(1)
	go s.writeBack()

	return nil
}

// recheck hashes the pieces that lie entirely in files
// found on disk with their declared length
func (s *Store) recheck(ctx context.Context, existing []bool) error {
	var recovered int

	for i := 0; i < s.t.NumPieces(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !s.onDisk(i, existing) {
			continue
		}

		data := make([]byte, s.t.PieceSize(i))
		if err := s.readAt(data, int64(i)*s.t.PieceLength()); err != nil {
			continue
		}

		if !s.t.VerifyPiece(i, data) {
			continue
		}

		s.mu.Lock()
		s.markVerified(i)
		s.mu.Unlock()
		recovered++
	}

	if recovered > 0 {
		log.Info().Int("pieces", recovered).Str("torrent", s.t.HexHash()).Msg("Recovered pieces from disk")
	}

	return nil
}

func (s *Store) onDisk(index int, existing []bool) bool {
	start := int64(index) * s.t.PieceLength()
	end := start + s.t.PieceSize(index)

	for i, f := range s.t.Files() {
		if f.Length == 0 || f.Offset >= end || f.Offset+f.Length <= start {
			continue
		}
		if !existing[i] {
			return false
		}
	}

	return true
}

// Events delivers the result of every piece check
func (s *Store) Events() <-chan Event {
	return s.events
}

// Changed returns a channel that is closed the next time a
// piece is verified
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.changed
}

// Err returns the write error that made the store unusable,
// if any
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Close stops the write-back goroutine and closes every
// file. Pieces still queued for checking are dropped.
func (s *Store) Close() error {
	var op errors.Op = "(*Store).Close"

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	handles := s.files
	s.mu.Unlock()

	var errs errors.Errors
	for i, fh := range handles {
		s.fileMu[i].Lock()
		if err := fh.Close(); err != nil {
			errs = append(errs, err)
		}
		s.fileMu[i].Unlock()
	}

	if len(errs) > 0 {
		return errors.Wrap(errs, op, errors.IO)
	}

	return nil
}

func closeAll(handles []afero.File) error {
	var errs errors.Errors
	for _, fh := range handles {
		if err := fh.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}
