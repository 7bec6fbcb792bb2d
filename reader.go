package streamx

import (
	"io"
	"sync"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/internal/storage"
	"github.com/aeoncorex/streamx/pkg/btorrent/size"
)

// Distance the read position moves before the scheduler is
// told about it
const playheadStep = int64(size.MiB)

// Reader reads the streamed file as it downloads. Reads wait
// for the pieces under them to be verified, and the read
// position steers the scheduler. A Reader is not safe for
// concurrent use, except for Close.
type Reader struct {
	sess *session

	closed    chan struct{}
	closeOnce sync.Once

	store  *storage.Store
	file   int
	name   string
	length int64

	off      int64
	reported int64
}

func newReader(sess *session) *Reader {
	return &Reader{
		sess:     sess,
		closed:   make(chan struct{}),
		reported: -1,
	}
}

// wait blocks until the file is allocated
func (r *Reader) wait() error {
	if r.store != nil {
		return nil
	}

	select {
	case <-r.sess.sw.Allocated():
	case <-r.sess.done:
		return r.sess.ended()
	case <-r.closed:
		return ErrClosed
	}

	r.store, r.file = r.sess.sw.Store()
	f := r.store.File(r.file)
	r.name = f.Path
	r.length = f.Length

	return nil
}

// File returns the path of the file within the torrent and
// its length, waiting for the metadata if needed
func (r *Reader) File() (string, int64, error) {
	if err := r.wait(); err != nil {
		return "", 0, err
	}

	return r.name, r.length, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	var op errors.Op = "(*Reader).Read"

	if err := r.wait(); err != nil {
		return 0, err
	}

	if r.off >= r.length {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	want := int64(len(p))
	if rem := r.length - r.off; want > rem {
		want = rem
	}

	r.report(false)

	for {
		changed := r.store.Changed()

		if n := r.store.Readable(r.file, r.off); n > 0 {
			if n > want {
				n = want
			}

			data, err := r.store.ReadRange(r.file, r.off, n)
			if err != nil {
				return 0, errors.Wrap(err, op)
			}

			copy(p, data)
			r.off += n

			return int(n), nil
		}

		r.report(true)

		select {
		case <-changed:
		case <-r.sess.done:
			return 0, r.sess.ended()
		case <-r.closed:
			return 0, ErrClosed
		}
	}
}

// Seek moves the read position. Seeking relative to the end
// waits for the metadata.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var op errors.Op = "(*Reader).Seek"

	if err := r.wait(); err != nil {
		return 0, err
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.off + offset
	case io.SeekEnd:
		pos = r.length + offset
	default:
		err := errors.Newf("invalid whence %d", whence)
		return 0, errors.Wrap(err, op, errors.BadArgument)
	}

	if pos < 0 {
		err := errors.Newf("negative position %d", pos)
		return 0, errors.Wrap(err, op, errors.BadArgument)
	}

	r.off = pos
	r.report(false)

	return pos, nil
}

// report moves the swarm's playhead to the read position
// when it drifted far enough, or always when force is set
func (r *Reader) report(force bool) {
	if r.off == r.reported || r.off >= r.length {
		return
	}

	d := r.off - r.reported
	if d < 0 {
		d = -d
	}

	if force || r.reported < 0 || d >= playheadStep {
		r.sess.sw.SetPlayhead(r.off)
		r.reported = r.off
	}
}

// Close unblocks pending reads. It does not stop the stream.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
	})

	return nil
}
