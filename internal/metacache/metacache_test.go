package metacache_test

import (
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeoncorex/streamx/internal/errors"
	"github.com/aeoncorex/streamx/internal/metacache"
)

func TestPutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "meta.db")

	c, err := metacache.Open(path)
	require.NoError(t, err)

	info := []byte("d4:name9:movie.mkve")
	hash := sha1.Sum(info)

	_, ok := c.Get(hash)
	assert.False(t, ok)

	require.NoError(t, c.Put(hash, info))
	assert.Equal(t, 1, c.Len())
	require.NoError(t, c.Close())

	// entries survive a reopen
	c, err = metacache.Open(path)
	require.NoError(t, err)
	defer c.Close()

	got, ok := c.Get(hash)
	require.True(t, ok)
	assert.Equal(t, info, got)

	require.NoError(t, c.Delete(hash))
	_, ok = c.Get(hash)
	assert.False(t, ok)
}

func TestPutRejectsWrongHash(t *testing.T) {
	c, err := metacache.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer c.Close()

	err = c.Put(sha1.Sum([]byte("other")), []byte("d4:name1:xe"))
	assert.True(t, errors.Is(err, errors.BadArgument))
	assert.Equal(t, 0, c.Len())
}
