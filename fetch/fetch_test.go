package fetch

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMem(t *testing.T) {
	m := NewMem().Put("/lib/libc.so", []byte("0123456789")).Put("/lib/liba.so", nil)
	assert.Equal(t, []string{"/lib/liba.so", "/lib/libc.so"}, m.Paths())

	_, err := m.Open("/lib/missing.so")
	assert.True(t, IsNotFound(err))
	assert.Zero(t, m.Opens("/lib/missing.so"))

	f, err := m.Open("/lib/libc.so")
	require.NoError(t, err)
	require.NoError(t, f.Seek(4))
	b := make([]byte, 3)
	require.NoError(t, ReadFull(f, b))
	assert.Equal(t, "456", string(b))
	assert.Error(t, f.Seek(11))

	mem, err := f.Map()
	require.NoError(t, err)
	n, err := mem.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "012", string(b))

	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Seek(0), ErrClosed)
	_, err = f.Read(b)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, m.Opens("/lib/libc.so"))
}

func TestReadFullChunked(t *testing.T) {
	img := bytes.Repeat([]byte{1, 2, 3}, 100)
	m := NewMem().Put("/f", img).Chunked(7)
	f, err := m.Open("/f")
	require.NoError(t, err)
	n, err := f.Read(make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	require.NoError(t, f.Seek(0))
	got := make([]byte, len(img))
	require.NoError(t, ReadFull(f, got))
	assert.Equal(t, img, got)

	require.NoError(t, f.Seek(290))
	err = ReadFull(f, make([]byte, 20))
	assert.ErrorIs(t, err, ErrShortRead)
}

type stuckFile struct{ File }

func (stuckFile) Read([]byte) (int, error) { return 0, nil }

type brokenFile struct{ File }

var errBroken = errors.New("broken")

func (brokenFile) Read([]byte) (int, error) { return 0, errBroken }

func TestReadFullErrors(t *testing.T) {
	assert.ErrorIs(t, ReadFull(stuckFile{}, make([]byte, 1)), ErrShortRead)
	assert.ErrorIs(t, ReadFull(brokenFile{}, make([]byte, 1)), errBroken)
	assert.NoError(t, ReadFull(brokenFile{}, nil))
}

func TestDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	img := bytes.Repeat([]byte("elf!"), 2048)
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "libc.so"), img, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "empty.so"), nil, 0o644))
	d := Dir(root)

	_, err := d.Open("/lib/missing.so")
	assert.True(t, IsNotFound(err))
	_, err = d.Open("/lib")
	assert.Error(t, err)
	assert.False(t, IsNotFound(err))

	f, err := d.Open("/lib/libc.so")
	require.NoError(t, err)
	require.NoError(t, f.Seek(4096))
	b := make([]byte, 4)
	require.NoError(t, ReadFull(f, b))
	assert.Equal(t, "elf!", string(b))

	mem, err := f.Map()
	require.NoError(t, err)
	again, err := f.Map()
	require.NoError(t, err)
	assert.Same(t, mem, again)
	got := make([]byte, len(img))
	_, err = mem.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, img, got)
	require.NoError(t, f.Close())

	f, err = d.Open("/lib/empty.so")
	require.NoError(t, err)
	mem, err = f.Map()
	require.NoError(t, err)
	_, err = mem.ReadAt(b, 0)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, f.Close())
}

func TestDecodeData(t *testing.T) {
	b, err := decodeData(map[string]any{"data": "aGVsbG8="})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	b, err = decodeData(map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, b)
	_, err = decodeData(map[string]any{"data": "!!"})
	assert.ErrorIs(t, err, ErrRemote)
	assert.False(t, errors.Is(err, fs.ErrNotExist))
}
