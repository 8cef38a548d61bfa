package view

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestOpenBackends(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789abcdef")
	path := writeTemp(t, data)

	for _, mapped := range []bool{true, false} {
		src, err := Open(path, WithMmap(mapped))
		require.NoError(t, err)

		assert.Equal(t, int64(len(data)), src.Size())
		assert.Equal(t, path, src.Name())

		sec, err := Section(src, 4, 6)
		require.NoError(t, err)
		got, err := io.ReadAll(sec)
		require.NoError(t, err)
		assert.Equal(t, "456789", string(got))

		buf := make([]byte, 3)
		require.NoError(t, ReadFull(src, buf, 13))
		assert.Equal(t, "def", string(buf))

		require.NoError(t, src.Close())
	}
}

func TestSectionOutOfRange(t *testing.T) {
	t.Parallel()

	src, err := Open(writeTemp(t, []byte("short")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	_, err = Section(src, 3, 3)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = Section(src, ^uint64(0), 2)
	require.ErrorIs(t, err, ErrOutOfRange)

	err = ReadFull(src, make([]byte, 8), 0)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestMappedReadAfterClose(t *testing.T) {
	t.Parallel()

	src, err := Open(writeTemp(t, []byte("mapped")))
	require.NoError(t, err)

	sec, err := Section(src, 0, 6)
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	_, err = io.ReadAll(sec)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEmptyFile(t *testing.T) {
	t.Parallel()

	src, err := Open(writeTemp(t, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	assert.Zero(t, src.Size())
	sec, err := Section(src, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, sec.Size())
}
