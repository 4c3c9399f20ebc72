package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// backends runs fn against every Backend implementation.
func backends(t *testing.T, fn func(t *testing.T, b SizeAwareBackend)) {
	t.Run("disk", func(t *testing.T) {
		d, err := NewDisk(t.TempDir())
		require.NoError(t, err)
		fn(t, d)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
}

func TestNewDiskCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")

	d, err := NewDisk(dir)
	require.NoError(t, err)
	require.Equal(t, dir, d.Dir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestBackendWriteRead(t *testing.T) {
	backends(t, func(t *testing.T, b SizeAwareBackend) {
		ctx := context.Background()
		data := []byte("main.js contents")

		require.NoError(t, b.Write(ctx, "bodies/ab/abcd", bytes.NewReader(data)))

		rc, err := b.Read(ctx, "bodies/ab/abcd")
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.Equal(t, data, got)

		size, err := b.Size(ctx, "bodies/ab/abcd")
		require.NoError(t, err)
		require.Equal(t, int64(len(data)), size)
	})
}

func TestBackendNotFound(t *testing.T) {
	backends(t, func(t *testing.T, b SizeAwareBackend) {
		ctx := context.Background()

		_, err := b.Read(ctx, "missing/key")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = b.Size(ctx, "missing/key")
		require.ErrorIs(t, err, ErrNotFound)

		exists, err := b.Exists(ctx, "missing/key")
		require.NoError(t, err)
		require.False(t, exists)
	})
}

func TestBackendDeleteIsIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, b SizeAwareBackend) {
		ctx := context.Background()
		require.NoError(t, b.Write(ctx, "k", strings.NewReader("v")))

		require.NoError(t, b.Delete(ctx, "k"))
		require.NoError(t, b.Delete(ctx, "k"))

		exists, err := b.Exists(ctx, "k")
		require.NoError(t, err)
		require.False(t, exists)
	})
}

func TestBackendOverwrite(t *testing.T) {
	backends(t, func(t *testing.T, b SizeAwareBackend) {
		ctx := context.Background()
		require.NoError(t, b.Write(ctx, "k", strings.NewReader("old")))
		require.NoError(t, b.Write(ctx, "k", strings.NewReader("newer value")))

		rc, err := b.Read(ctx, "k")
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()
		got, _ := io.ReadAll(rc)
		require.Equal(t, "newer value", string(got))
	})
}

func TestBackendList(t *testing.T) {
	backends(t, func(t *testing.T, b SizeAwareBackend) {
		ctx := context.Background()
		keys := []string{"bodies/aa/1", "bodies/aa/2", "bodies/bb/3", "other/4"}
		for _, k := range keys {
			require.NoError(t, b.Write(ctx, k, strings.NewReader("x")))
		}

		got, err := b.List(ctx, "bodies")
		require.NoError(t, err)
		sort.Strings(got)
		require.Equal(t, []string{"bodies/aa/1", "bodies/aa/2", "bodies/bb/3"}, got)
	})
}

func TestDiskListSkipsPartialBodies(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.Write(ctx, "bodies/aa/1", strings.NewReader("x")))
	require.NoError(t, os.WriteFile(filepath.Join(d.Dir(), "bodies", "aa", partialPrefix+"123"), []byte("partial"), 0o600))

	got, err := d.List(ctx, "bodies")
	require.NoError(t, err)
	require.Equal(t, []string{"bodies/aa/1"}, got)

	got, err = d.List(ctx, "bodies/aa/1")
	require.NoError(t, err)
	require.Equal(t, []string{"bodies/aa/1"}, got)

	got, err = d.List(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDiskRejectsKeysOutsideDir(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "..", "../escape", "bodies/../../escape"} {
		require.ErrorIs(t, d.Write(ctx, key, strings.NewReader("x")), ErrInvalidKey, key)
		_, err := d.Read(ctx, key)
		require.ErrorIs(t, err, ErrInvalidKey, key)
		_, err = d.Exists(ctx, key)
		require.ErrorIs(t, err, ErrInvalidKey, key)
		require.ErrorIs(t, d.Delete(ctx, key), ErrInvalidKey, key)
	}

	_, err = os.Stat(filepath.Join(filepath.Dir(d.Dir()), "escape"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
