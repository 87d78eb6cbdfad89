package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	disk, err := NewDiskBackend(t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"disk":   disk,
		"memory": NewMemoryBackend(),
		"s3":     newS3BackendWithAPI("logs", "cluster-a", newFakeS3()),
	}
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			dir := Join("streams", "1", "topics", "1", "partitions", "1")
			require.NoError(t, b.MkdirAll(ctx, dir))

			ok, err := b.Exists(ctx, dir)
			require.NoError(t, err)
			assert.True(t, ok)

			file := Join(dir, "00000000000000000000.log")
			size, err := b.Append(ctx, file, []byte("hello "), true)
			require.NoError(t, err)
			assert.Equal(t, int64(6), size)
			size, err = b.Append(ctx, file, []byte("world"), false)
			require.NoError(t, err)
			assert.Equal(t, int64(11), size)

			got, err := b.ReadAt(ctx, file, 6, 5)
			require.NoError(t, err)
			assert.Equal(t, "world", string(got))

			_, err = b.ReadAt(ctx, file, 6, 50)
			require.Error(t, err)

			require.NoError(t, b.Truncate(ctx, file, 5))
			all, err := b.ReadFile(ctx, file)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(all))
			require.NoError(t, b.Sync(ctx, file))

			require.NoError(t, b.WriteFile(ctx, Join(dir, "meta"), []byte("v1")))
			require.NoError(t, b.WriteFile(ctx, Join(dir, "meta"), []byte("v2")))
			meta, err := b.ReadFile(ctx, Join(dir, "meta"))
			require.NoError(t, err)
			assert.Equal(t, "v2", string(meta))

			require.NoError(t, b.MkdirAll(ctx, Join(dir, "offsets")))
			entries, err := b.ListDir(ctx, dir)
			require.NoError(t, err)
			names := map[string]bool{}
			for _, e := range entries {
				names[e.Name] = e.IsDir
			}
			assert.Equal(t, map[string]bool{
				"00000000000000000000.log": false,
				"meta":                     false,
				"offsets":                  true,
			}, names)

			parts, err := b.ListDir(ctx, Join("streams", "1", "topics", "1", "partitions"))
			require.NoError(t, err)
			require.Len(t, parts, 1)
			assert.Equal(t, Entry{Name: "1", IsDir: true}, parts[0])

			_, err = b.ListDir(ctx, "streams/9")
			assert.True(t, errors.Is(err, ErrNotExist), "got %v", err)
			_, err = b.ReadFile(ctx, Join(dir, "missing"))
			assert.True(t, errors.Is(err, ErrNotExist), "got %v", err)
			_, err = b.Size(ctx, Join(dir, "missing"))
			assert.True(t, errors.Is(err, ErrNotExist), "got %v", err)

			require.NoError(t, b.RemoveAll(ctx, Join("streams", "1", "topics")))
			ok, err = b.Exists(ctx, dir)
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = b.Exists(ctx, Join("streams", "1"))
			require.NoError(t, err)
			assert.True(t, ok)

			// removing a missing path is not an error
			require.NoError(t, b.RemoveAll(ctx, "streams/404"))
		})
	}
}

func TestMemoryBackendRequiresParentDirectory(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	_, err := b.Append(ctx, "a/b/file", []byte("x"), false)
	require.ErrorIs(t, err, ErrNotExist)
}

func TestMemoryBackendFault(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	b := NewMemoryBackend()
	b.Fault = func(op, p string) error {
		if op == "mkdir" && p == "x/partitions" {
			return boom
		}
		return nil
	}
	require.NoError(t, b.MkdirAll(ctx, "x"))
	require.ErrorIs(t, b.MkdirAll(ctx, "x/partitions"), boom)
}
