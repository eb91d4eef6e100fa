package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := archive.PutObject(context.Background(), "job-1/reddit.json", "application/json", []byte(`[{"a":1}]`))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "job-1", "reddit.json"), uri)

	data, err := os.ReadFile(filepath.Join(dir, "job-1", "reddit.json"))
	require.NoError(t, err)
	require.JSONEq(t, `[{"a":1}]`, string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	archive, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = archive.PutObject(context.Background(), "../escape.json", "", []byte("x"))
	require.Error(t, err)
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
