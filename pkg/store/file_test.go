package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_FileIndex_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "names.json")
	ctx := context.Background()

	idx, err := OpenFileIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.PutName(ctx, "abc", "version.py"))
	require.NoError(t, idx.PutName(ctx, "def", "widget.py"))
	require.NoError(t, idx.DeleteName(ctx, "def"))

	reopened, err := OpenFileIndex(path)
	require.NoError(t, err)

	name, err := reopened.GetName(ctx, "abc")
	assert.NoError(t, err)
	assert.Equal(t, "version.py", name)

	_, err = reopened.GetName(ctx, "def")
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_FileIndex_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	idx, err := OpenFileIndex(path)
	require.NoError(t, err)

	_, err = idx.GetName(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, idx.PutName(context.Background(), "abc", "a.py"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"abc":"a.py"}`, string(data))
}
