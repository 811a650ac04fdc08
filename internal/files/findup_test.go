package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "analyses"), 0o755))

	p, err := FindUp("analyses", deep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "analyses"), p)

	p, err = FindUp("c", deep)
	require.NoError(t, err)
	assert.Equal(t, deep, p)

	_, err = FindUp("no-such-dir-anywhere-3f2a", deep)
	assert.ErrorIs(t, err, ErrNotFound)
}
