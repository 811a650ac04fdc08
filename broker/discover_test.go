package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, root string, dirs ...string) {
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	primary := filepath.Join(root, "analyses")
	packaged := filepath.Join(root, "packaged")
	mkdirs(t, primary, "pi_py", "_hidden_py", ".dot_py", "tool_exec", "spark_pyspark")
	mkdirs(t, packaged, "fallback_py", "walk_go")
	require.NoError(t, os.WriteFile(filepath.Join(primary, "notadir_py"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(primary, "tool_exec", KernelFile), []byte(`
command: ["./bin/tool", "--fast"]
env:
  MODE: test
`), 0o644))

	analyses, err := Discover([]string{primary, packaged, filepath.Join(root, "missing")})
	require.NoError(t, err)

	byName := map[string]Analysis{}
	var names []string
	for _, a := range analyses {
		byName[a.Name] = a
		names = append(names, a.Name)
	}
	// the packaged dir only contributes languages the primary dir has none of
	assert.Equal(t, []string{"pi_py", "spark_pyspark", "tool_exec", "walk_go"}, names)

	assert.Equal(t, []string{"python", filepath.Join(primary, "pi_py", "analysis.py")}, byName["pi_py"].Command)
	assert.Equal(t, []string{"pyspark", filepath.Join(primary, "spark_pyspark", "analysis.py")}, byName["spark_pyspark"].Command)
	assert.Equal(t, []string{"go", "run", "."}, byName["walk_go"].Command)
	assert.Equal(t, filepath.Join(packaged, "walk_go"), byName["walk_go"].Dir)

	tool := byName["tool_exec"]
	assert.Equal(t, []string{filepath.Join(primary, "tool_exec", "bin", "tool"), "--fast"}, tool.Command)
	assert.Equal(t, map[string]string{"MODE": "test"}, tool.Env)
	assert.False(t, tool.IsNative())
}

func TestDiscoverBadKernelFile(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "bad_exec")
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad_exec", KernelFile), []byte("commands: [x]\n"), 0o644))

	_, err := Discover([]string{root})
	assert.Error(t, err)
}
