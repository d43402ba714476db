package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "builders.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRegistry(t *testing.T) {
	path := writeRegistry(t, `
builders:
  - name: opencode-local
    kind: opencode
    base_url: http://127.0.0.1:4096
    directory: /work
    default: true
  - name: opencode-remote
    kind: opencode
    base_url: http://builder.internal:4096
`)

	r, err := LoadRegistry(path, testLog(t))
	require.NoError(t, err)
	assert.Equal(t, "opencode-local", r.DefaultName())
	assert.Len(t, r.Entries(), 2)

	a, err := r.Get("opencode-remote")
	require.NoError(t, err)
	assert.Equal(t, "opencode", a.Kind())

	// Empty name resolves to the default.
	def, err := r.Get("")
	require.NoError(t, err)
	assert.Same(t, mustGet(t, r, "opencode-local"), def)
}

func TestLoadRegistryMissingFileFallsBack(t *testing.T) {
	r, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"), testLog(t))
	require.NoError(t, err)
	assert.Equal(t, "opencode-local", r.DefaultName())
	assert.Len(t, r.Entries(), 1)
}

func TestLoadRegistryRejectsUnknownKind(t *testing.T) {
	path := writeRegistry(t, `
builders:
  - name: mystery
    kind: teleporter
`)
	_, err := LoadRegistry(path, testLog(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown builder kind")
}

func TestLoadRegistryRejectsDuplicateNames(t *testing.T) {
	path := writeRegistry(t, `
builders:
  - name: same
    kind: opencode
  - name: same
    kind: opencode
`)
	_, err := LoadRegistry(path, testLog(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate builder name")
}

func TestGetUnknownBuilder(t *testing.T) {
	path := writeRegistry(t, `
builders:
  - name: only
    kind: opencode
`)
	r, err := LoadRegistry(path, testLog(t))
	require.NoError(t, err)

	_, err = r.Get("ghost")
	assert.Error(t, err)
}

func mustGet(t *testing.T, r *Registry, name string) Adapter {
	t.Helper()
	a, err := r.Get(name)
	require.NoError(t, err)
	return a
}
