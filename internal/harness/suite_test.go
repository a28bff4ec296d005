package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNamed(t *testing.T, dir, file, name string) {
	t.Helper()
	content := []byte("name: " + name + "\ndescription: minimal\nflow:\n  - do: resume\nassertions:\n  - type: final_state\n    state: NoSession\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), content, 0644))
}

func TestLoadDir_SortedByFile(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "b.yaml", "second")
	writeNamed(t, dir, "a.yaml", "first")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	scenarios, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "first", scenarios[0].Name)
	assert.Equal(t, "second", scenarios[1].Name)
}

func TestLoadDir_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "a.yaml", "same")
	writeNamed(t, dir, "b.yaml", "same")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `scenario name "same" already used by a.yaml`)
}

func TestLoadDir_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x\n"), 0644))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestLoadNamed_NotFound(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "present.yaml", "present")

	_, err := LoadNamed(dir, "present", "absent")
	require.Error(t, err)
	var nf *ScenarioNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "absent", nf.Name)
	assert.Equal(t, filepath.Join(dir, "absent.yaml"), nf.ResolvedPath)
}
