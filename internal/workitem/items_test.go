package workitem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeItems(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeItems(t, `[
		{"id": "w1", "code": "G104", "severity": "high", "description": "unchecked error"},
		{"id": "w2", "status": "resolved"}
	]`)

	items, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, StatusOpen, items[0].Status, "missing status defaults to open")
	assert.Equal(t, StatusResolved, items[1].Status)
	assert.Equal(t, "G104", items[0].Code)
}

func TestLoadFileRejectsMissingID(t *testing.T) {
	path := writeItems(t, `[{"code": "G104"}]`)
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")
}

func TestLoadFileRejectsDuplicateID(t *testing.T) {
	path := writeItems(t, `[{"id": "w1"}, {"id": "w1"}]`)
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadFileRejectsUnknownStatus(t *testing.T) {
	path := writeItems(t, `[{"id": "w1", "status": "paused"}]`)
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileMissingFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
