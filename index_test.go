package partialxfer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferIndexAppendReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.txt")

	entries, err := ReadTransferIndex(path)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, AppendToTransferIndex(path, "/usb/a.gcode"))
	require.NoError(t, AppendToTransferIndex(path, "/usb/b.gcode"))

	entries, err = ReadTransferIndex(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usb/a.gcode", "/usb/b.gcode"}, entries)

	require.NoError(t, RemoveFromTransferIndex(path, "/usb/a.gcode"))
	entries, err = ReadTransferIndex(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usb/b.gcode"}, entries)
}

func TestTransferIndexRemoveDropsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.txt")
	require.NoError(t, AppendToTransferIndex(path, "/usb/a.gcode"))
	require.NoError(t, AppendToTransferIndex(path, "/usb/a.gcode"))
	require.NoError(t, AppendToTransferIndex(path, "/usb/b.gcode"))

	require.NoError(t, RemoveFromTransferIndex(path, "/usb/a.gcode"))
	entries, err := ReadTransferIndex(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usb/b.gcode"}, entries)
}
