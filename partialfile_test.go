package partialxfer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prusa3d/partialxfer/fatvol"
)

func TestPartialFileCreateAndWriteSequentially(t *testing.T) {
	vol := fatvol.NewLocalVolume()
	path := filepath.Join(t.TempDir(), "model.gcode")

	pf, err := Create(vol, path, int64(3*SectorSize))
	require.NoError(t, err)
	defer pf.Close()

	data := make([]byte, SectorSize*2)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := pf.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	require.NoError(t, pf.Sync())

	st := pf.GetState()
	require.NotNil(t, st.ValidHead)
	assert.Equal(t, int64(0), st.ValidHead.Start)
	assert.Equal(t, int64(2*SectorSize), st.ValidHead.End)
}

func TestPartialFileSeekAndPartialSectorFlush(t *testing.T) {
	vol := fatvol.NewLocalVolume()
	path := filepath.Join(t.TempDir(), "model.gcode")

	pf, err := Create(vol, path, int64(2*SectorSize))
	require.NoError(t, err)
	defer pf.Close()

	require.NoError(t, pf.Seek(0))
	n, err := pf.Write(make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	// Flushing a partial sector must still publish progress.
	require.NoError(t, pf.Sync())
	st := pf.GetState()
	require.NotNil(t, st.ValidHead)
	assert.Equal(t, int64(SectorSize), st.ValidHead.End)
}

func TestPartialFileWriteTailThenHeadProducesTwoRegions(t *testing.T) {
	vol := fatvol.NewLocalVolume()
	path := filepath.Join(t.TempDir(), "model.gcode")

	pf, err := Create(vol, path, int64(4*SectorSize))
	require.NoError(t, err)
	defer pf.Close()

	require.NoError(t, pf.Seek(int64(3*SectorSize)))
	_, err = pf.Write(make([]byte, SectorSize))
	require.NoError(t, err)
	require.NoError(t, pf.Sync())

	st := pf.GetState()
	assert.Nil(t, st.ValidHead)
	require.NotNil(t, st.ValidTail)
	assert.Equal(t, int64(3*SectorSize), st.ValidTail.Start)

	require.NoError(t, pf.Seek(0))
	_, err = pf.Write(make([]byte, 3*SectorSize))
	require.NoError(t, err)
	require.NoError(t, pf.Sync())

	st = pf.GetState()
	require.NotNil(t, st.ValidHead)
	assert.Equal(t, int64(0), st.ValidHead.Start)
	assert.Equal(t, int64(4*SectorSize), st.ValidHead.End)
	assert.True(t, pf.HasValidHead(4*SectorSize))
}

func TestPartialFileDeviceSwapLatchesWriteError(t *testing.T) {
	vol := fatvol.NewLocalVolume()
	path := filepath.Join(t.TempDir(), "model.gcode")

	pf, err := Create(vol, path, int64(SectorSize))
	require.NoError(t, err)
	defer pf.Close()

	pf.SetIdentityPoke(func() error { return errors.New("device removed") })

	require.NoError(t, pf.Seek(0))
	_, err = pf.Write(make([]byte, SectorSize))
	assert.ErrorIs(t, err, errDeviceSwapped)

	_, err = pf.Write([]byte{1})
	assert.ErrorIs(t, err, errWriteLatched)

	pf.ResetError()
	pf.SetIdentityPoke(func() error { return nil })
	require.NoError(t, pf.Seek(0))
	_, err = pf.Write(make([]byte, SectorSize))
	assert.NoError(t, err)
}

func TestPartialFileSyncThenContinueWritingSameSectorPreservesPriorBytes(t *testing.T) {
	vol := fatvol.NewLocalVolume()
	path := filepath.Join(t.TempDir(), "model.gcode")

	pf, err := Create(vol, path, int64(SectorSize))
	require.NoError(t, err)
	defer pf.Close()

	first := make([]byte, 100)
	for i := range first {
		first[i] = byte(i + 1)
	}
	require.NoError(t, pf.Seek(0))
	_, err = pf.Write(first)
	require.NoError(t, err)
	require.NoError(t, pf.Sync())

	second := make([]byte, 50)
	for i := range second {
		second[i] = byte(200 + i)
	}
	_, err = pf.Write(second)
	require.NoError(t, err)
	require.NoError(t, pf.Sync())

	require.NoError(t, pf.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, got[:100], "bytes written before the first Sync must survive a second Sync of the same sector")
	assert.Equal(t, second, got[100:150])
}

func TestPartialFileOpenRestoresState(t *testing.T) {
	vol := fatvol.NewLocalVolume()
	path := filepath.Join(t.TempDir(), "model.gcode")

	pf, err := Create(vol, path, int64(2*SectorSize))
	require.NoError(t, err)
	require.NoError(t, pf.Seek(0))
	_, err = pf.Write(make([]byte, SectorSize))
	require.NoError(t, err)
	require.NoError(t, pf.Sync())
	restored := pf.GetState()
	require.NoError(t, pf.Close())

	pf2, err := Open(vol, path, restored)
	require.NoError(t, err)
	defer pf2.Close()

	assert.Equal(t, restored.ValidHead.End, pf2.GetState().ValidHead.End)
	assert.Equal(t, int64(2*SectorSize), pf2.FinalSize())
}
