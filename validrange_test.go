package partialxfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendValidPartGrowsHeadFromZero(t *testing.T) {
	st := State{TotalSize: 1000}
	extendValidPart(&st, ValidPart{Start: 0, End: 100})

	require.NotNil(t, st.ValidHead)
	assert.Equal(t, int64(0), st.ValidHead.Start)
	assert.Equal(t, int64(100), st.ValidHead.End)
	assert.Nil(t, st.ValidTail)
}

func TestExtendValidPartCreatesDisjointTail(t *testing.T) {
	st := State{TotalSize: 1000}
	extendValidPart(&st, ValidPart{Start: 0, End: 100})
	extendValidPart(&st, ValidPart{Start: 900, End: 1000})

	require.NotNil(t, st.ValidHead)
	require.NotNil(t, st.ValidTail)
	assert.Equal(t, int64(100), st.ValidHead.End)
	assert.Equal(t, int64(900), st.ValidTail.Start)
	assert.Equal(t, int64(1000), st.ValidTail.End)
	assert.Equal(t, int64(200), st.GetValidSize())
}

func TestExtendValidPartMergesHeadAndTailOnTouch(t *testing.T) {
	st := State{TotalSize: 1000}
	extendValidPart(&st, ValidPart{Start: 0, End: 400})
	extendValidPart(&st, ValidPart{Start: 600, End: 1000})
	extendValidPart(&st, ValidPart{Start: 400, End: 600})

	require.NotNil(t, st.ValidHead)
	require.NotNil(t, st.ValidTail)
	assert.Equal(t, int64(0), st.ValidHead.Start)
	assert.Equal(t, int64(1000), st.ValidHead.End)
	assert.Equal(t, int64(0), st.ValidTail.Start)
	assert.Equal(t, int64(1000), st.ValidTail.End)
	assert.True(t, st.GetValidSize() == st.TotalSize)
}

func TestExtendValidPartHeadReachingEndCollapsesToTail(t *testing.T) {
	st := State{TotalSize: 500}
	extendValidPart(&st, ValidPart{Start: 0, End: 500})

	require.NotNil(t, st.ValidHead)
	require.NotNil(t, st.ValidTail)
	assert.Equal(t, int64(500), st.ValidTail.End)

	// ValidTail must be an independent copy of ValidHead, not the same
	// pointer: mutating one later must not silently mutate the other.
	st.ValidHead.Start = 123
	assert.Equal(t, int64(0), st.ValidTail.Start)
}

func TestExtendValidPartOutOfOrderChunksStillMerge(t *testing.T) {
	st := State{TotalSize: 1000}
	extendValidPart(&st, ValidPart{Start: 300, End: 400})
	extendValidPart(&st, ValidPart{Start: 100, End: 200})
	extendValidPart(&st, ValidPart{Start: 200, End: 300})
	extendValidPart(&st, ValidPart{Start: 0, End: 100})

	require.NotNil(t, st.ValidHead)
	assert.Equal(t, int64(0), st.ValidHead.Start)
	assert.Equal(t, int64(400), st.ValidHead.End)
}

func TestStateCloneIsIndependent(t *testing.T) {
	st := State{
		ValidHead: &ValidPart{Start: 0, End: 10},
		ValidTail: &ValidPart{Start: 90, End: 100},
		TotalSize: 100,
	}
	clone := st.clone()
	clone.ValidHead.End = 50

	assert.Equal(t, int64(10), st.ValidHead.End)
	assert.Equal(t, int64(50), clone.ValidHead.End)
}

func TestGetPercentValid(t *testing.T) {
	st := State{ValidHead: &ValidPart{Start: 0, End: 50}, TotalSize: 200}
	assert.Equal(t, int64(25), st.GetPercentValid())
}
