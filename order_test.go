package partialxfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenericFileDownloadOrder(t *testing.T) {
	o := GenericFileDownloadOrder{}

	st := State{TotalSize: 1000}
	assert.Equal(t, ActionContinue, o.NextStep(st).Action)

	st.ValidHead = &ValidPart{Start: 0, End: 1000}
	assert.Equal(t, ActionDone, o.NextStep(st).Action)
}

func TestPlainGcodeDownloadOrderSequence(t *testing.T) {
	o := NewPlainGcodeDownloadOrder(10000, 1000, 1000)

	st := State{TotalSize: 10000}
	step := o.NextStep(st)
	assert.Equal(t, ActionContinue, step.Action)
	assert.Equal(t, "head", o.Phase())

	st.ValidHead = &ValidPart{Start: 0, End: 1000}
	step = o.NextStep(st)
	assert.Equal(t, ActionRangeJump, step.Action)
	assert.Equal(t, int64(9000), step.Offset)
	assert.Equal(t, "tail", o.Phase())

	// Tail not yet valid: stay in the tail phase.
	step = o.NextStep(st)
	assert.Equal(t, ActionContinue, step.Action)

	st.ValidTail = &ValidPart{Start: 9000, End: 10000}
	step = o.NextStep(st)
	assert.Equal(t, ActionRangeJump, step.Action)
	assert.Equal(t, int64(1000), step.Offset)
	assert.Equal(t, "body", o.Phase())

	st.ValidHead.End = 9000
	step = o.NextStep(st)
	assert.Equal(t, ActionDone, step.Action)
	assert.Equal(t, "done", o.Phase())
}

func TestPlainGcodeDownloadOrderClampsOversizedPreview(t *testing.T) {
	o := NewPlainGcodeDownloadOrder(100, 1000, 1000)
	assert.Equal(t, int64(50), o.HeadSize)
	assert.Equal(t, int64(50), o.TailSize)
}

func TestPlainGcodeDownloadOrderResumePhase(t *testing.T) {
	o := NewPlainGcodeDownloadOrder(10000, 1000, 1000)

	st := State{
		TotalSize: 10000,
		ValidHead: &ValidPart{Start: 0, End: 1000},
		ValidTail: &ValidPart{Start: 9000, End: 10000},
	}
	o.ResumePhase(st)
	assert.Equal(t, "body", o.Phase())

	o2 := NewPlainGcodeDownloadOrder(10000, 1000, 1000)
	o2.ResumePhase(State{TotalSize: 10000})
	assert.Equal(t, "head", o2.Phase())
}
