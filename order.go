package partialxfer

// Action describes what the download loop should do after an order policy
// has inspected the current valid-range state.
type Action int

const (
	// ActionContinue means keep streaming from wherever the HTTP download
	// currently sits.
	ActionContinue Action = iota
	// ActionRangeJump means abandon the current HTTP stream and begin a new
	// one at Offset, via an HTTP Range request.
	ActionRangeJump
	// ActionDone means the file is fully valid; stop downloading.
	ActionDone
)

// OrderStep is a DownloadOrder's instruction to the transfer loop.
type OrderStep struct {
	Action Action
	Offset int64
}

// DownloadOrder decides, given the file's current valid-range state, what
// the download loop should do next. Implementations are pure and stateless
// with respect to I/O: they only ever look at State and their own phase.
type DownloadOrder interface {
	// NextStep inspects state and returns the next instruction.
	NextStep(state State) OrderStep
}

// GenericFileDownloadOrder streams a file start-to-finish with no reordering,
// the right policy for any destination that isn't a previewable gcode.
type GenericFileDownloadOrder struct{}

// NextStep implements DownloadOrder.
func (GenericFileDownloadOrder) NextStep(state State) OrderStep {
	if state.GetValidSize() >= state.TotalSize {
		return OrderStep{Action: ActionDone}
	}
	return OrderStep{Action: ActionContinue}
}

// gcodePhase tracks where PlainGcodeDownloadOrder is in its head/tail/body
// sequence.
type gcodePhase int

const (
	gcodePhaseHead gcodePhase = iota
	gcodePhaseTail
	gcodePhaseBody
	gcodePhaseDone
)

// DefaultGcodePreviewSize is how much of the head and tail are fetched
// before the body, enough to cover the gcode metadata comment block and the
// embedded thumbnail most slicers place at the end of the file.
const DefaultGcodePreviewSize = 16 * 1024

// PlainGcodeDownloadOrder prioritizes the head (print metadata, thumbnail
// comments) and the tail (end-of-print gcode, any trailing thumbnail) of a
// gcode file ahead of the bulk body, so a preview can be shown to the user
// long before the transfer finishes. Grounded on
// original_source/src/transfers/transfer.cpp's PlainGcodeDownloadOrder.
type PlainGcodeDownloadOrder struct {
	HeadSize int64
	TailSize int64

	phase gcodePhase
}

// NewPlainGcodeDownloadOrder constructs an order with the given head/tail
// preview sizes, clamped so they never exceed half the file each.
func NewPlainGcodeDownloadOrder(totalSize, headSize, tailSize int64) *PlainGcodeDownloadOrder {
	if headSize > totalSize/2 {
		headSize = totalSize / 2
	}
	if tailSize > totalSize/2 {
		tailSize = totalSize / 2
	}
	return &PlainGcodeDownloadOrder{HeadSize: headSize, TailSize: tailSize}
}

// NextStep implements DownloadOrder.
func (o *PlainGcodeDownloadOrder) NextStep(state State) OrderStep {
	switch o.phase {
	case gcodePhaseHead:
		if state.ValidHead != nil && state.ValidHead.End >= o.HeadSize {
			o.phase = gcodePhaseTail
			return OrderStep{Action: ActionRangeJump, Offset: state.TotalSize - o.TailSize}
		}
		return OrderStep{Action: ActionContinue}

	case gcodePhaseTail:
		if state.ValidTail != nil && state.ValidTail.Start <= state.TotalSize-o.TailSize {
			o.phase = gcodePhaseBody
			jump := o.HeadSize
			if state.ValidHead != nil && state.ValidHead.End > jump {
				jump = state.ValidHead.End
			}
			return OrderStep{Action: ActionRangeJump, Offset: jump}
		}
		return OrderStep{Action: ActionContinue}

	case gcodePhaseBody:
		if state.GetValidSize() >= state.TotalSize {
			o.phase = gcodePhaseDone
			return OrderStep{Action: ActionDone}
		}
		return OrderStep{Action: ActionContinue}

	default:
		return OrderStep{Action: ActionDone}
	}
}

// Phase reports the order's current stage, exposed for the recovery path:
// a resumed transfer re-derives its phase from the restored State rather
// than always restarting at gcodePhaseHead.
func (o *PlainGcodeDownloadOrder) Phase() string {
	switch o.phase {
	case gcodePhaseHead:
		return "head"
	case gcodePhaseTail:
		return "tail"
	case gcodePhaseBody:
		return "body"
	default:
		return "done"
	}
}

// ResumePhase fast-forwards the order's internal phase to match a State
// recovered from a backup record, so NextStep doesn't redundantly re-jump
// to the head when the head is already valid.
func (o *PlainGcodeDownloadOrder) ResumePhase(state State) {
	switch {
	case state.GetValidSize() >= state.TotalSize:
		o.phase = gcodePhaseDone
	case state.ValidTail != nil && state.ValidTail.Start <= state.TotalSize-o.TailSize:
		o.phase = gcodePhaseBody
	case state.ValidHead != nil && state.ValidHead.End >= o.HeadSize:
		o.phase = gcodePhaseTail
	default:
		o.phase = gcodePhaseHead
	}
}
