package gpu

// CommandEncoder batches kernel dispatches and buffer copies for a
// single queue submission. The kernel library records onto it and
// never submits; only the caller driving a Job decides when to call
// Submit, so encode-time failures (shape mismatches) never touch the
// backend.
type CommandEncoder struct {
	ctx        *Context
	dispatches []Dispatch
	copies     []CopyOp
}

// Record appends one kernel dispatch. Kernel library entry points call
// this after validating shapes; it never fails.
func (e *CommandEncoder) Record(pipeline PipelineHandle, bindings []BufferHandle, gx, gy, gz int) {
	e.dispatches = append(e.dispatches, Dispatch{
		Pipeline: pipeline,
		Bindings: bindings,
		GridX:    gx,
		GridY:    gy,
		GridZ:    gz,
	})
}

// CopyTensor records a raw buffer-to-buffer copy, the flat-offset
// sibling of the stride-aware blit kernel.
func (e *CommandEncoder) CopyTensor(src, dst BufferHandle, srcOffset, dstOffset, length uint64) {
	e.copies = append(e.copies, CopyOp{
		Src:       src,
		Dst:       dst,
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Length:    length,
	})
}

// Submit hands every recorded dispatch and copy to the backend as one
// ordered queue submission, then clears the encoder so it cannot be
// resubmitted.
func (e *CommandEncoder) Submit() error {
	dispatches := e.dispatches
	copies := e.copies
	e.dispatches = nil
	e.copies = nil
	return e.ctx.backend.Execute(dispatches, copies)
}
