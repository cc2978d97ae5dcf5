// recorder.go - command batching (spec.md §4.3, §9 "command recording").
//
// Grounded on ml.Context.ComputeWithNotify / Context.Forward, which defer
// an entire layer's graph to a single submission. Here a Recorder
// accumulates thunks and exposes one Submit() that runs them in program
// order — functionally identical to calling each op eagerly, but letting
// the generator batch a whole prefill or decode step into one "submission"
// per spec.md §5's ordering guarantees.
package kernel

// Recorder batches operations for a single submission. A nil *Recorder is
// valid and causes every facade function to execute eagerly instead,
// matching spec.md §4.3: "Either path is semantically identical."
type Recorder struct {
	ops []func()
}

// NewRecorder returns an empty command recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// record schedules fn to run at Submit time, or runs it immediately if rec
// is nil (eager mode).
func record(rec *Recorder, fn func()) {
	if rec == nil {
		fn()
		return
	}
	rec.ops = append(rec.ops, fn)
}

// Defer schedules fn with the same ordering guarantee record gives the
// facade's own ops, for callers outside this package (layer, logits,
// sampler) that need to interleave their own reshape/slice/combine steps
// between facade calls without breaking a batched Recorder's program
// order — reading a Tensor's Data() outside of a Defer'd (or eager) step
// would observe the pre-Submit zero-filled buffer.
func Defer(rec *Recorder, fn func()) {
	record(rec, fn)
}

// Submit runs every recorded operation in the order it was recorded, then
// clears the recorder so it can be reused for the next step.
func (r *Recorder) Submit() {
	if r == nil {
		return
	}
	for _, op := range r.ops {
		op()
	}
	r.ops = r.ops[:0]
}

// Device is the GPU contract (spec.md §6): a command recorder factory, a
// debug-readback gate, and the buffer-binding limit the logits head's
// chunking decision depends on.
type Device interface {
	CreateCommandRecorder(label string) *Recorder
	AllowReadback(tag string) bool
	MaxBufferBindingSize() int64
}
