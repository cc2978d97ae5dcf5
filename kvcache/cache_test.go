package kvcache

import (
	"errors"
	"testing"

	"github.com/ignite-run/ignite/dtype"
	"github.com/ignite-run/ignite/kernel"
)

func TestAppendAdvancesSeqLenOnlyAtLayerZero(t *testing.T) {
	c := New(2, 1, 2, 4, dtype.F32)
	k := kernel.NewTensor([]int{1, 1, 2}, []float32{1, 2})
	v := kernel.NewTensor([]int{1, 1, 2}, []float32{3, 4})

	if err := c.Append(1, k, v); err != nil {
		t.Fatal(err)
	}
	if c.SeqLen() != 0 {
		t.Fatalf("seqLen advanced on non-zero layer append: got %d", c.SeqLen())
	}

	if err := c.Append(0, k, v); err != nil {
		t.Fatal(err)
	}
	if c.SeqLen() != 1 {
		t.Fatalf("seqLen = %d, want 1 after layer-0 append", c.SeqLen())
	}
}

func TestAppendOverflow(t *testing.T) {
	c := New(1, 1, 1, 2, dtype.F32)
	k := kernel.NewTensor([]int{2, 1, 1}, []float32{1, 2})
	v := kernel.NewTensor([]int{2, 1, 1}, []float32{1, 2})

	if err := c.Append(0, k, v); err != nil {
		t.Fatal(err)
	}

	k2 := kernel.NewTensor([]int{1, 1, 1}, []float32{3})
	v2 := kernel.NewTensor([]int{1, 1, 1}, []float32{3})
	err := c.Append(0, k2, v2)
	if !errors.Is(err, ErrSequenceOverflow) {
		t.Fatalf("expected ErrSequenceOverflow, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := New(1, 1, 2, 4, dtype.F32)
	k := kernel.NewTensor([]int{1, 1, 2}, []float32{1, 2})
	v := kernel.NewTensor([]int{1, 1, 2}, []float32{3, 4})
	if err := c.Append(0, k, v); err != nil {
		t.Fatal(err)
	}

	snap := c.Clone()
	if snap.SeqLen() != 1 {
		t.Fatalf("snapshot seqLen = %d, want 1", snap.SeqLen())
	}

	k2 := kernel.NewTensor([]int{1, 1, 2}, []float32{9, 9})
	v2 := kernel.NewTensor([]int{1, 1, 2}, []float32{9, 9})
	if err := c.Append(0, k2, v2); err != nil {
		t.Fatal(err)
	}
	if snap.SeqLen() != 1 {
		t.Fatalf("mutating original cache must not affect snapshot, got seqLen %d", snap.SeqLen())
	}
}

func TestRestoreReplaysSnapshotIndependently(t *testing.T) {
	c := New(1, 1, 2, 4, dtype.F32)
	k := kernel.NewTensor([]int{1, 1, 2}, []float32{1, 2})
	v := kernel.NewTensor([]int{1, 1, 2}, []float32{3, 4})
	if err := c.Append(0, k, v); err != nil {
		t.Fatal(err)
	}
	snap := c.Clone()

	other := New(1, 1, 2, 4, dtype.F32)
	other.Restore(snap)
	if other.SeqLen() != 1 {
		t.Fatalf("restored cache seqLen = %d, want 1", other.SeqLen())
	}

	k2 := kernel.NewTensor([]int{1, 1, 2}, []float32{5, 5})
	v2 := kernel.NewTensor([]int{1, 1, 2}, []float32{5, 5})
	if err := other.Append(0, k2, v2); err != nil {
		t.Fatal(err)
	}
	if snap.SeqLen() != 1 {
		t.Fatalf("mutating a restored cache must not affect the source snapshot, got %d", snap.SeqLen())
	}

	// A second Restore from the same snapshot must start fresh again.
	other.Restore(snap)
	if other.SeqLen() != 1 {
		t.Fatalf("second restore from same snapshot: seqLen = %d, want 1", other.SeqLen())
	}
}

func TestClearResetsSeqLen(t *testing.T) {
	c := New(1, 1, 1, 4, dtype.F32)
	k := kernel.NewTensor([]int{1, 1, 1}, []float32{1})
	v := kernel.NewTensor([]int{1, 1, 1}, []float32{1})
	if err := c.Append(0, k, v); err != nil {
		t.Fatal(err)
	}
	c.Clear()
	if c.SeqLen() != 0 {
		t.Fatalf("SeqLen after Clear = %d, want 0", c.SeqLen())
	}
}

func TestAppendInvalidLayerIndex(t *testing.T) {
	c := New(2, 1, 1, 4, dtype.F32)
	k := kernel.NewTensor([]int{1, 1, 1}, []float32{1})
	v := kernel.NewTensor([]int{1, 1, 1}, []float32{1})
	if err := c.Append(5, k, v); err == nil {
		t.Fatal("expected out-of-range layer index error")
	}
}

// TestAppendRecordedObservesDeferredProducer guards against AppendRecorded
// reading k/v before a batched Recorder has filled them: k/v here are
// themselves the output of a deferred op (kernel.RoPE), so a premature
// (eager) read would copy zeros into the cache instead of the rotated
// values.
func TestAppendRecordedObservesDeferredProducer(t *testing.T) {
	c := New(1, 1, 2, 4, dtype.F32)
	cos := kernel.NewTensor([]int{4, 1}, []float32{1, 1, 1, 1})
	sin := kernel.NewTensor([]int{4, 1}, []float32{0, 0, 0, 0})
	qRaw := kernel.NewTensor([]int{1, 1, 2}, []float32{5, 7})
	kRaw := kernel.NewTensor([]int{1, 1, 2}, []float32{5, 7})

	rec := kernel.NewRecorder()
	_, kRotated := kernel.RoPE(rec, qRaw, kRaw, cos, sin, 0)
	if err := c.AppendRecorded(rec, 0, kRotated, kRotated); err != nil {
		t.Fatal(err)
	}
	rec.Submit()

	got := c.GetKey(0).Row(0)
	want := kRotated.Data()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cache row %v does not match the rotated producer's resolved data %v (stale/zero read?)", got, want)
		}
	}
	if got[0] == 0 && got[1] == 0 {
		t.Fatal("cache row is all-zero: AppendRecorded likely read before the deferred RoPE fill ran")
	}
}
