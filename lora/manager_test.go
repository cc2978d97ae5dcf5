package lora

import (
	"testing"
)

type fakeLoader struct {
	adapters map[string]Adapter
	manifest map[string]Manifest
}

func (f *fakeLoader) LoadAdapter(id, path string) (Adapter, Manifest, error) {
	return f.adapters[id], f.manifest[id], nil
}

func sampleAdapter(baseModel string) (Adapter, Manifest) {
	m := Manifest{ID: "a1", Name: "A1", BaseModel: baseModel, Rank: 2, Alpha: 4, TargetModules: []TargetModule{TargetQProj}}
	a := Adapter{
		Manifest: m,
		Layers: map[int]map[TargetModule]ModuleWeights{
			0: {
				// A is [rank,in]=[2,2], B is [out,rank]=[2,2]; shapes must
				// be internally consistent since mergeWeightedSum indexes
				// them by rank/in/out rather than treating them as opaque.
				TargetQProj: {A: []float32{1, 2, 3, 4}, B: []float32{1, 2, 3, 4}, In: 2, Out: 2, Rank: 2, Alpha: 4, Scale: 2},
			},
		},
	}
	return a, m
}

// spec.md §8: register -> enable -> disable -> unload fires all 5 events
// exactly once in order; loadedCount==0 and enabledCount==0 afterward.
func TestManagerLifecycleEventOrder(t *testing.T) {
	mgr := NewManager(&fakeLoader{}, 0, 2, StackOptions{Strategy: MergeWeightedSum})

	var kinds []EventKind
	mgr.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	adapter, manifest := sampleAdapter("gemma-3n")
	if err := mgr.Register("a1", adapter, manifest); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.Enable("a1", EnableOptions{}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := mgr.Disable("a1"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := mgr.Unload("a1"); err != nil {
		t.Fatalf("unload: %v", err)
	}

	want := []EventKind{
		EventAdapterLoaded,
		EventAdapterEnabled, EventActiveAdaptersChanged,
		EventAdapterDisabled, EventActiveAdaptersChanged,
		EventAdapterUnloaded,
	}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events %v, want %d %v", len(kinds), kinds, len(want), want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: got %v want %v", i, kinds[i], want[i])
		}
	}

	if mgr.LoadedCount() != 0 {
		t.Errorf("loadedCount = %d, want 0", mgr.LoadedCount())
	}
	if mgr.EnabledCount() != 0 {
		t.Errorf("enabledCount = %d, want 0", mgr.EnabledCount())
	}
}

func TestManagerEnableRejectsBaseModelMismatch(t *testing.T) {
	mgr := NewManager(&fakeLoader{}, 0, 2, StackOptions{})
	adapter, manifest := sampleAdapter("gemma-3n")
	if err := mgr.Register("a1", adapter, manifest); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := mgr.Enable("a1", EnableOptions{ExpectedBaseModel: "llama-3"})
	if err != ErrBaseModelMismatch {
		t.Fatalf("got %v, want ErrBaseModelMismatch", err)
	}
}

func TestManagerEnableRejectsOutOfRangeWeight(t *testing.T) {
	mgr := NewManager(&fakeLoader{}, 0, 1, StackOptions{})
	adapter, manifest := sampleAdapter("gemma-3n")
	mgr.Register("a1", adapter, manifest)
	w := 5.0
	if err := mgr.Enable("a1", EnableOptions{Weight: &w}); err != ErrInvalidWeight {
		t.Fatalf("got %v, want ErrInvalidWeight", err)
	}
}

func TestManagerDoubleRegisterFails(t *testing.T) {
	mgr := NewManager(&fakeLoader{}, 0, 2, StackOptions{})
	adapter, manifest := sampleAdapter("gemma-3n")
	mgr.Register("a1", adapter, manifest)
	if err := mgr.Register("a1", adapter, manifest); err != ErrAlreadyLoaded {
		t.Fatalf("got %v, want ErrAlreadyLoaded", err)
	}
}

func TestManagerEnableIsIdempotent(t *testing.T) {
	mgr := NewManager(&fakeLoader{}, 0, 2, StackOptions{})
	adapter, manifest := sampleAdapter("gemma-3n")
	mgr.Register("a1", adapter, manifest)

	var events int
	mgr.Subscribe(func(Event) { events++ })

	mgr.Enable("a1", EnableOptions{})
	after1 := events
	mgr.Enable("a1", EnableOptions{})
	if events != after1 {
		t.Fatalf("expected no new events on repeat Enable, got %d more", events-after1)
	}
}

func TestManagerToggle(t *testing.T) {
	mgr := NewManager(&fakeLoader{}, 0, 2, StackOptions{})
	adapter, manifest := sampleAdapter("gemma-3n")
	mgr.Register("a1", adapter, manifest)

	enabled, err := mgr.Toggle("a1")
	if err != nil || !enabled {
		t.Fatalf("toggle 1: enabled=%v err=%v", enabled, err)
	}
	enabled, err = mgr.Toggle("a1")
	if err != nil || enabled {
		t.Fatalf("toggle 2: enabled=%v err=%v", enabled, err)
	}
}

func TestManagerEnableOnlyDisablesOthers(t *testing.T) {
	mgr := NewManager(&fakeLoader{}, 0, 2, StackOptions{})
	a1, m1 := sampleAdapter("gemma-3n")
	m1.ID = "a1"
	a2, m2 := sampleAdapter("gemma-3n")
	a2.Manifest.ID, m2.ID = "a2", "a2"

	mgr.Register("a1", a1, m1)
	mgr.Register("a2", a2, m2)
	mgr.Enable("a1", EnableOptions{})
	mgr.Enable("a2", EnableOptions{})

	if err := mgr.EnableOnly("a1", EnableOptions{}); err != nil {
		t.Fatalf("enableOnly: %v", err)
	}
	active := mgr.ActiveAdapterIDs()
	if len(active) != 1 || active[0] != "a1" {
		t.Fatalf("got active=%v, want [a1]", active)
	}
}
