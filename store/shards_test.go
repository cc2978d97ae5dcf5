package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ignite-run/ignite/weights"
)

func TestDiskShardLoaderLoadShard(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "shard-0.bin"), []byte("tensor-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &weights.Manifest{Shards: []weights.ShardEntry{{Filename: "shard-0.bin"}}}
	loader := DiskShardLoader{Dir: dir, Manifest: m}

	got, err := loader.LoadShard(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "tensor-bytes" {
		t.Fatalf("got %q", got)
	}
}

func TestDiskShardLoaderOutOfRange(t *testing.T) {
	m := &weights.Manifest{Shards: []weights.ShardEntry{{Filename: "shard-0.bin"}}}
	loader := DiskShardLoader{Dir: t.TempDir(), Manifest: m}
	if _, err := loader.LoadShard(1); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestReadWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := WriteFile(dir, "nested/manifest.json", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(dir, "nested/manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("got %q", got)
	}
}

func TestReadFileMissing(t *testing.T) {
	if _, err := ReadFile(t.TempDir(), "missing.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
