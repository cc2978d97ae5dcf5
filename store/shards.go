// Package store implements the disk-backed storage collaborators
// spec.md §6's storage contract names at interface level only
// (loadShard, readOPFS/writeOPFS, fetchUrl): a concrete ShardLoader for
// weights.Load and a concrete AdapterLoader for lora.Manager, both
// reading from a plain directory layout rather than a browser's OPFS.
//
// Grounded on fs/gguf/file_read.go's span-read style (read a byte range
// out of an already-open file) adapted to this runtime's simpler
// already-split-into-shard-files manifest, since the raw multi-tensor
// GGUF container format itself (fs/ggml's KV store, array types,
// per-quant-format block tables) has no component in this spec to parse
// it — the model manifest here is the already-parsed JSON format
// weights.ParseManifest decodes (spec.md §6), not a GGUF blob.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ignite-run/ignite/weights"
)

// DiskShardLoader implements weights.ShardLoader by reading each shard's
// bytes from dir/manifest.Shards[i].Filename.
type DiskShardLoader struct {
	Dir      string
	Manifest *weights.Manifest
}

func (d DiskShardLoader) LoadShard(index int) ([]byte, error) {
	if index < 0 || index >= len(d.Manifest.Shards) {
		return nil, fmt.Errorf("store: shard index %d out of range (have %d shards)", index, len(d.Manifest.Shards))
	}
	name := d.Manifest.Shards[index].Filename
	b, err := os.ReadFile(filepath.Join(d.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("store: read shard %q: %w", name, err)
	}
	return b, nil
}

// ReadFile reads an arbitrary path relative to dir, standing in for
// spec.md §6's readOPFS(path) collaborator.
func ReadFile(dir, path string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		return nil, fmt.Errorf("store: readOPFS %q: %w", path, err)
	}
	return b, nil
}

// WriteFile writes data to a path relative to dir, creating parent
// directories as needed, standing in for spec.md §6's
// writeOPFS(path, bytes) collaborator.
func WriteFile(dir, path string, data []byte) error {
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("store: writeOPFS %q: mkdir: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("store: writeOPFS %q: %w", path, err)
	}
	return nil
}
