package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FSStore keeps minified assets on the local filesystem, one body file and one JSON
// metadata file per key, sharded by key prefix
type FSStore struct {
	rootDir    string
	shardDepth int
}

// NewFSStore creates a filesystem store rooted at rootDir
func NewFSStore(rootDir string, shardDepth int) (*FSStore, error) {
	if shardDepth < 0 || shardDepth > 4 {
		shardDepth = 2
	}

	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset store directory: %w", err)
	}

	return &FSStore{
		rootDir:    rootDir,
		shardDepth: shardDepth,
	}, nil
}

// Get opens the stored body for key
func (fs *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, *Meta, bool, error) {
	dataPath := fs.dataPath(key)

	if _, err := os.Stat(dataPath); os.IsNotExist(err) {
		return nil, nil, false, nil
	}

	meta, err := fs.readMeta(fs.metaPath(key))
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read metadata: %w", err)
	}

	if meta.IsExpired() {
		fs.Delete(ctx, key)
		return nil, nil, false, nil
	}

	file, err := os.Open(dataPath)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to open asset file: %w", err)
	}

	return file, meta, true, nil
}

// Put writes body and meta for key. The body is renamed into place after the metadata
// is written, so a reader never sees a body without metadata.
func (fs *FSStore) Put(ctx context.Context, key string, body io.Reader, meta *Meta) error {
	dataPath := fs.dataPath(key)

	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmpDataPath := dataPath + ".tmp"
	tmpFile, err := os.Create(tmpDataPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpDataPath)

	written, err := io.Copy(tmpFile, body)
	tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write asset data: %w", err)
	}

	stored := *meta
	stored.Size = written

	if err := fs.writeMeta(fs.metaPath(key), &stored); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := os.Rename(tmpDataPath, dataPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Delete removes key; a missing key is not an error
func (fs *FSStore) Delete(ctx context.Context, key string) error {
	for _, p := range []string{fs.dataPath(key), fs.metaPath(key)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}
	return nil
}

// Purge removes every stored asset and recreates the empty root
func (fs *FSStore) Purge(ctx context.Context) error {
	if err := os.RemoveAll(fs.rootDir); err != nil {
		return fmt.Errorf("failed to purge asset store: %w", err)
	}
	return os.MkdirAll(fs.rootDir, 0755)
}

// Close is a no-op for the filesystem store
func (fs *FSStore) Close() error {
	return nil
}

func (fs *FSStore) dataPath(key string) string {
	return fs.shardedPath(key, ".data")
}

func (fs *FSStore) metaPath(key string) string {
	return fs.shardedPath(key, ".meta")
}

// shardedPath spreads keys over nested two-character directories, e.g. ab/cd/abcd...data
func (fs *FSStore) shardedPath(key string, suffix string) string {
	var shards []string
	for i := 0; i < fs.shardDepth && i*2+2 <= len(key); i++ {
		shards = append(shards, key[i*2:i*2+2])
	}

	return filepath.Join(fs.rootDir, filepath.Join(shards...), key+suffix)
}

func (fs *FSStore) readMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (fs *FSStore) writeMeta(path string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
