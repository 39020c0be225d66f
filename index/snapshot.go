package index

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opalstore/opal/codec"
	"github.com/opalstore/opal/internal/fs"
	"github.com/opalstore/opal/manifest"
)

const snapshotVersion = 1

// snapshotFile is the serialized form of the whole index map. The codec name
// is recorded so a mismatched reader fails loudly instead of misdecoding.
type snapshotFile struct {
	Version int                           `json:"version"`
	Codec   string                        `json:"codec"`
	Entries map[string]*manifest.Manifest `json:"entries"`
}

// writeSnapshot serializes entries to a temp file in the same directory and
// atomically renames it over path. Readers never observe a partial snapshot.
func writeSnapshot(fsys fs.FileSystem, path string, c codec.Codec, entries map[string]*manifest.Manifest) error {
	data, err := c.Marshal(snapshotFile{
		Version: snapshotVersion,
		Codec:   c.Name(),
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := fsys.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fsys.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmpPath)
		return err
	}

	if err := fsys.Rename(tmpPath, path); err != nil {
		fsys.Remove(tmpPath)
		return err
	}
	return nil
}

// loadSnapshot reads the snapshot at path. A missing file is an empty index,
// not an error.
func loadSnapshot(fsys fs.FileSystem, path string, c codec.Codec) (map[string]*manifest.Manifest, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var snap snapshotFile
	if err := c.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d (expected %d)", snap.Version, snapshotVersion)
	}
	if snap.Codec != c.Name() {
		return nil, fmt.Errorf("snapshot written with codec %q, reading with %q", snap.Codec, c.Name())
	}
	return snap.Entries, nil
}
