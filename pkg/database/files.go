package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Dir stores each collection as an indented JSON file inside one directory.
type Dir struct {
	path string
}

var _ Backend = (*Dir)(nil)

var fileNames = map[Collection]string{
	CollectionUsers:          "users.json",
	CollectionChannels:       "channel-data.json",
	CollectionFriendships:    "friendships.json",
	CollectionFriendRequests: "friend-requests.json",
}

// OpenDir creates the directory if needed and returns a file backend rooted at it.
func OpenDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) file(c Collection) (string, error) {
	name, ok := fileNames[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	return filepath.Join(d.path, name), nil
}

// Load reads the file for c.
func (d *Dir) Load(ctx context.Context, c Collection) ([]byte, error) {
	path, err := d.file(c)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Save writes payload to a temporary file and renames it over the old one,
// so a crash mid-write leaves the previous snapshot intact.
func (d *Dir) Save(ctx context.Context, c Collection, version uint64, payload []byte) error {
	path, err := d.file(c)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "\t"); err != nil {
		// Not JSON; store verbatim.
		buf.Reset()
		buf.Write(payload)
	}

	tmp, err := os.CreateTemp(d.path, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", c, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", c, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", c, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", c, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Describe lists the snapshot files that exist. Versions are not tracked on disk.
func (d *Dir) Describe(ctx context.Context) ([]SnapshotInfo, error) {
	var infos []SnapshotInfo
	for _, c := range Collections {
		path, _ := d.file(c)
		st, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		infos = append(infos, SnapshotInfo{
			Collection: c,
			Bytes:      int(st.Size()),
			UpdatedAt:  st.ModTime(),
		})
	}
	return infos, nil
}

// Close is a no-op; files are closed after every write.
func (d *Dir) Close() error {
	return nil
}
