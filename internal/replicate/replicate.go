// Package replicate keeps a copy of each torrent's metainfo file in the
// configured metadata directory, named <hash>.torrent.
package replicate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/trctl/trmv/pkg/fsutil"
)

// Replicator copies metainfo files into Dir. A zero Dir disables it.
type Replicator struct {
	Dir string
}

// New creates a Replicator for dir.
func New(dir string) *Replicator {
	return &Replicator{Dir: dir}
}

// Enabled reports whether a metadata directory is configured.
func (r *Replicator) Enabled() bool {
	return r != nil && r.Dir != ""
}

// Path returns where the copy of hash lives.
func (r *Replicator) Path(hash string) string {
	return filepath.Join(r.Dir, hash+".torrent")
}

// Replicate copies metadataPath to Dir/<hash>.torrent unless a copy already
// exists. It reports whether a copy was made.
func (r *Replicator) Replicate(hash, metadataPath string) (bool, error) {
	if !r.Enabled() || metadataPath == "" {
		return false, nil
	}
	dst := r.Path(hash)
	exists, err := fsutil.Exists(dst)
	if err != nil {
		return false, fmt.Errorf("replicate %s: %w", hash, err)
	}
	if exists {
		return false, nil
	}
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return false, fmt.Errorf("replicate %s: %w", hash, err)
	}
	if err := fsutil.CopyFileAtomic(metadataPath, dst, 0644); err != nil {
		return false, fmt.Errorf("replicate %s: %w", hash, err)
	}
	return true, nil
}

// Has returns the modification time of the stored copy of hash.
func (r *Replicator) Has(hash string) (time.Time, bool, error) {
	if !r.Enabled() {
		return time.Time{}, false, nil
	}
	info, err := os.Stat(r.Path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}
