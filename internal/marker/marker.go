// Package marker manages completion markers, the zero-byte
// <dest>/<hash>.incomplete files that exist while a relocation is in flight.
package marker

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/fsutil"
	"github.com/trctl/trmv/pkg/model"
	"github.com/trctl/trmv/pkg/pathutil"
)

// Path returns the marker path of hash under destRoot.
func Path(destRoot, hash string) string {
	return filepath.Join(destRoot, hash+model.MarkerSuffix)
}

// Set durably creates the marker.
func Set(destRoot, hash string) error {
	if err := fsutil.AtomicWrite(Path(destRoot, hash), nil, 0644); err != nil {
		return errclass.ErrMarker.WithMessagef("set %s: %v", hash, err)
	}
	return nil
}

// Clear durably removes the marker. A missing marker is not an error.
func Clear(destRoot, hash string) error {
	err := fsutil.RemoveAndSync(Path(destRoot, hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errclass.ErrMarker.WithMessagef("clear %s: %v", hash, err)
	}
	return nil
}

// Exists reports whether the marker is present.
func Exists(destRoot, hash string) (bool, error) {
	ok, err := fsutil.Exists(Path(destRoot, hash))
	if err != nil {
		return false, errclass.ErrMarker.WithMessagef("stat %s: %v", hash, err)
	}
	return ok, nil
}

// List returns the hashes with a marker under destRoot, sorted.
func List(destRoot string) ([]string, error) {
	entries, err := os.ReadDir(destRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var hashes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, model.MarkerSuffix) {
			continue
		}
		hash, err := pathutil.NormalizeHash(strings.TrimSuffix(name, model.MarkerSuffix))
		if err != nil {
			continue
		}
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes, nil
}
