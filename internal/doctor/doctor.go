// Package doctor inspects destination and download directories for the
// traces interrupted relocations leave behind.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/trctl/trmv/internal/devlock"
	"github.com/trctl/trmv/internal/marker"
	"github.com/trctl/trmv/pkg/fsutil"
	"github.com/trctl/trmv/pkg/model"
)

// tombstoneSuffix ends the name a source is renamed to before removal.
const tombstoneSuffix = ".trmv-removing"

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
	Hash        string `json:"hash,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
}

// Doctor checks the directories trmv moves payloads between.
type Doctor struct {
	Destinations []string
	SourceDirs   []string
	MetadataDir  string
	Locks        *devlock.Manager
}

// NewDoctor creates a new doctor.
func NewDoctor(destinations, sourceDirs []string, metadataDir string, locks *devlock.Manager) *Doctor {
	return &Doctor{
		Destinations: destinations,
		SourceDirs:   sourceDirs,
		MetadataDir:  metadataDir,
		Locks:        locks,
	}
}

// Check runs all diagnostic checks.
func (d *Doctor) Check() (*Result, error) {
	result := &Result{Healthy: true}

	// 1. Check destinations exist
	d.checkDestinations(result)

	// 2. Check for aborted moves
	for _, dest := range d.Destinations {
		if err := d.checkMarkers(dest, result); err != nil {
			return nil, err
		}
	}

	// 3. Check for half-removed sources
	for _, dir := range d.SourceDirs {
		d.checkTombstones(dir, result)
	}

	// 4. Check for orphan tmp files
	dirs := append([]string{}, d.Destinations...)
	if d.MetadataDir != "" {
		dirs = append(dirs, d.MetadataDir)
	}
	for _, dir := range dirs {
		d.checkOrphanTmp(dir, result)
	}

	return result, nil
}

func (d *Doctor) checkDestinations(result *Result) {
	for _, dest := range d.Destinations {
		info, err := os.Stat(dest)
		switch {
		case err != nil:
			result.add(Finding{
				Category:    "destination",
				Description: fmt.Sprintf("destination unavailable: %v", err),
				Severity:    "warning",
				Path:        dest,
			})
		case !info.IsDir():
			result.add(Finding{
				Category:    "destination",
				Description: "destination is not a directory",
				Severity:    "error",
				Path:        dest,
			})
			result.Healthy = false
		}
	}
}

func (d *Doctor) checkMarkers(dest string, result *Result) error {
	hashes, err := marker.List(dest)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dest, err)
	}
	if len(hashes) == 0 {
		return nil
	}

	inFlight := false
	if d.Locks != nil {
		held, err := d.Locks.Held(dest)
		if err == nil {
			inFlight = held
		}
	}

	for _, hash := range hashes {
		job := &model.Job{Hash: hash, DestRoot: dest}
		staged, _ := fsutil.Exists(job.StagingDir())

		desc := "aborted move"
		if staged {
			desc += ", staging directory present"
		} else {
			desc += ", no staging directory"
		}
		if inFlight {
			result.add(Finding{
				Category:    "in-flight-move",
				Description: "marker present while the device is locked; a move may be running",
				Severity:    "info",
				Path:        job.MarkerPath(),
				Hash:        hash,
			})
			continue
		}
		result.add(Finding{
			Category:    "aborted-move",
			Description: desc + "; re-run the job for this hash to finish it",
			Severity:    "error",
			Path:        job.MarkerPath(),
			Hash:        hash,
		})
		result.Healthy = false
	}
	return nil
}

func (d *Doctor) checkTombstones(dir string, result *Result) {
	// per-job containers hold the tombstone one level down
	candidates, _ := filepath.Glob(filepath.Join(dir, ".*"+tombstoneSuffix))
	nested, _ := filepath.Glob(filepath.Join(dir, "*", ".*"+tombstoneSuffix))
	for _, path := range append(candidates, nested...) {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "."), tombstoneSuffix)
		result.add(Finding{
			Category:    "tombstone",
			Description: fmt.Sprintf("source %q was being removed when a move stopped", name),
			Severity:    "warning",
			Path:        path,
		})
	}
}

func (d *Doctor) checkOrphanTmp(dir string, result *Result) {
	// Check for orphan .trmv-tmp-* files; payload trees are not descended.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, fsutil.TmpPrefix) {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", name),
				Severity:    "info",
				Path:        filepath.Join(dir, name),
			})
		}
	}
}

// RemoveOrphanTmp deletes the temp files reported by a check.
func RemoveOrphanTmp(result *Result) (int, error) {
	removed := 0
	for _, f := range result.Findings {
		if f.Category != "tmp" {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
