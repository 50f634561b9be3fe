// Package model holds the data types shared by the trmv packages.
package model

import (
	"path/filepath"
	"time"
)

// MarkerSuffix is appended to the hash to name the completion marker.
const MarkerSuffix = ".incomplete"

// Job describes one relocation of a completed payload.
type Job struct {
	Hash       string `json:"hash"`
	Name       string `json:"name"`
	SourceDir  string `json:"source_dir"`
	SourceRoot string `json:"source_root,omitempty"`
	DestRoot   string `json:"dest_root"`
	Force      bool   `json:"force"`
	Verify     bool   `json:"verify"`
	Margin     int64  `json:"margin"`
	Metadata   string `json:"metadata,omitempty"`
	RunID      string `json:"run_id"`
}

// SourcePath is the payload as the agent currently sees it.
func (j *Job) SourcePath() string {
	return filepath.Join(j.SourceDir, j.Name)
}

// StagingDir is the hash-named directory the payload is transferred into.
func (j *Job) StagingDir() string {
	return filepath.Join(j.DestRoot, j.Hash)
}

// StagedPath is the payload inside the staging directory.
func (j *Job) StagedPath() string {
	return filepath.Join(j.StagingDir(), j.Name)
}

// FinalPath is the payload after a collision-free promotion.
func (j *Job) FinalPath() string {
	return filepath.Join(j.DestRoot, j.Name)
}

// MarkerPath is the completion marker of this job.
func (j *Job) MarkerPath() string {
	return filepath.Join(j.DestRoot, j.Hash+MarkerSuffix)
}

// TombstonePath is the name the source is renamed to before removal.
func (j *Job) TombstonePath() string {
	return filepath.Join(j.SourceDir, "."+j.Name+".trmv-removing")
}

// PrivateSourceDir reports whether the source directory is a per-job
// container named by the hash.
func (j *Job) PrivateSourceDir() bool {
	return filepath.Base(j.SourceDir) == j.Hash
}

// MoveRecord is the history entry of a completed relocation.
type MoveRecord struct {
	Hash      string        `json:"hash"`
	Name      string        `json:"name"`
	Source    string        `json:"source"`
	FinalPath string        `json:"final_path"`
	Location  string        `json:"location"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
	RunID     string        `json:"run_id"`
	MovedAt   time.Time     `json:"moved_at"`
}
