// Package staging moves a payload into its destination through a hash-named
// staging directory.
//
// The states are pending, marker_set, staging_ready, transferring, promoted
// and synced. The marker is written first and is left in place by every
// failure, so an interrupted move is always visible at the destination.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/trctl/trmv/internal/engine"
	"github.com/trctl/trmv/internal/marker"
	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/fsutil"
	"github.com/trctl/trmv/pkg/logging"
	"github.com/trctl/trmv/pkg/model"
)

// Result describes where a payload ended up.
type Result struct {
	// FinalPath is the payload itself.
	FinalPath string `json:"final_path"`
	// Location is the directory the remote agent must be pointed at.
	Location string `json:"location"`
	// Collision is set when the destination name was taken and the staging
	// directory became the permanent location.
	Collision bool                   `json:"collision"`
	State     model.StagingState     `json:"state"`
	Transfer  *engine.TransferResult `json:"-"`
}

// StateError is a failed transition.
type StateError struct {
	State model.StagingState
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// Coordinator drives the staging state machine.
type Coordinator struct {
	Engine engine.Engine
	Logger *logging.Logger
}

// NewCoordinator creates a coordinator transferring with eng.
func NewCoordinator(eng engine.Engine) *Coordinator {
	return &Coordinator{Engine: eng, Logger: logging.Global()}
}

// Run takes job from pending to synced. The caller must hold the device
// locks and must have checked that the source exists.
func (c *Coordinator) Run(ctx context.Context, job *model.Job) (*Result, error) {
	res := &Result{State: model.StatePending}
	log := c.Logger.WithFields(map[string]any{"hash": job.Hash, "run_id": job.RunID})

	fail := func(err error) (*Result, error) {
		return res, &StateError{State: res.State, Err: err}
	}
	advance := func(s model.StagingState) {
		res.State = s
		log.Debug("staging state", map[string]any{"state": string(s)})
	}

	interrupted, err := marker.Exists(job.DestRoot, job.Hash)
	if err != nil {
		return fail(err)
	}
	if err := marker.Set(job.DestRoot, job.Hash); err != nil {
		return fail(err)
	}
	advance(model.StateMarkerSet)

	if interrupted {
		done, err := c.Recover(job)
		if err != nil {
			return res, err
		}
		if done != nil {
			return done, nil
		}
	}

	if err := prepareStaging(job.StagingDir()); err != nil {
		return fail(errclass.ErrTransferFailed.WithMessagef("staging dir: %v", err))
	}
	advance(model.StateStagingReady)

	tr, err := c.Engine.Transfer(ctx, job.SourcePath(), job.StagingDir())
	if err != nil {
		return fail(errclass.ErrTransferFailed.WithMessagef("%s: %v", c.Engine.Name(), err))
	}
	res.Transfer = tr
	if tr.Degraded {
		log.Warn("transfer degraded", map[string]any{"degradations": tr.Degradations})
	}
	advance(model.StateTransferring)

	if err := c.promote(job, res); err != nil {
		return fail(errclass.ErrPromoteFailed.WithMessagef("%v", err))
	}
	advance(model.StatePromoted)

	if err := Sync(res); err != nil {
		return fail(errclass.ErrPromoteFailed.WithMessagef("%v", err))
	}
	advance(model.StateSynced)

	log.Info("payload staged", map[string]any{
		"final_path": res.FinalPath,
		"collision":  res.Collision,
		"files":      tr.Files,
		"bytes":      tr.Bytes,
	})
	return res, nil
}

func prepareStaging(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return err
	}
	return fsutil.FsyncDir(filepath.Dir(dir))
}

// promote renames the staged payload to its final name when that name is
// free; otherwise the staging directory stays as the permanent location.
func (c *Coordinator) promote(job *model.Job, res *Result) error {
	taken, err := fsutil.Exists(job.FinalPath())
	if err != nil {
		return err
	}
	if taken {
		res.FinalPath = job.StagedPath()
		res.Location = job.StagingDir()
		res.Collision = true
		c.Logger.Warn("destination name taken, keeping staging directory", map[string]any{
			"hash":     job.Hash,
			"existing": job.FinalPath(),
			"location": res.Location,
		})
		return nil
	}

	if err := fsutil.RenameAndSync(job.StagedPath(), job.FinalPath()); err != nil {
		return err
	}
	if err := fsutil.RemoveAndSync(job.StagingDir()); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	res.FinalPath = job.FinalPath()
	res.Location = job.DestRoot
	return nil
}

// Sync fsyncs every file and directory of the final payload and the
// directory entry that holds it.
func Sync(res *Result) error {
	if err := fsutil.FsyncTree(res.FinalPath); err != nil {
		return fmt.Errorf("sync payload: %w", err)
	}
	return fsutil.FsyncDir(filepath.Dir(res.FinalPath))
}

// Recover picks up an interrupted job whose source is still present. When
// an earlier run left a complete copy, either promoted under the final name
// or still in the staging directory, it finishes promotion and sync without
// transferring again. It returns nil when no complete copy exists. The
// marker must already be set.
func (c *Coordinator) Recover(job *model.Job) (*Result, error) {
	res := &Result{State: model.StateMarkerSet}
	fail := func(err error) (*Result, error) {
		return nil, &StateError{State: res.State, Err: errclass.ErrPromoteFailed.WithMessagef("%v", err)}
	}

	// promotion renames the payload out before removing the staging dir
	if err := removeIfEmpty(job.StagingDir()); err != nil {
		return fail(err)
	}

	staged, err := completeCopy(job.SourcePath(), job.StagedPath())
	if err != nil {
		return fail(err)
	}
	if staged {
		res.State = model.StateTransferring
		if err := c.promote(job, res); err != nil {
			return fail(err)
		}
	} else {
		promoted, err := promotedEarlier(job)
		if err != nil {
			return fail(err)
		}
		if !promoted {
			return nil, nil
		}
		res.FinalPath = job.FinalPath()
		res.Location = job.DestRoot
	}
	res.State = model.StatePromoted

	if err := Sync(res); err != nil {
		return fail(err)
	}
	res.State = model.StateSynced
	c.Logger.Info("reusing copy left by an interrupted run", map[string]any{
		"hash":       job.Hash,
		"run_id":     job.RunID,
		"final_path": res.FinalPath,
		"collision":  res.Collision,
	})
	return res, nil
}

// promotedEarlier reports whether a previous run of job got as far as
// promotion: nothing is staged and the final entry holds the same files as
// the source.
func promotedEarlier(job *model.Job) (bool, error) {
	staged, err := fsutil.Exists(job.StagingDir())
	if err != nil || staged {
		return false, err
	}
	return completeCopy(job.SourcePath(), job.FinalPath())
}

func completeCopy(src, dst string) (bool, error) {
	ok, err := fsutil.Exists(dst)
	if err != nil || !ok {
		return false, err
	}
	return SameTree(src, dst)
}

// SameTree reports whether b has the same entries as a, with regular files
// matching in size and modification time.
func SameTree(a, b string) (bool, error) {
	want, err := treeIndex(a)
	if err != nil {
		return false, err
	}
	got, err := treeIndex(b)
	if err != nil {
		return false, err
	}
	if len(want) != len(got) {
		return false, nil
	}
	for rel, w := range want {
		g, ok := got[rel]
		if !ok || g != w {
			return false, nil
		}
	}
	return true, nil
}

type entrySig struct {
	mode  fs.FileMode
	size  int64
	mtime int64
}

func treeIndex(root string) (map[string]entrySig, error) {
	idx := make(map[string]entrySig)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sig := entrySig{mode: info.Mode().Type()}
		if info.Mode().IsRegular() {
			sig.size = info.Size()
			sig.mtime = info.ModTime().UnixNano()
		}
		idx[rel] = sig
		return nil
	})
	return idx, err
}

// Locate finds the payload of a job whose source is already gone: the
// staged path first, then the final name.
func Locate(job *model.Job) (*Result, error) {
	staged, err := fsutil.Exists(job.StagedPath())
	if err != nil {
		return nil, err
	}
	if staged {
		return &Result{
			FinalPath: job.StagedPath(),
			Location:  job.StagingDir(),
			Collision: true,
			State:     model.StatePromoted,
		}, nil
	}
	final, err := fsutil.Exists(job.FinalPath())
	if err != nil {
		return nil, err
	}
	if final {
		return &Result{
			FinalPath: job.FinalPath(),
			Location:  job.DestRoot,
			State:     model.StatePromoted,
		}, nil
	}
	return nil, errclass.ErrDataMissing.WithMessagef("neither %s nor %s exists", job.StagedPath(), job.FinalPath())
}

// Resume locates the payload of an interrupted job, removes a staging
// directory emptied by an interrupted promotion and syncs the payload.
func (c *Coordinator) Resume(job *model.Job) (*Result, error) {
	res, err := Locate(job)
	if err != nil {
		return nil, err
	}
	if !res.Collision {
		if err := removeIfEmpty(job.StagingDir()); err != nil {
			return res, &StateError{State: res.State, Err: errclass.ErrPromoteFailed.WithMessagef("%v", err)}
		}
	}
	if err := Sync(res); err != nil {
		return res, &StateError{State: res.State, Err: errclass.ErrPromoteFailed.WithMessagef("%v", err)}
	}
	res.State = model.StateSynced
	c.Logger.Info("resumed interrupted move", map[string]any{
		"hash":       job.Hash,
		"run_id":     job.RunID,
		"final_path": res.FinalPath,
	})
	return res, nil
}

func removeIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return fsutil.RemoveAndSync(dir)
}
