// Package relocate runs one relocation job end to end.
//
// A job replicates the torrent metadata, takes the device locks of source and
// destination, checks the source still exists, admits the transfer, stages and
// promotes the payload, points the daemon at the new location, removes the
// source and finally clears the completion marker.
package relocate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/trctl/trmv/internal/admission"
	"github.com/trctl/trmv/internal/devlock"
	"github.com/trctl/trmv/internal/engine"
	"github.com/trctl/trmv/internal/history"
	"github.com/trctl/trmv/internal/marker"
	"github.com/trctl/trmv/internal/remote"
	"github.com/trctl/trmv/internal/replicate"
	"github.com/trctl/trmv/internal/staging"
	"github.com/trctl/trmv/pkg/config"
	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/fsutil"
	"github.com/trctl/trmv/pkg/logging"
	"github.com/trctl/trmv/pkg/metrics"
	"github.com/trctl/trmv/pkg/model"
	"github.com/trctl/trmv/pkg/pathutil"
	"github.com/trctl/trmv/pkg/uuidutil"
	"github.com/trctl/trmv/pkg/webhook"
)

// Steps of a job, as reported by StepError.
const (
	StepValidate   = "validate"
	StepLock       = "lock"
	StepCheck      = "check-source"
	StepAdmission  = "admission"
	StepStage      = "stage"
	StepResume     = "resume"
	StepRemoteSync = "remote-sync"
	StepVerify     = "verify"
	StepCleanup    = "cleanup"
	StepMarker     = "clear-marker"
)

// StepError is the failure of one step of a job.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Report is the outcome of a job.
type Report struct {
	Hash         string              `json:"hash"`
	Name         string              `json:"name"`
	RunID        string              `json:"run_id"`
	Outcome      model.Outcome       `json:"outcome"`
	Step         string              `json:"step,omitempty"`
	FinalPath    string              `json:"final_path,omitempty"`
	Location     string              `json:"location,omitempty"`
	Collision    bool                `json:"collision,omitempty"`
	Bytes        int64               `json:"bytes"`
	Decision     *admission.Decision `json:"admission,omitempty"`
	Degradations []string            `json:"degradations,omitempty"`
	LockWait     time.Duration       `json:"lock_wait"`
	Duration     time.Duration       `json:"duration"`
	Error        string              `json:"error,omitempty"`
}

// Runner executes relocation jobs.
type Runner struct {
	Locks      *devlock.Manager
	Admission  *admission.Controller
	Staging    *staging.Coordinator
	Remote     *remote.Synchronizer
	Replicator *replicate.Replicator
	Notifier   *webhook.Client
	// HistoryPath is the bbolt database completed moves are recorded in.
	// Empty disables the history.
	HistoryPath string
	Metrics     *metrics.Registry
	Logger      *logging.Logger
	Now         func() time.Time
}

// New wires a Runner from configuration.
func New(cfg *config.Config, agent remote.Agent, opts engine.Options) (*Runner, error) {
	timeout, err := cfg.RPCTimeout()
	if err != nil {
		return nil, err
	}
	if opts.RsyncPath == "" {
		opts.RsyncPath = cfg.RsyncPath
	}
	opts.IONice = cfg.IONice

	r := &Runner{
		Locks:      devlock.NewManager(cfg.LockDir),
		Admission:  admission.NewController(nil),
		Staging:    staging.NewCoordinator(engine.NewEngine(model.EngineType(cfg.Engine), opts)),
		Remote:     remote.NewSynchronizer(agent, timeout),
		Replicator: replicate.New(cfg.MetadataDir),
		Metrics:    metrics.Default(),
		Logger:     logging.Global(),
		Now:        time.Now,
	}
	if cfg.HistoryEnabled() {
		r.HistoryPath = cfg.HistoryDB
	}
	if len(cfg.Webhooks.Hooks) > 0 {
		n, err := webhook.NewClient(cfg.Webhooks)
		if err != nil {
			return nil, err
		}
		r.Notifier = n
	}
	return r, nil
}

// Run executes job. The returned report is never nil. Expected outcomes
// (already moved, insufficient space) are returned as errors classified by
// errclass.Expected.
func (r *Runner) Run(ctx context.Context, job *model.Job) (report *Report, err error) {
	start := r.now()
	report = &Report{Hash: job.Hash, Name: job.Name}
	step := StepValidate

	// Single exit point for diagnostics: whatever path returns, the failing
	// step is logged once.
	defer func() {
		report.Duration = r.now().Sub(start)
		if err != nil && report.Outcome != model.OutcomeResumed {
			err = &StepError{Step: step, Err: err}
			report.Step = step
			report.Error = err.Error()
			if report.Outcome == "" {
				report.Outcome = outcomeOf(err)
			}
		}
		if r.Metrics != nil {
			r.Metrics.RecordMove(string(report.Outcome), report.Duration, report.Bytes)
		}
		r.diagnose(job, report, err)
		r.notify(context.WithoutCancel(ctx), report)
	}()

	if job.RunID == "" {
		job.RunID = uuidutil.NewV4()
	}
	report.RunID = job.RunID
	if err := validate(job); err != nil {
		return report, err
	}
	report.Hash = job.Hash
	log := r.Logger.WithFields(map[string]any{"hash": job.Hash, "run_id": job.RunID})

	if job.Metadata != "" {
		if copied, err := r.Replicator.Replicate(job.Hash, job.Metadata); err != nil {
			log.Warn("metadata replication failed", map[string]any{"error": err.Error()})
		} else if copied {
			log.Debug("metadata replicated", map[string]any{"path": r.Replicator.Path(job.Hash)})
		}
	}

	step = StepLock
	lockStart := r.now()
	locks, err := r.Locks.AcquireAll(job.SourceDir, job.DestRoot)
	if err != nil {
		return report, err
	}
	defer locks.Release()
	report.LockWait = r.now().Sub(lockStart)
	if r.Metrics != nil {
		r.Metrics.RecordLockWait(report.LockWait)
	}
	log.Debug("device locks held", map[string]any{"devices": fmt.Sprint(locks.IDs()), "wait": report.LockWait.String()})

	step = StepCheck
	present, err := fsutil.Exists(job.SourcePath())
	if err != nil {
		return report, err
	}

	pending, err := marker.Exists(job.DestRoot, job.Hash)
	if err != nil {
		return report, err
	}

	var res *staging.Result
	resumed := false
	if !present {
		if !pending {
			report.Outcome = model.OutcomeAlreadyMoved
			return report, errclass.ErrAlreadyMoved.WithMessagef("%s is gone", job.SourcePath())
		}

		step = StepResume
		resumed = true
		res, err = r.Staging.Resume(job)
		if err != nil {
			return report, err
		}
	} else {
		if pending {
			// a complete copy from an interrupted run already occupies its
			// destination space
			step = StepStage
			if res, err = r.Staging.Recover(job); err != nil {
				return report, err
			}
		}
		if res == nil {
			step = StepAdmission
			d, err := r.Admission.Check(ctx, job.SourcePath(), job.DestRoot, job.Margin, job.Force)
			report.Decision = d
			if err != nil {
				return report, err
			}

			step = StepStage
			if err := os.MkdirAll(job.DestRoot, 0755); err != nil {
				return report, errclass.ErrTransferFailed.WithMessagef("create destination: %v", err)
			}
			res, err = r.Staging.Run(ctx, job)
			if err != nil {
				return report, err
			}
			if res.Transfer != nil {
				report.Degradations = res.Transfer.Degradations
			}
			if d != nil {
				report.Bytes = d.Size
			}
		} else if size, err := admission.PayloadSize(ctx, job.SourcePath()); err == nil {
			report.Bytes = size
		}
	}
	report.FinalPath = res.FinalPath
	report.Location = res.Location
	report.Collision = res.Collision

	step = StepRemoteSync
	if err := r.Remote.UpdateLocation(ctx, job.Hash, res.Location); err != nil {
		return report, err
	}
	if job.Verify {
		step = StepVerify
		if err := r.Remote.StartVerification(ctx, job.Hash); err != nil {
			return report, err
		}
	}

	step = StepCleanup
	if err := cleanupSource(job); err != nil {
		return report, errclass.ErrCleanupFailed.WithMessagef("%v", err)
	}

	step = StepMarker
	if err := marker.Clear(job.DestRoot, job.Hash); err != nil {
		return report, err
	}

	if resumed {
		report.Outcome = model.OutcomeResumed
		r.record(job, report, start)
		return report, errclass.ErrAlreadyMoved.WithMessage("finished an interrupted move")
	}
	report.Outcome = model.OutcomeMoved
	r.record(job, report, start)
	return report, nil
}

func validate(job *model.Job) error {
	hash, err := pathutil.NormalizeHash(job.Hash)
	if err != nil {
		return errclass.ErrJobInvalid.WithMessagef("%v", err)
	}
	job.Hash = hash
	if err := pathutil.ValidateName(job.Name); err != nil {
		return errclass.ErrJobInvalid.WithMessagef("%v", err)
	}
	if !filepath.IsAbs(job.SourceDir) {
		return errclass.ErrJobInvalid.WithMessagef("source dir must be absolute: %q", job.SourceDir)
	}
	if !filepath.IsAbs(job.DestRoot) {
		return errclass.ErrJobInvalid.WithMessagef("destination must be absolute: %q", job.DestRoot)
	}
	if job.Margin < 0 {
		return errclass.ErrJobInvalid.WithMessagef("negative free space margin %d", job.Margin)
	}
	if filepath.Clean(job.SourceDir) == filepath.Clean(job.DestRoot) {
		return errclass.ErrJobInvalid.WithMessagef("source and destination are both %s", job.DestRoot)
	}
	return nil
}

// cleanupSource removes the source payload through its tombstone, then the
// per-job container directory if there is one.
func cleanupSource(job *model.Job) error {
	src := job.SourcePath()
	tomb := job.TombstonePath()

	present, err := fsutil.Exists(src)
	if err != nil {
		return err
	}
	if present {
		if err := fsutil.RenameAndSync(src, tomb); err != nil {
			return fmt.Errorf("tombstone source: %w", err)
		}
	}
	if err := os.RemoveAll(tomb); err != nil {
		return fmt.Errorf("remove source: %w", err)
	}

	if job.PrivateSourceDir() {
		err := fsutil.RemoveAndSync(job.SourceDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove source container: %w", err)
		}
		return nil
	}
	err = fsutil.FsyncDir(job.SourceDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *Runner) record(job *model.Job, report *Report, start time.Time) {
	if r.HistoryPath == "" {
		return
	}
	store, err := history.Open(r.HistoryPath)
	if err != nil {
		r.Logger.Warn("history unavailable", map[string]any{"error": err.Error(), "hash": job.Hash})
		return
	}
	defer store.Close()

	rec := &model.MoveRecord{
		Hash:      job.Hash,
		Name:      job.Name,
		Source:    job.SourcePath(),
		FinalPath: report.FinalPath,
		Location:  report.Location,
		Bytes:     report.Bytes,
		Duration:  r.now().Sub(start),
		Outcome:   report.Outcome,
		RunID:     job.RunID,
		MovedAt:   r.now().UTC(),
	}
	if err := store.Record(rec); err != nil {
		r.Logger.Warn("history record failed", map[string]any{"error": err.Error(), "hash": job.Hash})
	}
}

func (r *Runner) diagnose(job *model.Job, report *Report, err error) {
	final := report.FinalPath
	if final == "" {
		final = job.FinalPath()
	}
	fields := map[string]any{
		"step":     report.Step,
		"source":   pathutil.Rel(job.SourceRoot, job.SourcePath()),
		"hash":     job.Hash,
		"dest":     pathutil.Rel(job.DestRoot, final),
		"run_id":   job.RunID,
		"outcome":  string(report.Outcome),
		"duration": report.Duration.String(),
	}
	switch {
	case err == nil || report.Outcome == model.OutcomeResumed:
		fields["bytes"] = report.Bytes
		r.Logger.Info("relocation complete", fields)
	case errclass.Expected(err):
		fields["reason"] = err.Error()
		r.Logger.Warn("relocation not performed", fields)
	default:
		r.Logger.ErrorErr("relocation failed", err, fields)
	}
}

// notify delivers the outcome to the configured webhooks. Delivery failures
// only produce a warning.
func (r *Runner) notify(ctx context.Context, report *Report) {
	if r.Notifier == nil {
		return
	}
	var event webhook.EventType
	switch report.Outcome {
	case model.OutcomeMoved:
		event = webhook.EventMoveCompleted
	case model.OutcomeResumed:
		event = webhook.EventMoveResumed
	case model.OutcomeAlreadyMoved, model.OutcomeInsufficientSpace:
		event = webhook.EventMoveDeferred
	default:
		event = webhook.EventMoveFailed
	}
	err := r.Notifier.Send(ctx, webhook.Event{
		Event:     event,
		RunID:     report.RunID,
		Hash:      report.Hash,
		Name:      report.Name,
		Outcome:   string(report.Outcome),
		FinalPath: report.FinalPath,
		Location:  report.Location,
		Bytes:     report.Bytes,
		Step:      report.Step,
		Error:     report.Error,
	})
	if err != nil {
		r.Logger.Warn("webhook delivery failed", map[string]any{"error": err.Error(), "hash": report.Hash})
	}
}

func outcomeOf(err error) model.Outcome {
	switch {
	case errors.Is(err, errclass.ErrAlreadyMoved):
		return model.OutcomeAlreadyMoved
	case errors.Is(err, errclass.ErrInsufficientSpace):
		return model.OutcomeInsufficientSpace
	case errors.Is(err, errclass.ErrRemoteSyncTimeout):
		return model.OutcomeRemoteSyncTimeout
	default:
		return model.OutcomeFailed
	}
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
