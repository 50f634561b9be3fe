package engine

import (
	"context"

	"github.com/trctl/trmv/pkg/model"
	"github.com/trctl/trmv/pkg/progress"
)

// TransferResult contains the result of a transfer.
type TransferResult struct {
	Files        int      // regular files present at the destination
	Bytes        int64    // payload bytes present at the destination
	Written      int64    // bytes written by this run (native engine only)
	Skipped      int      // files already complete from an earlier run
	Degraded     bool     // true if any degradation occurred
	Degradations []string // list of degradation types
}

func (r *TransferResult) degrade(kind string) {
	for _, d := range r.Degradations {
		if d == kind {
			return
		}
	}
	r.Degraded = true
	r.Degradations = append(r.Degradations, kind)
}

// Engine defines the bulk transfer interface.
type Engine interface {
	// Name returns the engine type identifier.
	Name() model.EngineType

	// Transfer copies src (a file or a directory tree) into dstDir, so that
	// it ends up at dstDir/<base of src>. Transfers are resumable: running
	// one again after an interruption only moves what is missing.
	Transfer(ctx context.Context, src, dstDir string) (*TransferResult, error)
}

// Options tune the engines.
type Options struct {
	// IONice runs the transfer in the idle I/O scheduling class.
	IONice bool
	// RsyncPath is the rsync executable.
	RsyncPath string
	// Progress receives byte counts from the native engine.
	Progress progress.Callback
}
