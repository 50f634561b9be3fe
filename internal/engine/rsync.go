package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/trctl/trmv/pkg/model"
)

// RsyncEngine transfers with `rsync -a --append-verify`.
// When rsync is unavailable it falls back to the copy engine.
type RsyncEngine struct {
	Path       string
	opts       Options
	CopyEngine *CopyEngine // Fallback
}

// NewRsyncEngine creates a new RsyncEngine.
func NewRsyncEngine(opts Options) *RsyncEngine {
	path := opts.RsyncPath
	if path == "" {
		path = "rsync"
	}
	return &RsyncEngine{
		Path:       path,
		opts:       opts,
		CopyEngine: NewCopyEngine(opts),
	}
}

// Name returns the engine type.
func (e *RsyncEngine) Name() model.EngineType {
	return model.EngineRsync
}

// Args returns the rsync command line for a transfer.
func (e *RsyncEngine) Args(src, dstDir string) []string {
	return []string{
		"--archive",
		"--append-verify",
		"--",
		strings.TrimRight(src, "/"),
		strings.TrimRight(dstDir, "/") + "/",
	}
}

// Transfer runs rsync. With IONice the child is started from a thread in the
// idle I/O class, so rsync and everything it forks inherit that class.
func (e *RsyncEngine) Transfer(ctx context.Context, src, dstDir string) (*TransferResult, error) {
	if _, err := exec.LookPath(e.Path); err != nil {
		result, err := e.CopyEngine.Transfer(ctx, src, dstDir)
		if err != nil {
			return nil, err
		}
		result.degrade("rsync-not-available")
		return result, nil
	}

	result := &TransferResult{}
	stderr := &tailBuffer{max: 4096}
	cmd := exec.CommandContext(ctx, e.Path, e.Args(src, dstDir)...)
	cmd.Stderr = stderr

	var err error
	if e.opts.IONice {
		var idle bool
		idle, err = withIdleIO(cmd.Start)
		if !idle {
			result.degrade("ionice-unavailable")
		}
	} else {
		err = cmd.Start()
	}
	if err != nil {
		return nil, fmt.Errorf("start rsync: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, fmt.Errorf("rsync exited with %d: %s", ee.ExitCode(), stderr.lastLine())
		}
		return nil, fmt.Errorf("rsync: %w", err)
	}

	dst := filepath.Join(dstDir, filepath.Base(src))
	files, bytes, err := countTree(dst)
	if err != nil {
		return nil, fmt.Errorf("rsync result: %w", err)
	}
	result.Files = files
	result.Bytes = bytes
	return result, nil
}

func countTree(root string) (int, int64, error) {
	var files int
	size, err := treeSizeFunc(root, func() { files++ })
	return files, size, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) lastLine() string {
	s := strings.TrimSpace(string(t.buf))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
