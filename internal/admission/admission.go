// Package admission decides whether a destination can take a payload.
package admission

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/logging"
)

// Volume reports free space of the filesystem holding a path.
type Volume interface {
	Available(path string) (int64, error)
}

// Statfs is the Volume backed by statfs(2).
type Statfs struct{}

// Available returns the bytes available to unprivileged users (Bavail).
func (Statfs) Available(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(st.Bsize) //nolint:unconvert
	return int64(st.Bavail) * bsize, nil
}

// PayloadSize sums the sizes of all regular files under path. Symlinks are
// not followed.
func PayloadSize(ctx context.Context, path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("payload size of %s: %w", path, err)
	}
	return total, nil
}

// Decision holds the numbers an admission verdict was based on.
type Decision struct {
	Size      int64 `json:"size"`
	Available int64 `json:"available"`
	Margin    int64 `json:"margin"`
	Approved  bool  `json:"approved"`
	Forced    bool  `json:"forced"`
}

// Shortfall is how many bytes are missing for approval.
func (d *Decision) Shortfall() int64 {
	if d.Approved {
		return 0
	}
	return d.Size + d.Margin - d.Available + 1
}

// Controller performs admission checks.
type Controller struct {
	Volume Volume
	Logger *logging.Logger
}

// NewController creates a Controller on vol, using statfs(2) when vol is nil.
func NewController(vol Volume) *Controller {
	if vol == nil {
		vol = Statfs{}
	}
	return &Controller{Volume: vol, Logger: logging.Global()}
}

// Check approves the transfer of src into dstRoot iff the destination
// filesystem has more than size+margin bytes available. Without force a
// refusal returns ErrInsufficientSpace together with the decision.
// Callers must hold the device locks of both sides.
func (c *Controller) Check(ctx context.Context, src, dstRoot string, margin int64, force bool) (*Decision, error) {
	size, err := PayloadSize(ctx, src)
	if err != nil {
		return nil, err
	}
	avail, err := c.Volume.Available(existingAncestor(dstRoot))
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Size:      size,
		Available: avail,
		Margin:    margin,
		Approved:  avail > size+margin,
	}
	fields := map[string]any{
		"size":      size,
		"available": avail,
		"margin":    margin,
		"dest":      dstRoot,
	}
	if d.Approved {
		c.Logger.Debug("admission approved", fields)
		return d, nil
	}
	if force {
		d.Forced = true
		c.Logger.Warn("not enough space at destination, continuing because of force", fields)
		return d, nil
	}
	return d, errclass.ErrInsufficientSpace.WithMessagef(
		"%s needs %d bytes plus %d margin, %d available", dstRoot, size, margin, avail)
}

func existingAncestor(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
