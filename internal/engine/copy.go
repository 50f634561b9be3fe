package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/trctl/trmv/pkg/model"
	"github.com/trctl/trmv/pkg/progress"
)

// verifyTail is how much of a partial file is compared with the source
// before the rest is appended.
const verifyTail = 64 << 10

// CopyEngine is the native resumable copier. Files that already match the
// source in size and mtime are skipped, shorter files are appended to and
// anything else is rewritten.
type CopyEngine struct {
	opts Options
}

// NewCopyEngine creates a new CopyEngine.
func NewCopyEngine(opts Options) *CopyEngine {
	return &CopyEngine{opts: opts}
}

// Name returns the engine type.
func (e *CopyEngine) Name() model.EngineType {
	return model.EngineCopy
}

// Transfer copies src to dstDir/<base of src>.
func (e *CopyEngine) Transfer(ctx context.Context, src, dstDir string) (*TransferResult, error) {
	if _, err := os.Lstat(src); err != nil {
		return nil, fmt.Errorf("copy: %w", err)
	}

	var total int64
	if e.opts.Progress != nil {
		total, _ = treeSize(src)
	}
	prog := progress.New("transfer", total, e.opts.Progress)

	result := &TransferResult{}
	dst := filepath.Join(dstDir, filepath.Base(src))
	run := func() error { return e.copyTree(ctx, src, dst, result, prog) }

	var err error
	if e.opts.IONice {
		var idle bool
		idle, err = withIdleIO(run)
		if !idle {
			result.degrade("ionice-unavailable")
		}
	} else {
		err = run()
	}
	if err != nil {
		return nil, fmt.Errorf("copy: %w", err)
	}

	prog.Done(filepath.Base(src))
	return result, nil
}

type dirMeta struct {
	path string
	mode fs.FileMode
	mod  time.Time
}

func (e *CopyEngine) copyTree(ctx context.Context, src, dst string, result *TransferResult, prog *progress.Progress) error {
	// Track hardlinks to detect degradation
	seenInodes := make(map[inodeKey]string)
	var dirs []dirMeta

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		dstPath := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			if err := e.copyDir(dstPath); err != nil {
				return err
			}
			dirs = append(dirs, dirMeta{dstPath, info.Mode().Perm(), info.ModTime()})
			return nil

		case info.Mode()&os.ModeSymlink != 0:
			return e.copySymlink(path, dstPath)

		case info.Mode().IsRegular():
			if key, ok := fileInode(info); ok {
				if seenInodes[key] != "" {
					// copy engine cannot preserve hardlinks
					result.degrade("hardlink")
				} else {
					seenInodes[key] = path
				}
			}
			written, skipped, err := e.copyFile(ctx, path, dstPath, rel, info, prog)
			if err != nil {
				return err
			}
			result.Files++
			result.Bytes += info.Size()
			result.Written += written
			if skipped {
				result.Skipped++
			}
			return nil

		default:
			result.degrade("special-file")
			return nil
		}
	})
	if err != nil {
		return err
	}

	// Deepest first, so setting a parent's mtime is not undone by its children.
	for i := len(dirs) - 1; i >= 0; i-- {
		dm := dirs[i]
		if err := os.Chmod(dm.path, dm.mode); err != nil {
			return fmt.Errorf("chmod %s: %w", dm.path, err)
		}
		if err := os.Chtimes(dm.path, dm.mod, dm.mod); err != nil {
			return fmt.Errorf("chtimes %s: %w", dm.path, err)
		}
	}
	return nil
}

func (e *CopyEngine) copyDir(dst string) error {
	info, err := os.Lstat(dst)
	if err == nil && info.IsDir() {
		return nil
	}
	if err == nil {
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("replace %s: %w", dst, err)
		}
	}
	if err := os.MkdirAll(dst, 0700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dst, err)
	}
	return nil
}

func (e *CopyEngine) copyFile(ctx context.Context, src, dst, rel string, info fs.FileInfo, prog *progress.Progress) (int64, bool, error) {
	var offset int64
	dstInfo, err := os.Lstat(dst)
	switch {
	case err == nil && dstInfo.Mode().IsRegular() && dstInfo.Size() == info.Size() && dstInfo.ModTime().Equal(info.ModTime()):
		prog.Add(info.Size(), rel)
		return 0, true, nil
	case err == nil && dstInfo.Mode().IsRegular() && dstInfo.Size() < info.Size():
		ok, err := tailMatches(src, dst, dstInfo.Size())
		if err != nil {
			return 0, false, err
		}
		if ok {
			offset = dstInfo.Size()
		}
	case err == nil:
		if err := os.RemoveAll(dst); err != nil {
			return 0, false, fmt.Errorf("replace %s: %w", dst, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return 0, false, fmt.Errorf("stat %s: %w", dst, err)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return 0, false, fmt.Errorf("open src %s: %w", src, err)
	}
	defer srcFile.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	dstFile, err := os.OpenFile(dst, flags, 0600)
	if err != nil {
		return 0, false, fmt.Errorf("create dst %s: %w", dst, err)
	}
	defer dstFile.Close()

	if offset > 0 {
		if _, err := srcFile.Seek(offset, io.SeekStart); err != nil {
			return 0, false, fmt.Errorf("seek %s: %w", src, err)
		}
		if _, err := dstFile.Seek(offset, io.SeekStart); err != nil {
			return 0, false, fmt.Errorf("seek %s: %w", dst, err)
		}
		prog.Add(offset, rel)
	}

	n, err := io.Copy(dstFile, io.TeeReader(&ctxReader{ctx: ctx, r: srcFile}, prog.Writer(rel)))
	if err != nil {
		return n, false, fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}

	// Sync file content
	if err := dstFile.Sync(); err != nil {
		return n, false, fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := dstFile.Close(); err != nil {
		return n, false, fmt.Errorf("close %s: %w", dst, err)
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return n, false, fmt.Errorf("chmod %s: %w", dst, err)
	}

	// mtime last: it marks the file complete for the next run
	return n, false, os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func (e *CopyEngine) copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", src, err)
	}
	if cur, err := os.Readlink(dst); err == nil && cur == target {
		return nil
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	return os.Symlink(target, dst)
}

// tailMatches compares the last bytes of the partial file dst with the same
// range of src.
func tailMatches(src, dst string, size int64) (bool, error) {
	n := int64(verifyTail)
	if size < n {
		n = size
	}
	off := size - n

	read := func(path string) ([]byte, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, off); err != nil {
			return nil, err
		}
		return buf, nil
	}

	a, err := read(src)
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", src, err)
	}
	b, err := read(dst)
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", dst, err)
	}
	return bytes.Equal(a, b), nil
}

func treeSize(root string) (int64, error) {
	return treeSizeFunc(root, nil)
}

// treeSizeFunc sums regular file sizes under root, calling onFile per file.
func treeSizeFunc(root string, onFile func()) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
			if onFile != nil {
				onFile()
			}
		}
		return nil
	})
	return total, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
