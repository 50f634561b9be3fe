package engine_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trctl/trmv/internal/engine"
	"github.com/trctl/trmv/pkg/model"
)

func makePayload(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "Some.Show.S01")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "subdir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "subdir", "nested.txt"), []byte("world"), 0600))
	require.NoError(t, os.Symlink("file.txt", filepath.Join(src, "link")))
	return src
}

func TestCopyEngine_TransferPreservesFiles(t *testing.T) {
	src := makePayload(t)
	dstDir := t.TempDir()

	eng := engine.NewCopyEngine(engine.Options{})
	result, err := eng.Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, 2, result.Files)
	assert.Equal(t, int64(10), result.Bytes)
	assert.Equal(t, int64(10), result.Written)

	out := filepath.Join(dstDir, "Some.Show.S01")
	content, err := os.ReadFile(filepath.Join(out, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	info, err := os.Stat(filepath.Join(out, "subdir", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(out, "link"))
	require.NoError(t, err)
	assert.Equal(t, "file.txt", target)

	srcInfo, _ := os.Stat(filepath.Join(src, "file.txt"))
	dstInfo, _ := os.Stat(filepath.Join(out, "file.txt"))
	assert.True(t, srcInfo.ModTime().Equal(dstInfo.ModTime()))
}

func TestCopyEngine_SingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "testing.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF"), 0644))
	dstDir := t.TempDir()

	_, err := engine.NewCopyEngine(engine.Options{}).Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dstDir, "testing.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(content))
}

func TestCopyEngine_ResumeSkipsCompleteFiles(t *testing.T) {
	src := makePayload(t)
	dstDir := t.TempDir()
	eng := engine.NewCopyEngine(engine.Options{})

	_, err := eng.Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)

	result, err := eng.Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Skipped)
	assert.Zero(t, result.Written)
}

func TestCopyEngine_ResumeAppendsPartialFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "big.bin")
	data := make([]byte, 200<<10)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(src, data, 0644))

	dstDir := t.TempDir()
	partial := filepath.Join(dstDir, "big.bin")
	require.NoError(t, os.WriteFile(partial, data[:150<<10], 0644))

	result, err := engine.NewCopyEngine(engine.Options{}).Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)
	assert.Equal(t, int64(50<<10), result.Written)

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCopyEngine_RewritesMismatchedPartial(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0644))

	dstDir := t.TempDir()
	partial := filepath.Join(dstDir, "a.bin")
	require.NoError(t, os.WriteFile(partial, []byte("xxxx"), 0644))

	result, err := engine.NewCopyEngine(engine.Options{}).Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.Written)

	got, _ := os.ReadFile(partial)
	assert.Equal(t, "0123456789", string(got))
}

func TestCopyEngine_RewritesLargerAndStaleFiles(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(src, old, old))

	dstDir := t.TempDir()
	dst := filepath.Join(dstDir, "a.bin")
	require.NoError(t, os.WriteFile(dst, []byte("abcdef"), 0644))

	eng := engine.NewCopyEngine(engine.Options{})
	_, err := eng.Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)
	got, _ := os.ReadFile(dst)
	assert.Equal(t, "abc", string(got))

	// same size, different mtime: not trusted
	require.NoError(t, os.WriteFile(dst, []byte("xyz"), 0644))
	result, err := eng.Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)
	assert.Zero(t, result.Skipped)
	got, _ = os.ReadFile(dst)
	assert.Equal(t, "abc", string(got))
}

func TestCopyEngine_HardlinkDegrades(t *testing.T) {
	src := makePayload(t)
	require.NoError(t, os.Link(filepath.Join(src, "file.txt"), filepath.Join(src, "hard.txt")))

	result, err := engine.NewCopyEngine(engine.Options{}).Transfer(context.Background(), src, t.TempDir())
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Contains(t, result.Degradations, "hardlink")
}

func TestCopyEngine_Cancelled(t *testing.T) {
	src := makePayload(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.NewCopyEngine(engine.Options{}).Transfer(ctx, src, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCopyEngine_Progress(t *testing.T) {
	src := makePayload(t)
	var last, total int64
	opts := engine.Options{
		IONice: true,
		Progress: func(op string, current, tot int64, message string) {
			last, total = current, tot
		},
	}

	_, err := engine.NewCopyEngine(opts).Transfer(context.Background(), src, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
	assert.Equal(t, int64(10), last)
}

func TestCopyEngine_MissingSource(t *testing.T) {
	_, err := engine.NewCopyEngine(engine.Options{}).Transfer(context.Background(), filepath.Join(t.TempDir(), "nope"), t.TempDir())
	assert.Error(t, err)
}

func TestRsyncEngine_Args(t *testing.T) {
	eng := engine.NewRsyncEngine(engine.Options{})
	assert.Equal(t, "rsync", eng.Path)
	assert.Equal(t,
		[]string{"--archive", "--append-verify", "--", "/dl/Show", "/dest/abc/"},
		eng.Args("/dl/Show/", "/dest/abc"))
}

func TestRsyncEngine_FallsBackWithoutRsync(t *testing.T) {
	src := makePayload(t)
	dstDir := t.TempDir()

	eng := engine.NewRsyncEngine(engine.Options{RsyncPath: filepath.Join(t.TempDir(), "no-rsync")})
	result, err := eng.Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)
	assert.Contains(t, result.Degradations, "rsync-not-available")
	assert.FileExists(t, filepath.Join(dstDir, "Some.Show.S01", "file.txt"))
}

func TestRsyncEngine_Transfer(t *testing.T) {
	if _, err := exec.LookPath("rsync"); err != nil {
		t.Skip("rsync not installed")
	}
	src := makePayload(t)
	dstDir := t.TempDir()

	result, err := engine.NewRsyncEngine(engine.Options{IONice: true}).Transfer(context.Background(), src, dstDir)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Files)
	assert.Equal(t, int64(10), result.Bytes)
	assert.FileExists(t, filepath.Join(dstDir, "Some.Show.S01", "subdir", "nested.txt"))
}

func TestRsyncEngine_Failure(t *testing.T) {
	if _, err := exec.LookPath("rsync"); err != nil {
		t.Skip("rsync not installed")
	}
	_, err := engine.NewRsyncEngine(engine.Options{}).Transfer(context.Background(), filepath.Join(t.TempDir(), "missing"), t.TempDir())
	assert.ErrorContains(t, err, "rsync exited with")
}

func TestNewEngine(t *testing.T) {
	assert.Equal(t, model.EngineRsync, engine.NewEngine(model.EngineRsync, engine.Options{}).Name())
	assert.Equal(t, model.EngineCopy, engine.NewEngine(model.EngineCopy, engine.Options{}).Name())
	assert.Equal(t, model.EngineCopy, engine.NewEngine("unknown", engine.Options{}).Name())
}
