package staging_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trctl/trmv/internal/engine"
	"github.com/trctl/trmv/internal/staging"
	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/model"
)

const hash = "03a4f88adee883a3a135f10042442894af4167f7"

func newJob(t *testing.T) *model.Job {
	t.Helper()
	srcDir := filepath.Join(t.TempDir(), "dl", hash)
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "Show", "extras"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "Show", "ep1.mkv"), []byte("episode one"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "Show", "extras", "x.nfo"), []byte("nfo"), 0644))
	return &model.Job{
		Hash:      hash,
		Name:      "Show",
		SourceDir: srcDir,
		DestRoot:  t.TempDir(),
		RunID:     "test-run",
	}
}

type failingEngine struct{}

func (failingEngine) Name() model.EngineType { return model.EngineCopy }

func (failingEngine) Transfer(ctx context.Context, src, dstDir string) (*engine.TransferResult, error) {
	return nil, errors.New("disk on fire")
}

func TestRun_Promotes(t *testing.T) {
	job := newJob(t)
	c := staging.NewCoordinator(engine.NewCopyEngine(engine.Options{}))

	res, err := c.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.StateSynced, res.State)
	assert.False(t, res.Collision)
	assert.Equal(t, job.FinalPath(), res.FinalPath)
	assert.Equal(t, job.DestRoot, res.Location)

	content, err := os.ReadFile(filepath.Join(job.FinalPath(), "ep1.mkv"))
	require.NoError(t, err)
	assert.Equal(t, "episode one", string(content))
	assert.NoDirExists(t, job.StagingDir())
	assert.FileExists(t, job.MarkerPath(), "the marker is cleared by the caller after cleanup")
	assert.DirExists(t, job.SourcePath(), "source is untouched")
}

func TestRun_Collision(t *testing.T) {
	job := newJob(t)
	require.NoError(t, os.Mkdir(job.FinalPath(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(job.FinalPath(), "other"), []byte("someone else"), 0644))

	res, err := staging.NewCoordinator(engine.NewCopyEngine(engine.Options{})).Run(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Collision)
	assert.Equal(t, job.StagedPath(), res.FinalPath)
	assert.Equal(t, job.StagingDir(), res.Location)
	assert.FileExists(t, filepath.Join(job.StagedPath(), "ep1.mkv"))
	assert.NoFileExists(t, filepath.Join(job.FinalPath(), "ep1.mkv"), "existing entry is not overwritten")
}

func TestRun_TransferFailureKeepsMarker(t *testing.T) {
	job := newJob(t)

	res, err := staging.NewCoordinator(failingEngine{}).Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrTransferFailed)

	var se *staging.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StateStagingReady, se.State)
	assert.Equal(t, model.StateStagingReady, res.State)
	assert.FileExists(t, job.MarkerPath())
	assert.DirExists(t, job.SourcePath())
}

func TestRun_MarkerFailure(t *testing.T) {
	job := newJob(t)
	job.DestRoot = filepath.Join(job.DestRoot, "missing")

	_, err := staging.NewCoordinator(engine.NewCopyEngine(engine.Options{})).Run(context.Background(), job)
	assert.ErrorIs(t, err, errclass.ErrMarker)
	var se *staging.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StatePending, se.State)
}

func TestRun_ResumesInterruptedTransfer(t *testing.T) {
	job := newJob(t)
	c := staging.NewCoordinator(engine.NewCopyEngine(engine.Options{}))

	_, err := staging.NewCoordinator(failingEngine{}).Run(context.Background(), job)
	require.Error(t, err)
	// a partial copy from the crashed run
	require.NoError(t, os.MkdirAll(job.StagedPath(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(job.StagedPath(), "ep1.mkv"), []byte("episode"), 0644))

	res, err := c.Run(context.Background(), job)
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(res.FinalPath, "ep1.mkv"))
	require.NoError(t, err)
	assert.Equal(t, "episode one", string(content))
}

func TestLocate(t *testing.T) {
	job := newJob(t)

	_, err := staging.Locate(job)
	assert.ErrorIs(t, err, errclass.ErrDataMissing)

	require.NoError(t, os.Mkdir(job.FinalPath(), 0755))
	res, err := staging.Locate(job)
	require.NoError(t, err)
	assert.False(t, res.Collision)
	assert.Equal(t, job.DestRoot, res.Location)

	require.NoError(t, os.MkdirAll(job.StagedPath(), 0755))
	res, err = staging.Locate(job)
	require.NoError(t, err)
	assert.True(t, res.Collision)
	assert.Equal(t, job.StagingDir(), res.Location)
}

func TestResume_RemovesEmptyStagingDir(t *testing.T) {
	job := newJob(t)
	require.NoError(t, os.Mkdir(job.FinalPath(), 0755))
	require.NoError(t, os.Mkdir(job.StagingDir(), 0755))

	res, err := staging.NewCoordinator(engine.NewCopyEngine(engine.Options{})).Resume(job)
	require.NoError(t, err)
	assert.Equal(t, model.StateSynced, res.State)
	assert.Equal(t, job.FinalPath(), res.FinalPath)
	assert.NoDirExists(t, job.StagingDir())
}

func TestRun_DetectsEarlierPromotion(t *testing.T) {
	job := newJob(t)
	c := staging.NewCoordinator(engine.NewCopyEngine(engine.Options{}))

	_, err := c.Run(context.Background(), job)
	require.NoError(t, err)
	// the run stopped before cleanup: source and marker are still there

	res, err := staging.NewCoordinator(failingEngine{}).Run(context.Background(), job)
	require.NoError(t, err, "no second transfer")
	assert.False(t, res.Collision)
	assert.Equal(t, job.FinalPath(), res.FinalPath)
	assert.NoDirExists(t, job.StagingDir())
}

func TestRun_EmptyStagingDirAfterPromotion(t *testing.T) {
	job := newJob(t)
	_, err := staging.NewCoordinator(engine.NewCopyEngine(engine.Options{})).Run(context.Background(), job)
	require.NoError(t, err)
	// stopped after the rename, before the staging dir was removed
	require.NoError(t, os.Mkdir(job.StagingDir(), 0755))

	res, err := staging.NewCoordinator(failingEngine{}).Run(context.Background(), job)
	require.NoError(t, err, "no second transfer")
	assert.False(t, res.Collision)
	assert.Equal(t, job.FinalPath(), res.FinalPath)
	assert.Equal(t, job.DestRoot, res.Location)
	assert.NoDirExists(t, job.StagingDir())
}

func TestRecover_PromotesCompleteStagedCopy(t *testing.T) {
	job := newJob(t)
	_, err := engine.NewCopyEngine(engine.Options{}).Transfer(context.Background(), job.SourcePath(), job.StagingDir())
	require.NoError(t, err)

	res, err := staging.NewCoordinator(failingEngine{}).Recover(job)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.StateSynced, res.State)
	assert.False(t, res.Collision)
	assert.Equal(t, job.FinalPath(), res.FinalPath)
	assert.FileExists(t, filepath.Join(job.FinalPath(), "ep1.mkv"))
	assert.NoDirExists(t, job.StagingDir())
}

func TestRecover_KeepsStagedCopyWhenNameTaken(t *testing.T) {
	job := newJob(t)
	_, err := engine.NewCopyEngine(engine.Options{}).Transfer(context.Background(), job.SourcePath(), job.StagingDir())
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(job.FinalPath(), 0755))

	res, err := staging.NewCoordinator(failingEngine{}).Recover(job)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Collision)
	assert.Equal(t, job.StagedPath(), res.FinalPath)
	assert.Equal(t, job.StagingDir(), res.Location)
}

func TestRecover_NothingToReuse(t *testing.T) {
	job := newJob(t)

	res, err := staging.NewCoordinator(failingEngine{}).Recover(job)
	require.NoError(t, err)
	assert.Nil(t, res)

	// partial copy: one file missing
	_, err = engine.NewCopyEngine(engine.Options{}).Transfer(context.Background(), job.SourcePath(), job.StagingDir())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(job.StagedPath(), "ep1.mkv")))

	res, err = staging.NewCoordinator(failingEngine{}).Recover(job)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.DirExists(t, job.StagedPath(), "partial copy is left for the transfer to resume")
}

func TestRun_ForeignEntryIsNotMistakenForPromotion(t *testing.T) {
	job := newJob(t)
	require.NoError(t, os.WriteFile(job.MarkerPath(), nil, 0644))
	require.NoError(t, os.Mkdir(job.FinalPath(), 0755))

	res, err := staging.NewCoordinator(engine.NewCopyEngine(engine.Options{})).Run(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Collision)
}

func TestSameTree(t *testing.T) {
	job := newJob(t)
	dst := t.TempDir()
	_, err := engine.NewCopyEngine(engine.Options{}).Transfer(context.Background(), job.SourcePath(), dst)
	require.NoError(t, err)

	same, err := staging.SameTree(job.SourcePath(), filepath.Join(dst, "Show"))
	require.NoError(t, err)
	assert.True(t, same)

	require.NoError(t, os.WriteFile(filepath.Join(dst, "Show", "ep1.mkv"), []byte("short"), 0644))
	same, err = staging.SameTree(job.SourcePath(), filepath.Join(dst, "Show"))
	require.NoError(t, err)
	assert.False(t, same)
}
