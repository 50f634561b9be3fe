package admission_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trctl/trmv/internal/admission"
	"github.com/trctl/trmv/pkg/errclass"
)

type fakeVolume struct {
	avail int64
	paths []string
}

func (f *fakeVolume) Available(path string) (int64, error) {
	f.paths = append(f.paths, path)
	return f.avail, nil
}

func writePayload(t *testing.T, sizes ...int) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	for i, n := range sizes {
		dir := root
		if i%2 == 1 {
			dir = filepath.Join(root, "sub")
		}
		name := filepath.Join(dir, string(rune('a'+i)))
		require.NoError(t, os.WriteFile(name, make([]byte, n), 0644))
	}
	return root
}

func TestPayloadSize(t *testing.T) {
	root := writePayload(t, 100, 200, 300)
	require.NoError(t, os.Symlink("/dev/zero", filepath.Join(root, "link")))

	size, err := admission.PayloadSize(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, int64(600), size)

	single, err := admission.PayloadSize(context.Background(), filepath.Join(root, "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), single)

	_, err = admission.PayloadSize(context.Background(), filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestPayloadSize_Cancelled(t *testing.T) {
	root := writePayload(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := admission.PayloadSize(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheck(t *testing.T) {
	src := writePayload(t, 600, 400) // S = 1000
	const margin = 100

	tests := []struct {
		name     string
		avail    int64
		force    bool
		approved bool
		wantErr  bool
	}{
		{"plenty", 5000, false, true, false},
		{"one byte over", 1101, false, true, false},
		{"exactly size plus margin", 1100, false, false, true},
		{"short", 900, false, false, true},
		{"short but forced", 900, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vol := &fakeVolume{avail: tt.avail}
			c := admission.NewController(vol)

			d, err := c.Check(context.Background(), src, t.TempDir(), margin, tt.force)
			require.NotNil(t, d)
			assert.Equal(t, int64(1000), d.Size)
			assert.Equal(t, tt.approved, d.Approved)
			assert.Equal(t, tt.force && !tt.approved, d.Forced)
			if tt.wantErr {
				assert.ErrorIs(t, err, errclass.ErrInsufficientSpace)
				assert.Positive(t, d.Shortfall())
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheck_MissingDestinationUsesAncestor(t *testing.T) {
	src := writePayload(t, 10)
	base := t.TempDir()
	vol := &fakeVolume{avail: 1 << 20}

	_, err := admission.NewController(vol).Check(context.Background(), src, filepath.Join(base, "new", "dest"), 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{base}, vol.paths)
}

func TestStatfs(t *testing.T) {
	avail, err := admission.Statfs{}.Available(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, avail)
}
