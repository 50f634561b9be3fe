// Package devlock serializes relocation jobs per physical device.
//
// Each device is guarded by a flock(2) on <lock_dir>/dev-<id>.lock. The lock
// belongs to the open file description, so it is released when the guard is
// closed or the process exits, however it exits. Lock files are never removed.
package devlock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/trctl/trmv/pkg/errclass"
)

// ID identifies a physical device (st_dev).
type ID uint64

// String renders the device as major-minor in hex.
func (id ID) String() string {
	return fmt.Sprintf("%x-%x", unix.Major(uint64(id)), unix.Minor(uint64(id)))
}

// DeviceID resolves the device holding path. A path that does not exist yet
// resolves to the device of its closest existing ancestor.
func DeviceID(path string) (ID, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("device of %s: %w", path, err)
	}
	for {
		var st unix.Stat_t
		err := unix.Stat(p, &st)
		if err == nil {
			return ID(uint64(st.Dev)), nil
		}
		if !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.ENOTDIR) {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return 0, fmt.Errorf("device of %s: no existing ancestor", path)
		}
		p = parent
	}
}

// Manager hands out device locks from one lock directory.
type Manager struct {
	lockDir string
}

// NewManager creates a lock manager rooted at lockDir.
func NewManager(lockDir string) *Manager {
	return &Manager{lockDir: lockDir}
}

// LockPath returns the lock file used for a device.
func (m *Manager) LockPath(id ID) string {
	return filepath.Join(m.lockDir, "dev-"+id.String()+".lock")
}

// Guard is a held device lock.
type Guard struct {
	ID   ID
	Path string

	once sync.Once
	file *os.File
	err  error
}

// Release unlocks the device. Calling it more than once is harmless.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	g.once.Do(func() {
		g.err = g.file.Close()
	})
	return g.err
}

// Acquire blocks until the lock of the device holding path is obtained.
func (m *Manager) Acquire(path string) (*Guard, error) {
	id, err := DeviceID(path)
	if err != nil {
		return nil, errclass.ErrLockFailed.WithMessagef("%v", err)
	}
	return m.acquireID(id, true)
}

// TryAcquire is Acquire without blocking. It returns a nil guard and no
// error when another process holds the lock.
func (m *Manager) TryAcquire(path string) (*Guard, error) {
	id, err := DeviceID(path)
	if err != nil {
		return nil, errclass.ErrLockFailed.WithMessagef("%v", err)
	}
	return m.acquireID(id, false)
}

func (m *Manager) acquireID(id ID, wait bool) (*Guard, error) {
	if err := os.MkdirAll(m.lockDir, 0755); err != nil {
		return nil, errclass.ErrLockFailed.WithMessagef("create lock dir: %v", err)
	}

	lockPath := m.LockPath(id)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errclass.ErrLockFailed.WithMessagef("open %s: %v", lockPath, err)
	}

	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	for {
		err = unix.Flock(int(file.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		file.Close()
		if !wait && errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, errclass.ErrLockFailed.WithMessagef("flock %s: %v", lockPath, err)
	}

	return &Guard{ID: id, Path: lockPath, file: file}, nil
}

// Set is a group of device locks taken together.
type Set struct {
	Guards []*Guard
}

// IDs returns the locked devices in acquisition order.
func (s *Set) IDs() []ID {
	ids := make([]ID, len(s.Guards))
	for i, g := range s.Guards {
		ids[i] = g.ID
	}
	return ids
}

// Release unlocks every device in reverse acquisition order.
func (s *Set) Release() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.Guards) - 1; i >= 0; i-- {
		if err := s.Guards[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AcquireAll locks the devices of all paths. Each device is locked once and
// devices are always taken in ascending id order, whatever role the paths
// play, so two jobs with swapped source and destination cannot deadlock.
func (m *Manager) AcquireAll(paths ...string) (*Set, error) {
	seen := make(map[ID]bool, len(paths))
	var ids []ID
	for _, p := range paths {
		id, err := DeviceID(p)
		if err != nil {
			return nil, errclass.ErrLockFailed.WithMessagef("%v", err)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	set := &Set{}
	for _, id := range ids {
		g, err := m.acquireID(id, true)
		if err != nil {
			set.Release()
			return nil, err
		}
		set.Guards = append(set.Guards, g)
	}
	return set, nil
}

// Held reports whether some process currently holds the lock of the device
// holding path.
func (m *Manager) Held(path string) (bool, error) {
	id, err := DeviceID(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(m.LockPath(id)); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	g, err := m.acquireID(id, false)
	if err != nil {
		return false, err
	}
	if g == nil {
		return true, nil
	}
	return false, g.Release()
}
