//go:build !linux

package engine

// withIdleIO runs fn unchanged; I/O scheduling classes are Linux only.
func withIdleIO(fn func() error) (bool, error) {
	return false, fn()
}
