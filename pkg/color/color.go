// Package color provides terminal color output support for trmv.
// It respects the NO_COLOR environment variable (https://no-color.org/)
// and stays off when stdout is not a terminal, which is the case under the
// torrent daemon's completion hook.
package color

import (
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

var state struct {
	mu      sync.RWMutex
	once    sync.Once
	enabled bool
}

// Init initializes the color system based on environment and flags.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		enabled := isatty.IsTerminal(os.Stdout.Fd())
		// Check NO_COLOR environment variable
		if _, exists := os.LookupEnv("NO_COLOR"); exists {
			enabled = false
		}
		// Check if we're in a dumb terminal
		if os.Getenv("TERM") == "dumb" {
			enabled = false
		}
		if noColorFlag {
			enabled = false
		}
		state.mu.Lock()
		state.enabled = enabled
		state.mu.Unlock()
	})
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.enabled
}

// Set forces color output on or off.
func Set(enabled bool) {
	Init(!enabled)
	state.mu.Lock()
	state.enabled = enabled
	state.mu.Unlock()
}

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Cyan    = "\033[36m"
)

func wrap(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + Reset
}

// Success formats a success message in green.
func Success(s string) string { return wrap(Green, s) }

// Error formats an error message in red.
func Error(s string) string { return wrap(Red, s) }

// Warning formats a warning message in yellow.
func Warning(s string) string { return wrap(Yellow, s) }

// Info formats an informational message in cyan.
func Info(s string) string { return wrap(Cyan, s) }

// Header formats a header in bold.
func Header(s string) string { return wrap(Bold, s) }

// Dim formats dimmed text (for secondary information).
func Dim(s string) string { return wrap(DimCode, s) }

// Severity colors a doctor severity label.
func Severity(s string) string {
	switch s {
	case "error":
		return Error(s)
	case "warning":
		return Warning(s)
	default:
		return Info(s)
	}
}
