// Package progress provides byte progress reporting for payload transfers.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/docker/go-units"
)

// Callback receives progress updates during a transfer. current and total
// are byte counts; total is zero when unknown.
type Callback func(op string, current, total int64, message string)

// Noop is a no-op callback for default behavior.
func Noop(op string, current, total int64, message string) {}

// Progress tracks transferred bytes. It is safe for concurrent use.
type Progress struct {
	Op    string
	Total int64

	mu      sync.Mutex
	current int64
	cb      Callback
}

// New creates a new Progress tracker.
func New(op string, total int64, cb Callback) *Progress {
	if cb == nil {
		cb = Noop
	}
	return &Progress{Op: op, Total: total, cb: cb}
}

// Add advances the progress by n bytes and calls the callback.
func (p *Progress) Add(n int64, message string) {
	p.mu.Lock()
	p.current += n
	cur := p.current
	p.mu.Unlock()
	p.cb(p.Op, cur, p.Total, message)
}

// Done marks the operation as complete.
func (p *Progress) Done(message string) {
	p.mu.Lock()
	if p.Total > 0 {
		p.current = p.Total
	}
	cur := p.current
	p.mu.Unlock()
	p.cb(p.Op, cur, p.Total, message)
}

// Current returns the bytes accounted so far.
func (p *Progress) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Writer returns an io.Writer that advances the progress by every write.
func (p *Progress) Writer(message string) io.Writer {
	return writerFunc(func(b []byte) (int, error) {
		p.Add(int64(len(b)), message)
		return len(b), nil
	})
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

// Terminal renders a single-line progress bar on stderr.
type Terminal struct {
	writer      io.Writer
	op          string
	lastLineLen atomic.Int64
	enabled     atomic.Bool
	mu          sync.Mutex
}

// NewTerminal creates a new terminal progress bar.
func NewTerminal(op string, enabled bool) *Terminal {
	t := &Terminal{
		writer: os.Stderr,
		op:     op,
	}
	t.enabled.Store(enabled)
	return t
}

// SetWriter redirects the bar.
func (t *Terminal) SetWriter(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writer = w
}

// Callback returns a Callback function for this terminal.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int64, message string) {
		if !t.enabled.Load() {
			return
		}
		t.render(current, total, message)
	}
}

func (t *Terminal) render(current, total int64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear := "\r"
	if lastLen := t.lastLineLen.Load(); lastLen > 0 {
		clear = "\r" + strings.Repeat(" ", int(lastLen)) + "\r"
	}

	var line string
	if total > 0 {
		if current > total {
			current = total
		}
		const barWidth = 30
		filled := int(barWidth * current / total)
		bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
		line = fmt.Sprintf("%s [%s] %s/%s (%.0f%%)", t.op, bar,
			units.BytesSize(float64(current)), units.BytesSize(float64(total)),
			float64(current)/float64(total)*100)
	} else {
		line = fmt.Sprintf("%s... %s", t.op, units.BytesSize(float64(current)))
	}
	if message != "" {
		line += " " + message
	}

	fmt.Fprint(t.writer, clear+line)
	t.lastLineLen.Store(int64(len(line)))
}

// Done prints a final message and a newline.
func (t *Terminal) Done(message string) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	clear := "\r" + strings.Repeat(" ", int(t.lastLineLen.Load())) + "\r"
	if message == "" {
		message = t.op + " complete"
	}
	fmt.Fprintln(t.writer, clear+message)
}

// SetEnabled enables or disables the progress bar.
func (t *Terminal) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// IsEnabled returns whether the progress bar is enabled.
func (t *Terminal) IsEnabled() bool {
	return t.enabled.Load()
}
