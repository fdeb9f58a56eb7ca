package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	roleStyles = map[Role]lipgloss.Style{
		RoleBackend:  lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")).Bold(true),
		RoleFrontend: lipgloss.NewStyle().Foreground(lipgloss.Color("#cba6f7")).Bold(true),
	}
	stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#f38ba8"))
)

// consoleOutput serializes child output lines onto one writer
type consoleOutput struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleOutput(out io.Writer) *consoleOutput {
	return &consoleOutput{out: out}
}

// writers returns the stdout and stderr writers for one child
func (c *consoleOutput) writers(role Role) (*lineWriter, *lineWriter) {
	style, ok := roleStyles[role]
	if !ok {
		style = lipgloss.NewStyle()
	}
	prefix := style.Render(fmt.Sprintf("[%s]", role))
	return &lineWriter{console: c, prefix: prefix},
		&lineWriter{console: c, prefix: prefix, stderr: true}
}

func (c *consoleOutput) writeLine(prefix string, line []byte, stderr bool) {
	text := string(line)
	if stderr {
		text = stderrStyle.Render(text)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %s\n", prefix, text)
}

// lineWriter forwards complete lines with a role prefix. A trailing partial
// line is held until the next newline or Flush.
type lineWriter struct {
	console *consoleOutput
	prefix  string
	stderr  bool

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.console.writeLine(w.prefix, bytes.TrimRight(w.buf[:i], "\r"), w.stderr)
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes any buffered partial line
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.console.writeLine(w.prefix, w.buf, w.stderr)
		w.buf = nil
	}
}
