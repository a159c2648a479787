package log

import (
	"io"
	"os"
	"sync"
)

// ConsoleOutput writes entries to stderr (errors) and stdout (everything else).
type ConsoleOutput struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

// NewConsoleOutput creates a console output.
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{stdout: os.Stdout, stderr: os.Stderr}
}

// Write implements Output.
func (o *ConsoleOutput) Write(entry *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w := o.stdout
	if entry.Level >= ErrorLevel {
		w = o.stderr
	}
	_, err := w.Write(formatted)
	return err
}

// Close implements Output. Console streams are not owned, so nothing closes.
func (o *ConsoleOutput) Close() error { return nil }

// WriterOutput writes entries to an arbitrary io.Writer. Used in tests.
type WriterOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterOutput creates an output writing to w.
func NewWriterOutput(w io.Writer) *WriterOutput { return &WriterOutput{w: w} }

// Write implements Output.
func (o *WriterOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.w.Write(formatted)
	return err
}

// Close implements Output.
func (o *WriterOutput) Close() error { return nil }
