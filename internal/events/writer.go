package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LogWriter appends events to a JSONL file, one record per line. It drains
// a bus subscription on its own goroutine so file I/O never sits between
// loop iterations.
type LogWriter struct {
	path string
	f    *os.File
	enc  *json.Encoder

	mu   sync.Mutex
	done chan struct{}
}

// NewLogWriter opens (creating parents as needed) the log file for append.
func NewLogWriter(path string) (*LogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &LogWriter{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

// Path returns the log file location, printed in the terminal summary.
func (w *LogWriter) Path() string { return w.path }

// Write appends one event.
func (w *LogWriter) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Drain consumes a subscription until the bus closes. Run it in a
// goroutine; Close waits for it to finish.
func (w *LogWriter) Drain(ch <-chan Event) {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return
	}
	w.done = make(chan struct{})
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		for ev := range ch {
			if err := w.Write(ev); err != nil {
				fmt.Fprintf(os.Stderr, "event log write failed: %v\n", err)
			}
		}
	}()
}

// Close waits for a running drain to finish and closes the file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
	return w.f.Close()
}
