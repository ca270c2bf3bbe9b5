package audio

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// DebugTee appends raw audio to a capture file. It is safe for concurrent
// use and a nil *DebugTee discards everything.
type DebugTee struct {
	mu   sync.Mutex
	file *os.File
}

// OpenDebugTee creates (or truncates) path for raw audio capture
func OpenDebugTee(path string) (*DebugTee, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug audio file %s: %w", path, err)
	}
	return &DebugTee{file: f}, nil
}

// Write appends p to the capture file
func (d *DebugTee) Write(p []byte) (int, error) {
	if d == nil {
		return len(p), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return 0, os.ErrClosed
	}
	return d.file.Write(p)
}

// Close flushes and closes the capture file
func (d *DebugTee) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Writer returns d as an io.Writer, or nil when d is nil so callers can
// test for an absent tee.
func (d *DebugTee) Writer() io.Writer {
	if d == nil {
		return nil
	}
	return d
}
