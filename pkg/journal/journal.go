// Package journal appends every published event to per-session JSONL files.
//
// One line per event, UTF-8, newline-terminated, carrying the full wire form
// including the v1 version tag. Files rotate by size; rotated files are
// gzip-compressed and the live file is replaced with a fresh one. The journal
// is a best-effort sink: write failures are logged and counted, never
// propagated to publishers.
package journal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/agentfleet/fleetd/pkg/events"
)

// DefaultMaxBytes is the rotation threshold when the config leaves it unset.
const DefaultMaxBytes = 64 << 20

// Journal writes per-session event logs under a directory.
type Journal struct {
	dir      string
	maxBytes int64

	mu    sync.Mutex
	files map[string]*sessionFile

	written     atomic.Uint64
	writeErrors atomic.Uint64

	// now is swappable so rotation tests control file naming.
	now func() time.Time
}

// sessionFile is one open session log.
type sessionFile struct {
	f    *os.File
	path string
	size int64
}

// New creates a Journal writing under dir, creating it if needed.
func New(dir string, maxBytes int64) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Journal{
		dir:      dir,
		maxBytes: maxBytes,
		files:    make(map[string]*sessionFile),
		now:      time.Now,
	}, nil
}

// Attach subscribes the journal to every event type.
func (j *Journal) Attach(bus *events.Bus) {
	for _, t := range events.Types() {
		bus.Subscribe(t, j.Handle)
	}
}

// Handle appends one event to its session's log.
func (j *Journal) Handle(_ context.Context, e *events.Event) error {
	return j.Append(e)
}

// Append writes the event's wire form as one JSONL line.
func (j *Journal) Append(e *events.Event) error {
	data, err := e.MarshalJSON()
	if err != nil {
		j.writeErrors.Add(1)
		return fmt.Errorf("marshaling event for journal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	sf, err := j.fileFor(e.SessionID())
	if err != nil {
		j.writeErrors.Add(1)
		slog.Error("Journal open failed", "session_id", e.SessionID(), "error", err)
		return err
	}

	line := append(data, '\n')
	n, err := sf.f.Write(line)
	sf.size += int64(n)
	if err != nil {
		j.writeErrors.Add(1)
		slog.Error("Journal write failed", "path", sf.path, "error", err)
		return err
	}
	j.written.Add(1)

	if sf.size >= j.maxBytes {
		j.rotate(e.SessionID(), sf)
	}

	if e.Type() == events.EventTypeSessionEnded {
		j.closeSession(e.SessionID())
	}
	return nil
}

// fileFor returns the session's open log, creating one on first write.
// Caller holds j.mu.
func (j *Journal) fileFor(sessionID string) (*sessionFile, error) {
	if sf, ok := j.files[sessionID]; ok {
		return sf, nil
	}
	path := filepath.Join(j.dir, fmt.Sprintf("session_%s.jsonl", j.now().UTC().Format("20060102T150405.000000000")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	sf := &sessionFile{f: f, path: path}
	j.files[sessionID] = sf
	slog.Info("Journal opened", "session_id", sessionID, "path", path)
	return sf, nil
}

// rotate closes the full file, compresses it to <path>.gz, and removes the
// original. The next append opens a fresh file. Caller holds j.mu.
func (j *Journal) rotate(sessionID string, sf *sessionFile) {
	if err := sf.f.Close(); err != nil {
		slog.Error("Journal close before rotation failed", "path", sf.path, "error", err)
	}
	delete(j.files, sessionID)

	if err := compressFile(sf.path); err != nil {
		// Keep the uncompressed file rather than lose data.
		slog.Error("Journal compression failed, keeping original", "path", sf.path, "error", err)
		return
	}
	if err := os.Remove(sf.path); err != nil {
		slog.Error("Journal cleanup after rotation failed", "path", sf.path, "error", err)
	}
	slog.Info("Journal rotated", "session_id", sessionID, "path", sf.path+".gz")
}

// compressFile gzips path into path.gz.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// closeSession flushes and closes one session's file. Caller holds j.mu.
func (j *Journal) closeSession(sessionID string) {
	sf, ok := j.files[sessionID]
	if !ok {
		return
	}
	if err := sf.f.Close(); err != nil {
		slog.Error("Journal close failed", "path", sf.path, "error", err)
	}
	delete(j.files, sessionID)
}

// Stats returns journal counters.
func (j *Journal) Stats() (written, writeErrors uint64) {
	return j.written.Load(), j.writeErrors.Load()
}

// Close closes every open session file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id := range j.files {
		j.closeSession(id)
	}
}
