// Package journal keeps an append-only record of runtime env lifecycle events.
//
// Events are held in a bounded in-memory buffer for the API and, when enabled,
// appended as JSON lines to <dir>/events.jsonl. The file is rotated once it
// reaches MaxFileSize and at most MaxFiles rotated files are kept.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/runenv/internal/errors"
	"github.com/felixgeelhaar/runenv/internal/log"
)

const (
	currentFile     = "events.jsonl"
	rotatedPattern  = "events-*.jsonl"
	rotatedLayout   = "20060102T150405.000000000"
	maxLineSize     = 4 << 20
	DefaultMaxFiles = 5
	DefaultBuffer   = 512
)

// DefaultMaxFileSize is the size at which events.jsonl is rotated.
const DefaultMaxFileSize int64 = 10 << 20

// Config controls the journal.
type Config struct {
	// Enabled writes events to disk. Disabled journals still buffer in memory.
	Enabled     bool  `yaml:"enabled"`
	MaxFileSize int64 `yaml:"max_file_size"`
	MaxFiles    int   `yaml:"max_files"`

	// Buffer is how many recent events are kept in memory.
	Buffer int `yaml:"buffer"`
}

// DefaultConfig returns an enabled journal configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MaxFileSize: DefaultMaxFileSize,
		MaxFiles:    DefaultMaxFiles,
		Buffer:      DefaultBuffer,
	}
}

// Validate rejects negative limits.
func (c Config) Validate() error {
	if c.MaxFileSize < 0 || c.MaxFiles < 0 || c.Buffer < 0 {
		return fmt.Errorf("events limits must not be negative")
	}
	return nil
}

// Journal is safe for concurrent use. A nil *Journal discards events.
type Journal struct {
	mu     sync.Mutex
	dir    string
	file   *os.File
	cfg    Config
	logger *log.Logger

	recent []*Event
	next   int
	full   bool
}

// Open creates a journal writing under dir.
func Open(dir string, cfg Config, logger *log.Logger) (*Journal, error) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.Discard()
	}

	j := &Journal{
		dir:    dir,
		cfg:    cfg,
		logger: logger.Named("journal"),
		recent: make([]*Event, cfg.Buffer),
	}
	if !cfg.Enabled {
		return j, nil
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to create events directory", err)
	}
	f, err := os.OpenFile(j.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to open events file", err)
	}
	j.file = f
	return j, nil
}

// Path returns the file events are appended to, or "" when disk writes are off.
func (j *Journal) Path() string {
	if j == nil || j.file == nil {
		return ""
	}
	return j.path()
}

func (j *Journal) path() string {
	return filepath.Join(j.dir, currentFile)
}

// Record buffers event and appends it to disk.
func (j *Journal) Record(event *Event) error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.recent[j.next] = event
	j.next = (j.next + 1) % len(j.recent)
	if j.next == 0 {
		j.full = true
	}

	if j.file == nil {
		return nil
	}
	if err := j.checkRotation(); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "events rotation failed", err)
	}

	line, err := event.MarshalLine()
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to encode event", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "failed to write event", err)
	}
	return nil
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Fingerprint string
	JobID       string
	Type        EventType

	// Limit keeps only the newest matches.
	Limit int
}

func (f Filter) match(e *Event) bool {
	return (f.Fingerprint == "" || e.Fingerprint == f.Fingerprint) &&
		(f.JobID == "" || e.JobID == f.JobID) &&
		(f.Type == "" || e.Type == f.Type)
}

func (f Filter) apply(events []*Event) []*Event {
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Recent returns buffered events oldest first.
func (j *Journal) Recent(filter Filter) []*Event {
	if j == nil {
		return []*Event{}
	}

	j.mu.Lock()
	var events []*Event
	if j.full {
		events = append(events, j.recent[j.next:]...)
	}
	events = append(events, j.recent[:j.next]...)
	j.mu.Unlock()

	return filter.apply(events)
}

// Close flushes and closes the events file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		j.logger.WithError(err).Warn("failed to sync events file")
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *Journal) checkRotation() error {
	info, err := j.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < j.cfg.MaxFileSize {
		return nil
	}
	return j.rotate()
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}

	rotated := filepath.Join(j.dir, "events-"+time.Now().UTC().Format(rotatedLayout)+".jsonl")
	if err := os.Rename(j.path(), rotated); err != nil {
		return err
	}
	if err := j.cleanupOldFiles(); err != nil {
		j.logger.WithError(err).Warn("failed to remove old events files")
	}

	f, err := os.OpenFile(j.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	j.file = f
	return nil
}

func (j *Journal) cleanupOldFiles() error {
	files, err := rotatedFiles(j.dir)
	if err != nil {
		return err
	}
	for i := 0; i < len(files)-j.cfg.MaxFiles; i++ {
		if err := os.Remove(files[i]); err != nil {
			return err
		}
	}
	return nil
}

func rotatedFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, rotatedPattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Read loads events from the files under dir, oldest first. Lines that do not
// decode, such as a write torn by a crash, are skipped.
func Read(dir string, filter Filter) ([]*Event, error) {
	files, err := rotatedFiles(dir)
	if err != nil {
		return nil, err
	}
	files = append(files, filepath.Join(dir, currentFile))

	var events []*Event
	for _, path := range files {
		fileEvents, err := readFile(path)
		if err != nil {
			return nil, err
		}
		events = append(events, fileEvents...)
	}
	return filter.apply(events), nil
}

func readFile(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to open events file "+path, err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		event, err := ParseEvent(scanner.Bytes())
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "failed to read events file "+path, err)
	}
	return events, nil
}
