// Package tail emits log lines from files matched by glob patterns.
// Rotation is detected by inode change, truncation by a shrinking file.
// Offsets are bookmarked so a restart resumes where the previous run
// stopped instead of re-shipping whole files.
package tail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"logship/internal/shipper"
)

// trackedFile is the read state of one tailed file. offset is always a
// line boundary; carry holds consumed bytes past offset that are not yet
// terminated by a newline.
type trackedFile struct {
	path     string
	inode    uint64
	offset   int64
	carry    []byte
	skipping bool // discarding the remainder of an oversized line
	file     *os.File
}

type source struct {
	name         string
	patterns     []string
	pollInterval time.Duration
	fromStart    bool
	maxLineBytes int
	statePath    string
	logger       *slog.Logger

	mu    sync.Mutex
	files map[string]*trackedFile
}

func newSource(cfg sourceConfig) *source {
	return &source{
		name:         cfg.Name,
		patterns:     cfg.Patterns,
		pollInterval: cfg.PollInterval,
		fromStart:    cfg.FromStart,
		maxLineBytes: cfg.MaxLineBytes,
		statePath:    cfg.StatePath,
		logger:       cfg.Logger,
		files:        make(map[string]*trackedFile),
	}
}

// Run implements shipper.Source.
func (s *source) Run(ctx context.Context, out chan<- shipper.Message) error {
	marks, err := loadBookmarks(s.statePath)
	if err != nil {
		s.logger.Warn("failed to load bookmarks, starting fresh", "error", err)
		marks = bookmarks{Files: make(map[string]fileBookmark)}
	}

	paths, err := resolveGlobs(s.patterns)
	if err != nil {
		return err
	}
	for _, p := range paths {
		s.track(p, marks, false)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range watchRoots(s.patterns) {
		if err := watcher.Add(dir); err != nil {
			s.logger.Warn("cannot watch directory", "dir", dir, "error", err)
		}
	}

	s.readAll(ctx, out)

	// Polling backstop for events fsnotify misses (NFS, renamed dirs,
	// files appearing under fresh subdirectories). Also drives bookmark
	// persistence.
	var tick <-chan time.Time
	if s.pollInterval > 0 {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.checkpoint(marks)
			s.closeAll()
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev, marks, out)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", "error", err)

		case <-tick:
			s.poll(ctx, marks, out)
		}
	}
}

// track opens path and registers it for tailing. Pre-existing files with
// no valid bookmark start at the end unless the source reads from the
// start; files that appeared while running are read from the top.
func (s *source) track(path string, marks bookmarks, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[path]; ok {
		return
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		s.logger.Warn("cannot open file", "path", path, "error", err)
		return
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		s.logger.Warn("cannot stat file", "path", path, "error", err)
		return
	}

	inode, _ := fileInode(info)
	tf := &trackedFile{path: path, inode: inode, file: f}

	switch {
	case validBookmark(marks, path, inode, info.Size()):
		tf.offset = marks.Files[path].Offset
	case isNew || s.fromStart:
		tf.offset = 0
	default:
		tf.offset = info.Size()
	}

	s.files[path] = tf
	s.logger.Debug("tailing file", "path", path, "offset", tf.offset)
}

func validBookmark(marks bookmarks, path string, inode uint64, size int64) bool {
	fb, ok := marks.Files[path]
	return ok && fb.Inode == inode && fb.Offset <= size
}

// readAll reads new data from every tracked file.
func (s *source) readAll(ctx context.Context, out chan<- shipper.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tf := range s.files {
		s.readFile(ctx, tf, out)
		if ctx.Err() != nil {
			return
		}
	}
}

// readFile emits complete lines appended since the last read.
// Caller must hold s.mu.
func (s *source) readFile(ctx context.Context, tf *trackedFile, out chan<- shipper.Message) {
	info, err := os.Stat(tf.path)
	if err != nil {
		s.logger.Warn("stat failed", "path", tf.path, "error", err)
		return
	}

	if inode, ok := fileInode(info); ok && tf.inode != 0 && inode != tf.inode {
		s.logger.Info("rotation detected", "path", tf.path)
		if !s.reopen(tf) {
			return
		}
		if info, err = os.Stat(tf.path); err != nil {
			return
		}
	}

	readFrom := tf.offset + int64(len(tf.carry))
	if info.Size() < readFrom {
		s.logger.Info("truncation detected", "path", tf.path)
		tf.offset = 0
		tf.carry = nil
		tf.skipping = false
		readFrom = 0
	}
	if info.Size() == readFrom {
		return
	}

	if _, err := tf.file.Seek(readFrom, io.SeekStart); err != nil {
		s.logger.Warn("seek failed", "path", tf.path, "error", err)
		return
	}

	now := time.Now()
	r := bufio.NewReaderSize(tf.file, 64*1024)
	for {
		chunk, err := r.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			// No newline within the buffer; stash and keep reading.
			s.stash(tf, chunk)

		case err == nil:
			s.completeLine(ctx, tf, chunk, now, out)
			if ctx.Err() != nil {
				return
			}

		case errors.Is(err, io.EOF):
			if len(chunk) > 0 {
				s.stash(tf, chunk)
			}
			return

		default:
			s.logger.Warn("read failed", "path", tf.path, "error", err)
			return
		}
	}
}

// stash appends consumed-but-unterminated bytes to the carry buffer,
// enforcing the line length cap.
func (s *source) stash(tf *trackedFile, chunk []byte) {
	if tf.skipping {
		tf.offset += int64(len(chunk))
		return
	}
	tf.carry = append(tf.carry, chunk...)
	if s.maxLineBytes > 0 && len(tf.carry) > s.maxLineBytes {
		s.logger.Warn("line exceeds max length, dropping",
			"path", tf.path, "max_bytes", s.maxLineBytes)
		tf.offset += int64(len(tf.carry))
		tf.carry = nil
		tf.skipping = true
	}
}

// completeLine commits one newline-terminated chunk and emits the
// assembled line. The offset advances whether or not the line ships, so
// bookmarks always sit on line boundaries.
func (s *source) completeLine(ctx context.Context, tf *trackedFile, chunk []byte, ts time.Time, out chan<- shipper.Message) {
	if tf.skipping {
		// Tail end of a line that already blew the size cap.
		tf.skipping = false
		tf.offset += int64(len(chunk))
		return
	}

	line := chunk[:len(chunk)-1]
	if len(tf.carry) > 0 {
		line = append(tf.carry, line...)
	}
	tf.offset += int64(len(tf.carry)) + int64(len(chunk))
	tf.carry = nil

	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return
	}
	if s.maxLineBytes > 0 && len(line) > s.maxLineBytes {
		s.logger.Warn("line exceeds max length, dropping",
			"path", tf.path, "bytes", len(line))
		return
	}

	raw := make([]byte, len(line))
	copy(raw, line)

	select {
	case <-ctx.Done():
	case out <- shipper.Message{
		Source:   s.name,
		Raw:      raw,
		Attrs:    map[string]string{"file": tf.path},
		IngestTS: ts,
	}:
	}
}

// reopen replaces the file handle after rotation. On failure the stale
// entry stays registered; the next poll retries.
func (s *source) reopen(tf *trackedFile) bool {
	_ = tf.file.Close()
	f, err := os.Open(filepath.Clean(tf.path))
	if err != nil {
		s.logger.Warn("reopen after rotation failed", "path", tf.path, "error", err)
		return false
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return false
	}
	tf.file = f
	tf.inode, _ = fileInode(info)
	tf.offset = 0
	tf.carry = nil
	tf.skipping = false
	return true
}

// handleEvent reacts to one filesystem notification.
func (s *source) handleEvent(ctx context.Context, ev fsnotify.Event, marks bookmarks, out chan<- shipper.Message) {
	switch {
	case ev.Has(fsnotify.Write):
		s.mu.Lock()
		if tf, ok := s.files[ev.Name]; ok {
			s.readFile(ctx, tf, out)
		}
		s.mu.Unlock()

	case ev.Has(fsnotify.Create):
		if !matchesPatterns(ev.Name, s.patterns) {
			return
		}
		s.track(ev.Name, marks, true)
		s.mu.Lock()
		if tf, ok := s.files[ev.Name]; ok {
			s.readFile(ctx, tf, out)
		}
		s.mu.Unlock()

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		s.mu.Lock()
		if tf, ok := s.files[ev.Name]; ok {
			_ = tf.file.Close()
			delete(s.files, ev.Name)
			s.logger.Debug("stopped tailing", "path", ev.Name)
		}
		s.mu.Unlock()
	}
}

// poll re-resolves globs, reads everything, and persists bookmarks.
func (s *source) poll(ctx context.Context, marks bookmarks, out chan<- shipper.Message) {
	paths, err := resolveGlobs(s.patterns)
	if err != nil {
		s.logger.Warn("glob discovery failed", "error", err)
	} else {
		for _, p := range paths {
			s.track(p, marks, false)
		}
	}

	s.readAll(ctx, out)
	s.checkpoint(marks)
}

// checkpoint records current offsets and persists them.
func (s *source) checkpoint(marks bookmarks) {
	s.mu.Lock()
	for path, tf := range s.files {
		marks.Files[path] = fileBookmark{Inode: tf.inode, Offset: tf.offset}
	}
	s.mu.Unlock()

	if err := saveBookmarks(s.statePath, marks); err != nil {
		s.logger.Warn("cannot save bookmarks", "error", err)
	}
}

func (s *source) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tf := range s.files {
		_ = tf.file.Close()
	}
}

// fileInode extracts the inode number from file info.
func fileInode(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return stat.Ino, true
}
