//go:build linux

package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// alwaysDelivered are flags the kernel reports regardless of the watch mask.
const alwaysDelivered = InIgnored | InUnmount

// readBufSize is large enough for many events. Each event is
// SizeofInotifyEvent (16 bytes) + up to NAME_MAX+1 (256) bytes for the name.
const readBufSize = 4096 * (unix.SizeofInotifyEvent + 256)

// rawRecord is one inotify_event as read from the descriptor.
type rawRecord struct {
	wd     int
	mask   uint32
	cookie uint32
	name   string
}

// InotifySource is the Linux EventSource. It owns a non-blocking inotify
// descriptor and the table of registered watches.
//
// Methods other than Watches must be called from a single goroutine.
type InotifySource struct {
	logger *slog.Logger
	fd     int
	buf    []byte

	mu      sync.Mutex
	watches map[int]*Watch // watch descriptor -> watch

	coalesce bool
	stopOnce sync.Once
	stopped  bool
}

var _ EventSource = (*InotifySource)(nil)

// NewInotifySource initialises an inotify instance. It returns an error
// wrapping ErrSourceUnavailable when the kernel has no inotify support.
func NewInotifySource(logger *slog.Logger) (*InotifySource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) {
			return nil, fmt.Errorf("%w: inotify_init1: %v", ErrSourceUnavailable, err)
		}
		return nil, fmt.Errorf("watcher: inotify_init1: %w", err)
	}
	return &InotifySource{
		logger:  logger,
		fd:      fd,
		buf:     make([]byte, readBufSize),
		watches: make(map[int]*Watch),
	}, nil
}

// EnableCoalescing turns on per-batch duplicate suppression.
func (s *InotifySource) EnableCoalescing() {
	s.coalesce = true
}

// kernelMask is the mask registered with the kernel. Auto-add needs
// IN_CREATE to notice new directories even when the caller did not ask for
// create events; such events are registered but not delivered.
func kernelMask(mask uint32, autoAdd bool) uint32 {
	if autoAdd {
		mask |= InCreate
	}
	return mask
}

// AddWatch registers path and, when opts.Recurse is set, every subdirectory
// not excluded by opts.Exclude. An excluded root adds nothing.
func (s *InotifySource) AddWatch(path string, mask uint32, opts WatchOptions) (map[string]int, error) {
	path = filepath.Clean(path)
	added := make(map[string]int)

	if opts.Exclude.Excluded(path) {
		s.logger.Debug("inotify source: path excluded; not watching", slog.String("path", path))
		return added, nil
	}

	wd, err := s.addOne(path, mask, opts)
	if err != nil {
		return added, err
	}
	added[path] = wd

	if !opts.Recurse {
		return added, nil
	}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("inotify source: cannot access path during walk",
				slog.String("path", p),
				slog.Any("error", err))
			return nil
		}
		if p == path || !d.IsDir() {
			return nil
		}
		if opts.Exclude.Excluded(p) {
			return filepath.SkipDir
		}
		cwd, err := s.addOne(p, mask, opts)
		if err != nil {
			s.logger.Warn("inotify source: failed to watch subdirectory",
				slog.String("path", p),
				slog.Any("error", err))
			return nil
		}
		added[p] = cwd
		return nil
	})
	if err != nil {
		return added, &WatchError{Op: "add", Path: path, Err: err}
	}
	return added, nil
}

// addOne registers a single path and records it in the table.
func (s *InotifySource) addOne(path string, mask uint32, opts WatchOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return -1, &WatchError{Op: "add", Path: path, Err: os.ErrClosed}
	}

	wd, err := unix.InotifyAddWatch(s.fd, path, kernelMask(mask, opts.AutoAdd))
	if err != nil {
		return -1, &WatchError{Op: "add", Path: path, Err: err}
	}

	// The kernel hands back the existing descriptor when the inode is
	// already watched, possibly under another name; the latest path wins.
	s.watches[wd] = &Watch{
		WD:      wd,
		Path:    path,
		Mask:    mask,
		AutoAdd: opts.AutoAdd,
		Recurse: opts.Recurse,
		Exclude: opts.Exclude,
	}
	s.logger.Debug("inotify source: watching path",
		slog.String("path", path),
		slog.Int("wd", wd),
		slog.String("mask", fmt.Sprintf("%#x", mask)))
	return wd, nil
}

// UpdateWatch replaces the mask and options of wd. With opts.Recurse the
// watches below wd's path are updated as well. A nil opts.Exclude keeps the
// filter the watch was added with.
func (s *InotifySource) UpdateWatch(wd int, mask uint32, opts WatchOptions) error {
	s.mu.Lock()
	w, ok := s.watches[wd]
	if !ok {
		s.mu.Unlock()
		return &WatchError{Op: "update", Path: fmt.Sprintf("wd=%d", wd), Err: ErrUnknownWatch}
	}
	targets := []Watch{*w}
	if opts.Recurse {
		prefix := strings.TrimSuffix(w.Path, "/") + "/"
		for _, child := range s.watches {
			if strings.HasPrefix(child.Path, prefix) {
				targets = append(targets, *child)
			}
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, t := range targets {
		if err := s.updateOne(t.WD, t.Path, mask, opts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *InotifySource) updateOne(wd int, path string, mask uint32, opts WatchOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := unix.InotifyAddWatch(s.fd, path, kernelMask(mask, opts.AutoAdd)); err != nil {
		return &WatchError{Op: "update", Path: path, Err: err}
	}
	w, ok := s.watches[wd]
	if !ok {
		return nil
	}
	w.Mask = mask
	w.AutoAdd = opts.AutoAdd
	w.Recurse = opts.Recurse
	if opts.Exclude != nil {
		w.Exclude = opts.Exclude
	}
	s.logger.Debug("inotify source: updated watch",
		slog.String("path", path),
		slog.Int("wd", wd),
		slog.String("mask", fmt.Sprintf("%#x", mask)))
	return nil
}

// RemoveWatch unregisters wd. The kernel follows up with an IN_IGNORED event
// for the descriptor, which Drain discards since the watch is already gone.
func (s *InotifySource) RemoveWatch(wd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[wd]
	if !ok {
		return &WatchError{Op: "remove", Path: fmt.Sprintf("wd=%d", wd), Err: ErrUnknownWatch}
	}
	delete(s.watches, wd)

	//nolint:gosec // G115: wd is always a small non-negative int from inotify
	if _, err := unix.InotifyRmWatch(s.fd, uint32(wd)); err != nil {
		return &WatchError{Op: "remove", Path: w.Path, Err: err}
	}
	return nil
}

// Watches returns a copy of the watch table.
func (s *InotifySource) Watches() map[int]Watch {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]Watch, len(s.watches))
	for wd, w := range s.watches {
		out[wd] = *w
	}
	return out
}

// HasPending polls the descriptor for at most timeout. It never blocks
// indefinitely: a non-positive timeout checks without waiting.
func (s *InotifySource) HasPending(timeout time.Duration) (bool, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	if timeout <= 0 {
		ms = 0
	}
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if err == unix.EINTR {
				continue // signal interrupted the syscall; retry
			}
			return false, fmt.Errorf("watcher: poll: %w", err)
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// Drain reads everything currently queued on the descriptor as one batch
// and hands the resulting events to fn in arrival order.
func (s *InotifySource) Drain(fn func(RawEvent)) error {
	batch, err := s.readBatch()
	if err != nil {
		return err
	}
	if s.coalesce {
		batch = coalesce(batch)
	}
	for _, rec := range batch {
		s.process(rec, fn)
	}
	return nil
}

// readBatch reads until the non-blocking descriptor reports EAGAIN.
func (s *InotifySource) readBatch() ([]rawRecord, error) {
	var batch []rawRecord
	for {
		n, err := unix.Read(s.fd, s.buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return batch, nil
			}
			return batch, fmt.Errorf("watcher: read inotify events: %w", err)
		}
		if n < unix.SizeofInotifyEvent {
			return batch, nil
		}
		batch = parseRecords(s.buf[:n], batch)
	}
}

// parseRecords appends every inotify_event in buf to dst.
//
//	struct inotify_event {
//	    int32_t  wd;      // watch descriptor
//	    uint32_t mask;    // event mask
//	    uint32_t cookie;  // rename correlation cookie
//	    uint32_t len;     // length of name field (incl. null padding)
//	    char     name[];  // NUL-terminated, padded to 4-byte boundary
//	}
func parseRecords(buf []byte, dst []rawRecord) []rawRecord {
	for offset := 0; offset+unix.SizeofInotifyEvent <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += unix.SizeofInotifyEvent

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break // truncated event; stop parsing
			}
			name = strings.TrimRight(string(buf[offset:offset+int(ev.Len)]), "\x00")
			offset += int(ev.Len)
		}
		dst = append(dst, rawRecord{
			wd:     int(ev.Wd),
			mask:   ev.Mask,
			cookie: ev.Cookie,
			name:   name,
		})
	}
	return dst
}

// coalesce keeps the first occurrence of each (wd, mask, cookie, name).
func coalesce(batch []rawRecord) []rawRecord {
	seen := make(map[rawRecord]struct{}, len(batch))
	out := batch[:0]
	for _, rec := range batch {
		if _, dup := seen[rec]; dup {
			continue
		}
		seen[rec] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// process turns one record into a RawEvent, keeps the watch table in step
// with the kernel, and expands auto-added directories.
func (s *InotifySource) process(rec rawRecord, fn func(RawEvent)) {
	// IN_Q_OVERFLOW is delivered with wd == -1 when the kernel dropped events.
	if rec.mask&InQOverflow != 0 {
		s.logger.Warn("inotify source: kernel event queue overflowed; some events were lost")
		return
	}

	s.mu.Lock()
	w, ok := s.watches[rec.wd]
	var watch Watch
	if ok {
		watch = *w
		if rec.mask&InIgnored != 0 {
			delete(s.watches, rec.wd)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	full := watch.Path
	if rec.name != "" {
		full = filepath.Join(watch.Path, rec.name)
	}

	if rec.mask&(watch.Mask|alwaysDelivered) != 0 {
		fn(RawEvent{
			WD:       rec.wd,
			Path:     watch.Path,
			FullPath: full,
			Mask:     rec.mask,
			MaskName: MaskName(rec.mask),
			Cookie:   rec.cookie,
			Name:     rec.name,
			Dir:      rec.mask&InIsDir != 0,
		})
	}

	if watch.AutoAdd && rec.mask&InCreate != 0 && rec.mask&InIsDir != 0 {
		s.autoAdd(watch, full, fn)
	}
}

// autoAdd watches a directory created under an auto-add watch and reports
// the entries that appeared before the watch existed as IN_CREATE events.
func (s *InotifySource) autoAdd(parent Watch, dir string, fn func(RawEvent)) {
	if parent.Exclude.Excluded(dir) {
		return
	}
	wd, err := s.addOne(dir, parent.Mask, WatchOptions{
		AutoAdd: true,
		Exclude: parent.Exclude,
	})
	if err != nil {
		// The directory may already be gone again.
		s.logger.Debug("inotify source: auto-add failed",
			slog.String("path", dir),
			slog.Any("error", err))
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		mask := InCreate
		if e.IsDir() {
			mask |= InIsDir
		}
		s.process(rawRecord{wd: wd, mask: mask, name: e.Name()}, fn)
	}
}

// Stop closes the inotify descriptor and clears the watch table. It is safe
// to call Stop multiple times.
func (s *InotifySource) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopped = true
		s.watches = make(map[int]*Watch)
		if cerr := unix.Close(s.fd); cerr != nil {
			err = fmt.Errorf("watcher: close inotify descriptor: %w", cerr)
		}
	})
	return err
}
