// This file provides a stub InotifySource for non-Linux platforms. On Linux,
// the real implementation in inotify_linux.go is compiled instead.
//
//go:build !linux

package watcher

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// InotifySource is the platform stub for non-Linux operating systems.
// NewInotifySource always fails with ErrSourceUnavailable.
type InotifySource struct{}

var _ EventSource = (*InotifySource)(nil)

// NewInotifySource always returns an error wrapping ErrSourceUnavailable on
// non-Linux platforms.
func NewInotifySource(_ *slog.Logger) (*InotifySource, error) {
	return nil, fmt.Errorf("%w: inotify is not supported on %s", ErrSourceUnavailable, runtime.GOOS)
}

// AddWatch returns ErrSourceUnavailable.
func (s *InotifySource) AddWatch(path string, _ uint32, _ WatchOptions) (map[string]int, error) {
	return nil, &WatchError{Op: "add", Path: path, Err: ErrSourceUnavailable}
}

// UpdateWatch returns ErrSourceUnavailable.
func (s *InotifySource) UpdateWatch(wd int, _ uint32, _ WatchOptions) error {
	return &WatchError{Op: "update", Path: fmt.Sprintf("wd=%d", wd), Err: ErrSourceUnavailable}
}

// RemoveWatch returns ErrSourceUnavailable.
func (s *InotifySource) RemoveWatch(wd int) error {
	return &WatchError{Op: "remove", Path: fmt.Sprintf("wd=%d", wd), Err: ErrSourceUnavailable}
}

// Watches returns nil.
func (s *InotifySource) Watches() map[int]Watch { return nil }

// HasPending returns ErrSourceUnavailable.
func (s *InotifySource) HasPending(_ time.Duration) (bool, error) {
	return false, ErrSourceUnavailable
}

// Drain returns ErrSourceUnavailable.
func (s *InotifySource) Drain(_ func(RawEvent)) error { return ErrSourceUnavailable }

// EnableCoalescing is a no-op.
func (s *InotifySource) EnableCoalescing() {}

// Stop is a no-op.
func (s *InotifySource) Stop() error { return nil }
