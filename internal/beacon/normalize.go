package beacon

import (
	"log/slog"
	"path/filepath"

	"github.com/tripwire/changewatch/internal/config"
	"github.com/tripwire/changewatch/internal/watcher"
)

// Desired is a compiled beacon configuration: the configuration itself, the
// cleaned root index used by the owner walk, and the exclude filters built
// once per configured path.
type Desired struct {
	beacon  *config.Beacon
	roots   map[string]string                 // cleaned path -> configured key
	filters map[string]*watcher.ExcludeFilter // configured key -> filter
}

// NewDesired compiles b. A nil b describes an empty configuration.
func NewDesired(b *config.Beacon, logger *slog.Logger) *Desired {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Desired{
		beacon: b,
		roots:  make(map[string]string),
	}
	if b == nil {
		return d
	}
	for key := range b.Files {
		d.roots[filepath.Clean(key)] = key
	}
	d.filters = b.Filters(logger)
	return d
}

// Beacon returns the configuration d was compiled from.
func (d *Desired) Beacon() *config.Beacon { return d.beacon }

// Filter returns the exclude filter of a configured key; nil excludes
// nothing.
func (d *Desired) Filter(key string) *watcher.ExcludeFilter { return d.filters[key] }

// Owner walks from path up through its parents and returns the first
// configured key found. The filesystem root is never an owner.
func (d *Desired) Owner(path string) (string, bool) {
	p := filepath.Clean(path)
	for {
		if p == string(filepath.Separator) || p == "." {
			return "", false
		}
		if key, ok := d.roots[p]; ok {
			return key, true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", false
		}
		p = parent
	}
}

// Normalizer maps raw notifications to Events owned by configured roots.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer returns a Normalizer that logs dropped events to logger.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize resolves the configured root owning ev and applies that root's
// exclude rules. It returns false for events with no owner and for excluded
// events; both are logged, neither is an error.
func (n *Normalizer) Normalize(ev watcher.RawEvent, d *Desired) (Event, bool) {
	tag, ok := d.Owner(ev.FullPath)
	if !ok {
		n.logger.Debug("beacon: dropping event with no configured owner",
			slog.String("path", ev.FullPath),
			slog.String("change", ev.MaskName))
		return Event{}, false
	}

	if d.Filter(tag).Excluded(ev.FullPath) {
		n.logger.Info("beacon: excluding event",
			slog.String("path", ev.FullPath),
			slog.String("tag", tag))
		return Event{}, false
	}

	return Event{
		Tag:    tag,
		Path:   ev.FullPath,
		Change: ev.MaskName,
	}, true
}
