package beacon

import (
	"path/filepath"
	"sort"

	"github.com/tripwire/changewatch/internal/watcher"
)

// WatchTable indexes a snapshot of an event source's registered watches by
// path. A path can be held by more than one descriptor when the same
// directory was reached through different configured roots.
type WatchTable struct {
	byWD   map[int]watcher.Watch
	byPath map[string][]int
}

// NewWatchTable builds a table from a Watches snapshot.
func NewWatchTable(watches map[int]watcher.Watch) *WatchTable {
	t := &WatchTable{
		byWD:   make(map[int]watcher.Watch, len(watches)),
		byPath: make(map[string][]int, len(watches)),
	}
	for wd, w := range watches {
		t.byWD[wd] = w
		p := filepath.Clean(w.Path)
		t.byPath[p] = append(t.byPath[p], wd)
	}
	for _, wds := range t.byPath {
		sort.Ints(wds)
	}
	return t
}

// Len returns the number of descriptors.
func (t *WatchTable) Len() int { return len(t.byWD) }

// Has reports whether any descriptor watches path.
func (t *WatchTable) Has(path string) bool {
	return len(t.byPath[filepath.Clean(path)]) > 0
}

// Lookup returns the descriptors watching path, ordered by descriptor.
func (t *WatchTable) Lookup(path string) []watcher.Watch {
	wds := t.byPath[filepath.Clean(path)]
	out := make([]watcher.Watch, 0, len(wds))
	for _, wd := range wds {
		out = append(out, t.byWD[wd])
	}
	return out
}

// All returns every descriptor ordered by path, then descriptor.
func (t *WatchTable) All() []watcher.Watch {
	out := make([]watcher.Watch, 0, len(t.byWD))
	for _, w := range t.byWD {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].WD < out[j].WD
	})
	return out
}
