package beacon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tripwire/changewatch/internal/watcher"
)

// StalePolicy decides what happens to live watches whose owning path is no
// longer configured.
type StalePolicy int

const (
	// RetainStale leaves stale watches registered for the rest of the
	// session. Reconciliation is then additive and update-only.
	RetainStale StalePolicy = iota
	// RemoveStale unregisters stale watches.
	RemoveStale
)

// String returns the configuration spelling of the policy.
func (p StalePolicy) String() string {
	switch p {
	case RetainStale:
		return "retain"
	case RemoveStale:
		return "remove"
	default:
		return "unknown"
	}
}

// Mutation describes one watch operation issued by the Reconciler.
type Mutation struct {
	Op      string `json:"op"` // "add", "update" or "remove"
	Path    string `json:"path"`
	WD      int    `json:"wd,omitempty"`
	Mask    uint32 `json:"mask,omitempty"`
	Recurse bool   `json:"recurse,omitempty"`
	AutoAdd bool   `json:"auto_add,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MutationRecorder receives every watch operation, failed ones included.
type MutationRecorder interface {
	RecordMutation(m Mutation)
}

// ReconcileResult counts the operations of one Reconcile call.
type ReconcileResult struct {
	Added   int
	Updated int
	Removed int
	Failed  int
}

// Reconciler issues the add, update and remove operations that bring an
// event source in line with a desired configuration.
type Reconciler struct {
	src        watcher.EventSource
	logger     *slog.Logger
	policy     StalePolicy
	recorder   MutationRecorder
	pathExists func(string) bool
}

// NewReconciler returns a Reconciler for src. recorder may be nil.
func NewReconciler(src watcher.EventSource, logger *slog.Logger, policy StalePolicy, recorder MutationRecorder) *Reconciler {
	return &Reconciler{
		src:        src,
		logger:     logger,
		policy:     policy,
		recorder:   recorder,
		pathExists: statExists,
	}
}

func statExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Reconcile compares every configured path with the live watch table:
// registered paths whose mask or auto_add differ are updated, unregistered
// paths that exist on disk are added. Failures are logged and counted; the
// path is retried on the next call. Stale watches are handed to the policy.
func (r *Reconciler) Reconcile(d *Desired) ReconcileResult {
	var res ReconcileResult
	table := NewWatchTable(r.src.Watches())

	b := d.Beacon()
	for _, key := range b.Paths() {
		spec, _ := b.Lookup(key)
		mask := spec.Mask()
		path := filepath.Clean(key)

		if table.Has(path) {
			for _, w := range table.Lookup(path) {
				if w.Mask == mask && w.AutoAdd == spec.AutoAdd {
					continue
				}
				err := r.src.UpdateWatch(w.WD, mask, watcher.WatchOptions{
					Recurse: spec.Recurse,
					AutoAdd: spec.AutoAdd,
				})
				r.record(Mutation{Op: "update", Path: path, WD: w.WD, Mask: mask, Recurse: spec.Recurse, AutoAdd: spec.AutoAdd}, err)
				if err != nil {
					res.Failed++
					continue
				}
				res.Updated++
			}
			continue
		}

		if !r.pathExists(path) {
			r.logger.Debug("beacon: configured path does not exist; not watching",
				slog.String("path", path))
			continue
		}

		if d.Filter(key).Excluded(path) {
			r.logger.Debug("beacon: configured path excluded by its own rules; not watching",
				slog.String("path", path))
			continue
		}

		added, err := r.src.AddWatch(path, mask, watcher.WatchOptions{
			Recurse: spec.Recurse,
			AutoAdd: spec.AutoAdd,
			Exclude: d.Filter(key),
		})
		if err == nil && len(added) == 0 {
			r.logger.Debug("beacon: event source added no watches", slog.String("path", path))
			continue
		}
		r.record(Mutation{Op: "add", Path: path, WD: added[path], Mask: mask, Recurse: spec.Recurse, AutoAdd: spec.AutoAdd}, err)
		if err != nil {
			res.Failed++
			continue
		}
		res.Added += len(added)
	}

	r.handleStale(table, d, &res)
	return res
}

// handleStale is the single decision point for watches whose path is no
// longer owned by any configured key.
func (r *Reconciler) handleStale(table *WatchTable, d *Desired, res *ReconcileResult) {
	for _, w := range table.All() {
		if _, owned := d.Owner(w.Path); owned {
			continue
		}
		switch r.policy {
		case RemoveStale:
			err := r.src.RemoveWatch(w.WD)
			r.record(Mutation{Op: "remove", Path: w.Path, WD: w.WD}, err)
			if err != nil {
				res.Failed++
				continue
			}
			res.Removed++
		default:
			r.logger.Debug("beacon: retaining watch for unconfigured path",
				slog.String("path", w.Path),
				slog.Int("wd", w.WD))
		}
	}
}

func (r *Reconciler) record(m Mutation, err error) {
	if err != nil {
		m.Error = err.Error()
		level := slog.LevelWarn
		if errors.Is(err, os.ErrNotExist) {
			// The path vanished between the existence check and the add.
			level = slog.LevelInfo
		}
		r.logger.Log(context.Background(), level, "beacon: watch "+m.Op+" failed; will retry next cycle",
			slog.String("path", m.Path),
			slog.Any("error", err))
	} else {
		r.logger.Info("beacon: watch "+m.Op,
			slog.String("path", m.Path),
			slog.Int("wd", m.WD),
			slog.String("mask", watcher.MaskName(m.Mask)))
	}
	if r.recorder != nil {
		r.recorder.RecordMutation(m)
	}
}
