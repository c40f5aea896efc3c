// Package beacon implements the watch reconciliation and event normalization
// engine. A Session keeps an event source's watch table in step with a
// desired configuration and turns drained notifications into Events, one
// batch per Cycle.
package beacon

// Event is a normalized change notification. Tag is the configured root
// path that owns the change, Path the full path of the affected entry, and
// Change the rendered inotify mask (e.g. "IN_CREATE|IN_ISDIR").
type Event struct {
	Tag    string `json:"tag"`
	Path   string `json:"path"`
	Change string `json:"change"`
}
