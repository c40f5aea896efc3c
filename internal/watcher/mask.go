package watcher

import (
	"sort"
	"strings"
)

// Linux inotify event flag constants (kernel ABI, never change).
// These match the values in <sys/inotify.h>. They are declared here rather
// than taken from x/sys/unix so that configuration validation and mask
// resolution also build on platforms without inotify.
const (
	InAccess       uint32 = 0x1        // IN_ACCESS: file was accessed
	InModify       uint32 = 0x2        // IN_MODIFY: file was modified
	InAttrib       uint32 = 0x4        // IN_ATTRIB: metadata changed
	InCloseWrite   uint32 = 0x8        // IN_CLOSE_WRITE: writable file closed
	InCloseNowrite uint32 = 0x10       // IN_CLOSE_NOWRITE: unwritable file closed
	InOpen         uint32 = 0x20       // IN_OPEN: file was opened
	InMovedFrom    uint32 = 0x40       // IN_MOVED_FROM: file moved out of watched dir
	InMovedTo      uint32 = 0x80       // IN_MOVED_TO: file moved into watched dir
	InCreate       uint32 = 0x100      // IN_CREATE: file/dir created in watched dir
	InDelete       uint32 = 0x200      // IN_DELETE: file/dir deleted from watched dir
	InDeleteSelf   uint32 = 0x400      // IN_DELETE_SELF: watched file/dir deleted
	InMoveSelf     uint32 = 0x800      // IN_MOVE_SELF: watched file/dir moved
	InUnmount      uint32 = 0x2000     // IN_UNMOUNT: backing filesystem unmounted
	InQOverflow    uint32 = 0x4000     // IN_Q_OVERFLOW: event queue overflowed
	InIgnored      uint32 = 0x8000     // IN_IGNORED: watch was removed
	InOnlyDir      uint32 = 0x1000000  // IN_ONLYDIR: only watch path if it is a directory
	InDontFollow   uint32 = 0x2000000  // IN_DONT_FOLLOW: do not follow a symlink
	InExclUnlink   uint32 = 0x4000000  // IN_EXCL_UNLINK: omit events for unlinked children
	InMaskAdd      uint32 = 0x20000000 // IN_MASK_ADD: add to the mask of an existing watch
	InIsDir        uint32 = 0x40000000 // IN_ISDIR: subject of event is a directory
	InOneshot      uint32 = 0x80000000 // IN_ONESHOT: only send event once

	InClose     = InCloseWrite | InCloseNowrite
	InMove      = InMovedFrom | InMovedTo
	InAllEvents = InAccess | InModify | InAttrib | InClose | InOpen | InMove |
		InCreate | InDelete | InDeleteSelf | InMoveSelf
)

// DefaultMask is applied to a watch whose configuration names no mask.
const DefaultMask = InCreate | InDelete | InModify

// masks maps every lower-case flag name (the IN_ prefix stripped) to its bit
// value. It is the lookup table used to resolve configured names.
var masks = map[string]uint32{
	"access":        InAccess,
	"modify":        InModify,
	"attrib":        InAttrib,
	"close_write":   InCloseWrite,
	"close_nowrite": InCloseNowrite,
	"close":         InClose,
	"open":          InOpen,
	"moved_from":    InMovedFrom,
	"moved_to":      InMovedTo,
	"move":          InMove,
	"create":        InCreate,
	"delete":        InDelete,
	"delete_self":   InDeleteSelf,
	"move_self":     InMoveSelf,
	"unmount":       InUnmount,
	"q_overflow":    InQOverflow,
	"ignored":       InIgnored,
	"onlydir":       InOnlyDir,
	"dont_follow":   InDontFollow,
	"excl_unlink":   InExclUnlink,
	"mask_add":      InMaskAdd,
	"isdir":         InIsDir,
	"oneshot":       InOneshot,
	"all_events":    InAllEvents,
}

// validMaskNames is the vocabulary accepted in a configuration's mask list.
// It is narrower than masks: combined and kernel-output-only flags are
// rejected by validation even though they resolve.
var validMaskNames = []string{
	"access",
	"attrib",
	"close_nowrite",
	"close_write",
	"create",
	"delete",
	"delete_self",
	"excl_unlink",
	"ignored",
	"modify",
	"moved_from",
	"moved_to",
	"move_self",
	"oneshot",
	"onlydir",
	"open",
	"unmount",
}

// eventNames lists the single-bit flags in the order they appear in a
// rendered mask name. The watch-option flags never appear in kernel events
// but are rendered for configured masks. IN_ISDIR is always rendered last.
var eventNames = []struct {
	bit  uint32
	name string
}{
	{InAccess, "IN_ACCESS"},
	{InModify, "IN_MODIFY"},
	{InAttrib, "IN_ATTRIB"},
	{InCloseWrite, "IN_CLOSE_WRITE"},
	{InCloseNowrite, "IN_CLOSE_NOWRITE"},
	{InOpen, "IN_OPEN"},
	{InMovedFrom, "IN_MOVED_FROM"},
	{InMovedTo, "IN_MOVED_TO"},
	{InCreate, "IN_CREATE"},
	{InDelete, "IN_DELETE"},
	{InDeleteSelf, "IN_DELETE_SELF"},
	{InMoveSelf, "IN_MOVE_SELF"},
	{InUnmount, "IN_UNMOUNT"},
	{InQOverflow, "IN_Q_OVERFLOW"},
	{InIgnored, "IN_IGNORED"},
	{InOnlyDir, "IN_ONLYDIR"},
	{InDontFollow, "IN_DONT_FOLLOW"},
	{InExclUnlink, "IN_EXCL_UNLINK"},
	{InMaskAdd, "IN_MASK_ADD"},
	{InOneshot, "IN_ONESHOT"},
	{InIsDir, "IN_ISDIR"},
}

// LookupMask returns the bit value for a flag name, or 0 when the name is
// unknown.
func LookupMask(name string) uint32 {
	return masks[name]
}

// ResolveMask OR-combines the named flags. Unknown names contribute nothing.
func ResolveMask(names []string) uint32 {
	var m uint32
	for _, n := range names {
		m |= LookupMask(n)
	}
	return m
}

// ValidMaskName reports whether name may appear in a configured mask list.
func ValidMaskName(name string) bool {
	for _, n := range validMaskNames {
		if n == name {
			return true
		}
	}
	return false
}

// ValidMaskNames returns a copy of the configurable mask vocabulary.
func ValidMaskNames() []string {
	out := make([]string, len(validMaskNames))
	copy(out, validMaskNames)
	return out
}

// MaskNames returns every resolvable flag name in sorted order.
func MaskNames() []string {
	out := make([]string, 0, len(masks))
	for n := range masks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MaskName renders an event mask the way it is reported to consumers, e.g.
// "IN_CREATE|IN_ISDIR".
func MaskName(mask uint32) string {
	var parts []string
	for _, e := range eventNames {
		if mask&e.bit != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}
