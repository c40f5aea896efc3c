package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tripwire/changewatch/internal/watcher"
)

// Sentinel errors wrapped by beacon validation failures so callers can
// classify them with errors.Is.
var (
	ErrNotList         = errors.New("configuration for inotify beacon must be a list")
	ErrMissingFiles    = errors.New("configuration for inotify beacon must include files")
	ErrFilesNotMapping = errors.New("files must be a mapping")
	ErrPathNotMapping  = errors.New("per-path configuration must be a mapping")
	ErrNoWatchOptions  = errors.New("per-path configuration must contain mask, recurse or auto_add")
	ErrNotBoolean      = errors.New("must be boolean")
	ErrMaskNotList     = errors.New("mask must be a list")
	ErrInvalidMask     = errors.New("invalid mask option")
	ErrInvalidExclude  = errors.New("invalid exclude rule")
)

// ValidationError is returned when a beacon configuration violates the
// schema. It wraps every violation found.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "config: invalid beacon configuration: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// WatchSpec is the desired state of one watched path.
type WatchSpec struct {
	Path string
	// MaskNames are the configured flag names. Nil means the key was absent.
	MaskNames []string
	// RawMask, when set, is used verbatim instead of MaskNames.
	RawMask *uint32
	Recurse bool
	AutoAdd bool
	Exclude []watcher.ExcludeRule
}

// Mask resolves the watch mask: a raw integer wins, then the named flags
// (unknown names contribute nothing), then the default create|delete|modify.
func (w WatchSpec) Mask() uint32 {
	if w.RawMask != nil {
		return *w.RawMask
	}
	if w.MaskNames == nil {
		return watcher.DefaultMask
	}
	return watcher.ResolveMask(w.MaskNames)
}

// Beacon is the validated, typed beacon configuration.
type Beacon struct {
	// Files maps every configured path to its spec.
	Files map[string]WatchSpec
	// Coalesce enables duplicate suppression on the event source. It is a
	// session-wide setting.
	Coalesce bool
}

// Paths returns the configured paths in sorted order.
func (b *Beacon) Paths() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.Files))
	for p := range b.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the spec configured for path.
func (b *Beacon) Lookup(path string) (WatchSpec, bool) {
	if b == nil {
		return WatchSpec{}, false
	}
	spec, ok := b.Files[path]
	return spec, ok
}

// Filters compiles the exclude rules of every path once.
func (b *Beacon) Filters(logger *slog.Logger) map[string]*watcher.ExcludeFilter {
	out := make(map[string]*watcher.ExcludeFilter, len(b.Files))
	for p, spec := range b.Files {
		if len(spec.Exclude) > 0 {
			out[p] = watcher.NewExcludeFilter(spec.Exclude, logger)
		}
	}
	return out
}

// ListToMap merges a list of single-key mappings into one mapping. Later
// entries override earlier ones.
func ListToMap(list []any) (map[string]any, error) {
	out := make(map[string]any)
	for i, item := range list {
		m, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("beacon[%d]: entry must be a mapping", i)
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out, nil
}

// ValidateBeacon checks an untyped beacon configuration (as decoded from
// YAML or JSON) against the schema without building it.
func ValidateBeacon(raw any) error {
	_, err := ParseBeacon(raw)
	return err
}

// ParseBeacon validates raw and converts it to a Beacon. Nothing is built
// unless the whole configuration is valid.
func ParseBeacon(raw any) (*Beacon, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, &ValidationError{Err: ErrNotList}
	}
	merged, err := ListToMap(list)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}

	filesRaw, ok := merged["files"]
	if !ok {
		return nil, &ValidationError{Err: ErrMissingFiles}
	}
	files, ok := asMap(filesRaw)
	if !ok {
		return nil, &ValidationError{Err: ErrFilesNotMapping}
	}

	b := &Beacon{Files: make(map[string]WatchSpec, len(files))}
	var errs []error

	if c, ok := merged["coalesce"]; ok {
		cb, isBool := c.(bool)
		if !isBool {
			errs = append(errs, fmt.Errorf("coalesce %w", ErrNotBoolean))
		}
		b.Coalesce = cb
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		spec, perrs := parseWatchSpec(path, files[path])
		if len(perrs) > 0 {
			errs = append(errs, perrs...)
			continue
		}
		b.Files[path] = spec
	}

	if err := errors.Join(errs...); err != nil {
		return nil, &ValidationError{Err: err}
	}
	return b, nil
}

// parseWatchSpec validates and converts the options of one path.
func parseWatchSpec(path string, raw any) (WatchSpec, []error) {
	prefix := fmt.Sprintf("files[%q]", path)
	opts, ok := asMap(raw)
	if !ok {
		return WatchSpec{}, []error{fmt.Errorf("%s: %w", prefix, ErrPathNotMapping)}
	}

	_, hasMask := opts["mask"]
	_, hasRecurse := opts["recurse"]
	_, hasAutoAdd := opts["auto_add"]
	if !hasMask && !hasRecurse && !hasAutoAdd {
		return WatchSpec{}, []error{fmt.Errorf("%s: %w", prefix, ErrNoWatchOptions)}
	}

	spec := WatchSpec{Path: path}
	var errs []error

	if v, ok := opts["auto_add"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			errs = append(errs, fmt.Errorf("%s: auto_add %w", prefix, ErrNotBoolean))
		}
		spec.AutoAdd = b
	}
	if v, ok := opts["recurse"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			errs = append(errs, fmt.Errorf("%s: recurse %w", prefix, ErrNotBoolean))
		}
		spec.Recurse = b
	}
	if v, ok := opts["mask"]; ok {
		names, merr := parseMask(prefix, v)
		errs = append(errs, merr...)
		spec.MaskNames = names
	}
	if v, ok := opts["exclude"]; ok {
		rules, eerr := parseExclude(prefix, v)
		errs = append(errs, eerr...)
		spec.Exclude = rules
	}
	return spec, errs
}

func parseMask(prefix string, v any) ([]string, []error) {
	list, ok := v.([]any)
	if !ok {
		if names, ok := v.([]string); ok {
			list = make([]any, len(names))
			for i, n := range names {
				list[i] = n
			}
		} else {
			return nil, []error{fmt.Errorf("%s: %w", prefix, ErrMaskNotList)}
		}
	}
	names := make([]string, 0, len(list))
	var errs []error
	for _, item := range list {
		name, isString := item.(string)
		if !isString || !watcher.ValidMaskName(name) {
			errs = append(errs, fmt.Errorf("%s: %w %v", prefix, ErrInvalidMask, item))
			continue
		}
		names = append(names, name)
	}
	return names, errs
}

// parseExclude converts the exclude list into typed rules. A rule is either
// a string (glob when it holds '*', prefix otherwise) or a one-key mapping
// whose value carries a boolean regex flag. A mapping without regex: true
// excludes nothing and is dropped.
func parseExclude(prefix string, v any) ([]watcher.ExcludeRule, []error) {
	list, ok := v.([]any)
	if !ok {
		return nil, []error{fmt.Errorf("%s: exclude must be a list: %w", prefix, ErrInvalidExclude)}
	}
	rules := make([]watcher.ExcludeRule, 0, len(list))
	var errs []error
	for i, item := range list {
		switch r := item.(type) {
		case string:
			rules = append(rules, watcher.NewStringRule(r))
		default:
			m, ok := asMap(item)
			if !ok || len(m) != 1 {
				errs = append(errs, fmt.Errorf("%s: exclude[%d]: %w", prefix, i, ErrInvalidExclude))
				continue
			}
			for pattern, flags := range m {
				if rule, ok := ruleFromMapping(pattern, flags); ok {
					rules = append(rules, rule)
				}
			}
		}
	}
	return rules, errs
}

func ruleFromMapping(pattern string, flags any) (watcher.ExcludeRule, bool) {
	if fm, ok := asMap(flags); ok {
		if regex, _ := fm["regex"].(bool); regex {
			return watcher.ExcludeRule{Kind: watcher.RuleRegex, Pattern: pattern}, true
		}
	}
	return watcher.ExcludeRule{}, false
}

// asMap normalises the mapping shapes produced by YAML and JSON decoders.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}
