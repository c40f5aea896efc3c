// Package audit keeps a tamper-evident record of every watch mutation the
// reconciler issues. Entries are JSON lines chained by SHA-256: each line
// carries the hash of its predecessor, so deleting, reordering or editing a
// line breaks the chain.
//
// The hash of entry N is
//
//	SHA-256( JSON({seq, ts, payload, prev_hash}) )
//
// and the first entry uses GenesisHash as prev_hash.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tripwire/changewatch/internal/beacon"
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single audit line.
const maxLine = 1 << 20

// Entry is one audit log line.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// hashed is the part of an Entry covered by EventHash.
type hashed struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

func (e Entry) computeHash() string {
	raw, err := json.Marshal(hashed{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		// Every field is JSON-serialisable.
		panic(fmt.Sprintf("audit: marshal entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ChainError reports the first entry at which a chain fails verification.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at seq %d: %s", e.Seq, e.Reason)
}

// readChain decodes and verifies every entry in r, calling fn for each.
func readChain(r io.Reader, fn func(Entry)) (last Entry, err error) {
	last.EventHash = GenesisHash

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return last, &ChainError{Seq: last.Seq + 1, Reason: "malformed entry: " + err.Error()}
		}
		if e.PrevHash != last.EventHash {
			return last, &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("prev_hash %q does not match %q", e.PrevHash, last.EventHash)}
		}
		if got := e.computeHash(); got != e.EventHash {
			return last, &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("stored hash %q, computed %q", e.EventHash, got)}
		}
		if fn != nil {
			fn(e)
		}
		last = e
	}
	if err := scanner.Err(); err != nil {
		return last, fmt.Errorf("audit: scan: %w", err)
	}
	return last, nil
}

// Logger appends hash-chained entries to a file. It implements
// beacon.MutationRecorder and is safe for concurrent use.
type Logger struct {
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	last Entry
	now  func() time.Time
}

var _ beacon.MutationRecorder = (*Logger)(nil)

// Open opens (or creates) the log at path. An existing log is verified and
// the chain continues from its last entry; a broken chain is an error.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	last := Entry{EventHash: GenesisHash}
	f, err := os.Open(path)
	switch {
	case err == nil:
		last, err = readChain(f, nil)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: %q: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Logger{
		logger: logger,
		file:   out,
		last:   last,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Append writes payload as the next entry. A nil payload is recorded as
// JSON null.
func (l *Logger) Append(payload json.RawMessage) (Entry, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.last.Seq + 1,
		Timestamp: l.now(),
		Payload:   payload,
		PrevHash:  l.last.EventHash,
	}
	e.EventHash = e.computeHash()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}
	l.last = e
	return e, nil
}

// RecordMutation appends m. Write failures are logged; reconciliation never
// waits on the audit trail.
func (l *Logger) RecordMutation(m beacon.Mutation) {
	payload, err := json.Marshal(m)
	if err != nil {
		l.logger.Error("audit: marshal mutation", slog.Any("error", err))
		return
	}
	if _, err := l.Append(payload); err != nil {
		l.logger.Error("audit: append mutation",
			slog.String("op", m.Op),
			slog.String("path", m.Path),
			slog.Any("error", err))
	}
}

// Close syncs and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify checks the full chain in the file at path and returns its entries.
// An empty file is a valid, empty chain.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	if _, err := readChain(f, func(e Entry) { entries = append(entries, e) }); err != nil {
		return nil, err
	}
	return entries, nil
}

// Mutations decodes the mutation payloads of a verified chain.
func Mutations(entries []Entry) ([]beacon.Mutation, error) {
	out := make([]beacon.Mutation, 0, len(entries))
	for _, e := range entries {
		var m beacon.Mutation
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, fmt.Errorf("audit: seq %d: decode mutation: %w", e.Seq, err)
		}
		out = append(out, m)
	}
	return out, nil
}
