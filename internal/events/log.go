package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Log is a single-writer append-only JSONL event log. Each event is written as
// one line and synced immediately for crash safety. The owning worker (or the
// scheduler, for the experiment-level log) is the only writer; readers tail
// the file lock-free.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
	lastTS time.Time
	now    func() time.Time
}

// Open opens (or creates) the log at path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{file: f, now: time.Now}, nil
}

// Append stamps the event and writes it as one line.
//
// Timestamps within one log are strictly increasing: with millisecond
// precision two events can land in the same tick, so the stamp is bumped to
// lastTS+1ms when needed.
func (l *Log) Append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("event log closed")
	}

	ts := l.now().UTC().Truncate(time.Millisecond)
	if !ts.After(l.lastTS) {
		ts = l.lastTS.Add(time.Millisecond)
	}
	l.lastTS = ts
	e.CreatedAt = ts

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return l.file.Sync()
}

// Close closes the underlying file. Further appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// ReadAll reads every complete event line from path. A torn trailing line
// (a writer mid-append) is ignored; unknown event types are preserved.
func ReadAll(path string) ([]Event, error) {
	evts, _, err := ReadFrom(path, 0)
	return evts, err
}

// ReadFrom reads complete event lines starting at byte offset, returning the
// events and the offset of the first unconsumed byte. Tail followers call this
// repeatedly with the returned offset.
func ReadFrom(path string, offset int64) ([]Event, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, offset, err
	}
	if offset >= int64(len(data)) {
		return nil, offset, nil
	}
	data = data[offset:]

	var out []Event
	consumed := int64(0)
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			// Partial tail line; re-read from here next time.
			break
		}
		line := data[:nl]
		data = data[nl+1:]
		consumed += int64(nl + 1)

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			// A corrupt interior line is a real error; the log is the ledger.
			return out, offset + consumed, fmt.Errorf("event log %s: %w", path, err)
		}
		out = append(out, e)
	}
	return out, offset + consumed, nil
}
