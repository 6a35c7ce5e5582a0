// Package audit keeps an append-only journal of operator actions taken
// through the alarm API. Entries are JSON lines chained by SHA-256 so that
// edits or deletions inside the file are detectable.
//
// # Hash chain
//
// The hash of entry N is
//
//	SHA-256( JSON({seq, ts, event, prev_hash}) )
//
// and entry 1 uses GenesisHash as its prev_hash.
//
// Journal is safe for concurrent use.
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
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a journal.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Actions recorded by the REST layer.
const (
	ActionConfigCreate = "config.create"
	ActionConfigUpdate = "config.update"
	ActionConfigDelete = "config.delete"
	ActionRecordUpdate = "record.update"
	ActionIPBlacklist  = "access_ip.blacklist"
	ActionDetect       = "detect.run"
)

// Event describes one operator action.
type Event struct {
	Action string          `json:"action"`
	Actor  string          `json:"actor"`
	Target string          `json:"target,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Entry is one journal line.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// hashed is the part of an Entry covered by its hash.
type hashed struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev_hash"`
}

func (e Entry) computeHash() string {
	raw, err := json.Marshal(hashed{Seq: e.Seq, Timestamp: e.Timestamp, Event: e.Event, PrevHash: e.PrevHash})
	if err != nil {
		// Every field is plain data; Detail is already valid JSON.
		panic(fmt.Sprintf("audit: marshal entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Journal appends Entries to a file.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens or creates the journal at path. An existing journal is
// verified first so that new entries continue its chain; a broken chain is
// an error.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir for %q: %w", path, err)
	}

	entries, err := Verify(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	prevHash, seq := GenesisHash, int64(0)
	if n := len(entries); n > 0 {
		prevHash, seq = entries[n-1].Hash, entries[n-1].Seq
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Journal{file: f, prevHash: prevHash, seq: seq, now: time.Now}, nil
}

// Record appends ev and returns the written entry.
func (j *Journal) Record(ev Event) (Entry, error) {
	if ev.Detail != nil && !json.Valid(ev.Detail) {
		return Entry{}, errors.New("audit: detail is not valid JSON")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	e := Entry{
		Seq:       j.seq + 1,
		Timestamp: j.now().UTC(),
		Event:     ev,
		PrevHash:  j.prevHash,
	}
	e.Hash = e.computeHash()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	j.seq = e.Seq
	j.prevHash = e.Hash
	return e, nil
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return j.file.Close()
}

// Verify reads the journal at path and checks its whole chain, returning
// the entries in order. A missing file yields an error wrapping
// fs.ErrNotExist.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()
	return verify(f)
}

func verify(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var entries []Entry
	prevHash := GenesisHash
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry after seq %d: %w", len(entries), err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		if computed := e.computeHash(); computed != e.Hash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.Hash, computed)
		}
		entries = append(entries, e)
		prevHash = e.Hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return entries, nil
}
