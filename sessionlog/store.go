package sessionlog

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// PersistenceError wraps a failure to durably record an entry. It is fatal:
// the caller must abort rather than proceed with unpersisted state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store persists encoded entry records. Append is the only mutation; a line
// once written is never rewritten.
type Store interface {
	// Append writes one record line. When sync is true the record must be
	// durable before Append returns.
	Append(line []byte, sync bool) error
	// Flush forces buffered records to stable storage.
	Flush() error
	Close() error
}

// FileStore is a JSONL-backed Store. Writes go through a buffer; sync
// appends flush and fsync before returning.
type FileStore struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenFileStore opens (creating if needed) a JSONL log file for appending
// and returns the store, all previously persisted entries in file order, and
// the active tip as of the last record.
func OpenFileStore(path string) (*FileStore, []Entry, int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, 0, &PersistenceError{Op: "open", Err: err}
	}

	existing, tip, err := readEntries(path)
	if err != nil {
		return nil, nil, 0, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, 0, &PersistenceError{Op: "open", Err: err}
	}

	return &FileStore{path: path, f: f, w: bufio.NewWriter(f)}, existing, tip, nil
}

// readEntries replays the file. Every entry record advances the tip to
// itself; tip control records move it explicitly, so a branch switch with no
// subsequent append still survives a restart.
func readEntries(path string) ([]Entry, int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, &PersistenceError{Op: "read", Err: err}
	}

	var entries []Entry
	var tip int64
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if id, ok, err := decodeTipRecord(line); err != nil {
			return nil, 0, &PersistenceError{Op: "replay", Err: fmt.Errorf("line %d: %w", i+1, err)}
		} else if ok {
			tip = id
			continue
		}
		e, err := unmarshalEntry(line)
		if err != nil {
			return nil, 0, &PersistenceError{Op: "replay", Err: fmt.Errorf("line %d: %w", i+1, err)}
		}
		entries = append(entries, e)
		tip = e.ID
	}
	return entries, tip, nil
}

func (s *FileStore) Append(line []byte, sync bool) error {
	if _, err := s.w.Write(line); err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	if sync {
		return s.syncToDisk()
	}
	return nil
}

func (s *FileStore) syncToDisk() error {
	if err := s.w.Flush(); err != nil {
		return &PersistenceError{Op: "flush", Err: err}
	}
	if err := s.f.Sync(); err != nil {
		return &PersistenceError{Op: "fsync", Err: err}
	}
	return nil
}

func (s *FileStore) Flush() error {
	return s.syncToDisk()
}

func (s *FileStore) Close() error {
	if err := s.syncToDisk(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return &PersistenceError{Op: "close", Err: err}
	}
	return nil
}
