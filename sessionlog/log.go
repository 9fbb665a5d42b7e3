package sessionlog

import (
	"fmt"
	"sync"
	"time"
)

// Log is the append-only, branchable session record. A single Log instance
// owns append authority for its session; committed entries are immutable and
// safe for concurrent readers.
type Log struct {
	mu       sync.RWMutex
	entries  map[int64]Entry
	order    []int64           // append order, for iteration and replay
	children map[int64][]int64 // parent -> child ids, maintained on append
	tip      int64             // active leaf; 0 when empty
	nextID   int64
	store    Store // nil for in-memory sessions
}

// New creates an empty in-memory log with no persistence.
func New() *Log {
	return &Log{
		entries:  make(map[int64]Entry),
		children: make(map[int64][]int64),
		nextID:   1,
	}
}

// Open loads (or creates) a file-backed log. Previously persisted entries
// are replayed to rebuild the tree, indices, and tip.
func Open(path string) (*Log, error) {
	store, existing, tip, err := OpenFileStore(path)
	if err != nil {
		return nil, err
	}

	l := New()
	l.store = store
	for _, e := range existing {
		if _, dup := l.entries[e.ID]; dup {
			return nil, &PersistenceError{Op: "replay", Err: fmt.Errorf("duplicate entry id %d", e.ID)}
		}
		l.entries[e.ID] = e
		l.order = append(l.order, e.ID)
		if e.ParentID != 0 {
			l.children[e.ParentID] = append(l.children[e.ParentID], e.ID)
		}
		if e.ID >= l.nextID {
			l.nextID = e.ID + 1
		}
	}
	if tip != 0 {
		if _, ok := l.entries[tip]; !ok {
			return nil, &PersistenceError{Op: "replay", Err: fmt.Errorf("tip points to unknown entry %d", tip)}
		}
		l.tip = tip
	}
	return l, nil
}

// Append assigns the next id, links the entry under the current tip (or
// under entry.ParentID when set, which starts a new branch), persists it,
// updates the indices, and advances the tip. The returned id is final before
// Append returns.
func (l *Log) Append(e Entry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ParentID == 0 {
		e.ParentID = l.tip
	} else if _, ok := l.entries[e.ParentID]; !ok {
		return 0, fmt.Errorf("append: parent entry %d does not exist", e.ParentID)
	}

	e.ID = l.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if l.store != nil {
		line, err := marshalEntry(e)
		if err != nil {
			return 0, err
		}
		// User input must be durable before any dependent model call.
		sync := e.Type == EntryMessage && e.Message != nil && e.Message.Role == RoleUser
		if err := l.store.Append(line, sync); err != nil {
			return 0, err
		}
	}

	l.entries[e.ID] = e.clone()
	l.order = append(l.order, e.ID)
	if e.ParentID != 0 {
		l.children[e.ParentID] = append(l.children[e.ParentID], e.ID)
	}
	l.tip = e.ID
	l.nextID++
	return e.ID, nil
}

// Entry returns a copy of the entry with the given id.
func (l *Log) Entry(id int64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Children returns the ids of an entry's children in append order.
func (l *Log) Children(id int64) []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	kids := l.children[id]
	out := make([]int64, len(kids))
	copy(out, kids)
	return out
}

// Tip returns the current leaf id of the active branch, or 0 when empty.
func (l *Log) Tip() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tip
}

// SetTip moves the active-branch pointer to an existing entry. Descendants
// of the old tip are not deleted; they remain reachable via Children. The
// move is persisted durably, so the active branch survives a restart.
func (l *Log) SetTip(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; !ok {
		return fmt.Errorf("set tip: entry %d does not exist", id)
	}
	if l.store != nil {
		line, err := marshalTipRecord(id)
		if err != nil {
			return err
		}
		// A branch switch is user intent; sync like a user message.
		if err := l.store.Append(line, true); err != nil {
			return err
		}
	}
	l.tip = id
	return nil
}

// Branch returns the entries on the path from the root to leafID, in
// root-first order.
func (l *Log) Branch(leafID int64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var reversed []Entry
	id := leafID
	for id != 0 {
		e, ok := l.entries[id]
		if !ok {
			return nil, fmt.Errorf("branch: entry %d does not exist", id)
		}
		reversed = append(reversed, e.clone())
		id = e.ParentID
	}

	branch := make([]Entry, len(reversed))
	for i, e := range reversed {
		branch[len(reversed)-1-i] = e
	}
	return branch, nil
}

// ActiveBranch returns the path from the root to the current tip.
func (l *Log) ActiveBranch() ([]Entry, error) {
	tip := l.Tip()
	if tip == 0 {
		return nil, nil
	}
	return l.Branch(tip)
}

// Len returns the total number of entries across all branches.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Flush forces buffered entries to stable storage. Call before accepting the
// next user-facing prompt.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	return l.store.Flush()
}

// Close flushes and releases the underlying store.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}
