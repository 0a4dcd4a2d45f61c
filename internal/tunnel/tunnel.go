// Package tunnel tracks outstanding request/response exchanges.
//
// Every host-to-worker request that expects a reply allocates a tunnel:
// a numbered slot holding the (resolve, reject) continuations of the
// caller. Ids grow monotonically and are never reused; a tunnel is
// completed exactly once.
package tunnel

import (
	"fmt"
	"sync"
)

// Entry holds the continuations of one outstanding request. Enclosure
// optionally records the target path so deletions can reject covered
// tunnels.
type Entry struct {
	Resolve   func(payload []byte)
	Reject    func(err error)
	Enclosure string
}

// Table is an indexed table of pending tunnels.
type Table struct {
	mu      sync.Mutex
	next    int
	pending map[int]Entry
}

// New creates an empty table.
func New() *Table {
	return &Table{pending: make(map[int]Entry)}
}

// Add inserts an entry and returns its freshly allocated id.
func (t *Table) Add(e Entry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.pending[id] = e
	return id
}

// Resolve completes tunnel id with payload. Unknown ids are an error.
func (t *Table) Resolve(id int, payload []byte) error {
	e, err := t.take(id)
	if err != nil {
		return err
	}
	e.Resolve(payload)
	return nil
}

// Reject completes tunnel id with err. Unknown ids are an error.
func (t *Table) Reject(id int, rejection error) error {
	e, err := t.take(id)
	if err != nil {
		return err
	}
	e.Reject(rejection)
	return nil
}

func (t *Table) take(id int) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[id]
	if !ok {
		return Entry{}, fmt.Errorf("unknown tunnel %d", id)
	}
	delete(t.pending, id)
	return e, nil
}

// RejectAll rejects every live tunnel with err and clears the table.
func (t *Table) RejectAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int]Entry)
	t.mu.Unlock()
	for _, e := range pending {
		e.Reject(err)
	}
}

// RejectEnclosures rejects every live tunnel whose recorded enclosure
// equals, or is a descendant of, one of the given paths.
func (t *Table) RejectEnclosures(paths []string, err error) {
	covered := func(enclosure string) bool {
		for _, p := range paths {
			if enclosure == p || (len(enclosure) > len(p) && enclosure[:len(p)] == p && enclosure[len(p)] == '.') {
				return true
			}
		}
		return false
	}
	t.mu.Lock()
	var victims []Entry
	for id, e := range t.pending {
		if e.Enclosure != "" && covered(e.Enclosure) {
			victims = append(victims, e)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()
	for _, e := range victims {
		e.Reject(err)
	}
}

// Len reports the number of live tunnels.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
