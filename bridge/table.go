package bridge

import (
	"sync"

	"github.com/wippyai/vmbridge/reloc"
)

// Table maps context tokens to live bridges. Resolver upcalls carry only the
// token, so the table is how a relocation finds the handle it belongs to.
// Tokens start at 1 and are never reused within a table.
type Table struct {
	entries map[reloc.Token]*Bridge
	next    reloc.Token
	mu      sync.RWMutex
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[reloc.Token]*Bridge)}
}

var defaultTable = NewTable()

// DefaultTable returns the table used by bridges opened without WithTable.
func DefaultTable() *Table {
	return defaultTable
}

func (t *Table) insert(b *Bridge) reloc.Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	t.entries[t.next] = b
	return t.next
}

// Lookup returns the live bridge for token.
func (t *Table) Lookup(token reloc.Token) (*Bridge, bool) {
	if token == 0 {
		return nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.entries[token]
	return b, ok
}

func (t *Table) remove(token reloc.Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[token]; !ok {
		return false
	}
	delete(t.entries, token)
	return true
}

// Len returns the number of live bridges.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Each calls fn for every live bridge until fn returns false.
func (t *Table) Each(fn func(reloc.Token, *Bridge) bool) {
	t.mu.RLock()
	snapshot := make(map[reloc.Token]*Bridge, len(t.entries))
	for k, v := range t.entries {
		snapshot[k] = v
	}
	t.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}
