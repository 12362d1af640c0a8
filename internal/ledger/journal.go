package ledger

import "math/big"

// journalEntry is one undoable mutation.
type journalEntry interface {
	revert(l *Ledger)
}

type balanceChange struct {
	key  balanceKey
	prev *big.Int
}

func (c balanceChange) revert(l *Ledger) {
	if c.prev == nil {
		delete(l.balances, c.key)
		return
	}
	l.balances[c.key] = c.prev
}

type allowanceChange struct {
	key  allowanceKey
	prev *big.Int
}

func (c allowanceChange) revert(l *Ledger) {
	if c.prev == nil {
		delete(l.allowances, c.key)
		return
	}
	l.allowances[c.key] = c.prev
}

type snapshot struct {
	id           int
	journalIndex int
}

// Snapshot returns an identifier for the current state.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSnap
	l.nextSnap++
	l.snapshots = append(l.snapshots, snapshot{id: id, journalIndex: len(l.journal)})
	return id
}

// RevertToSnapshot undoes every change made since the snapshot was taken.
// Snapshots taken after it are invalidated. Unknown ids panic, matching a
// programming error rather than a runtime condition.
func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := len(l.snapshots) - 1; i >= 0; i-- {
		if l.snapshots[i].id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic("ledger: revert to unknown snapshot")
	}
	target := l.snapshots[idx].journalIndex
	for i := len(l.journal) - 1; i >= target; i-- {
		l.journal[i].revert(l)
	}
	l.journal = l.journal[:target]
	l.snapshots = l.snapshots[:idx]
}

// Commit discards the journal. Outstanding snapshots become invalid.
func (l *Ledger) Commit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = l.journal[:0]
	l.snapshots = l.snapshots[:0]
}

// JournalLen reports the number of pending undo entries.
func (l *Ledger) JournalLen() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.journal)
}
