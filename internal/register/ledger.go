package register

import (
	"fmt"
	"time"
)

// Snapshot is the frozen set of balances taken for one settlement date.
type Snapshot struct {
	ID       uint64           `json:"id"`
	Date     time.Time        `json:"date"`
	Instant  time.Time        `json:"instant"`
	TakenAt  time.Time        `json:"taken_at"`
	Balances map[string]int64 `json:"balances"`
}

func (s *Snapshot) balance(account string) int64 {
	return s.Balances[account]
}

type ledger struct {
	balances    map[string]int64
	holders     []string
	totalSupply int64
	// snapshots are shared between clones; a snapshot is never mutated after creation.
	snapshots map[int64]*Snapshot
	lastID    uint64
}

func newLedger() *ledger {
	return &ledger{
		balances:  make(map[string]int64),
		snapshots: make(map[int64]*Snapshot),
	}
}

func (l *ledger) clone() *ledger {
	c := &ledger{
		balances:    make(map[string]int64, len(l.balances)),
		holders:     append([]string(nil), l.holders...),
		totalSupply: l.totalSupply,
		snapshots:   make(map[int64]*Snapshot, len(l.snapshots)),
		lastID:      l.lastID,
	}
	for k, v := range l.balances {
		c.balances[k] = v
	}
	for k, v := range l.snapshots {
		c.snapshots[k] = v
	}
	return c
}

func (l *ledger) balance(account string) int64 {
	return l.balances[account]
}

func (l *ledger) credit(account string, qty int64) {
	if _, seen := l.balances[account]; !seen {
		l.holders = append(l.holders, account)
	}
	l.balances[account] += qty
}

func (l *ledger) debit(account string, qty int64) error {
	if l.balances[account] < qty {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientBalance, account, l.balances[account], qty)
	}
	l.balances[account] -= qty
	return nil
}

func (l *ledger) move(from, to string, qty int64) error {
	if err := l.debit(from, qty); err != nil {
		return err
	}
	l.credit(to, qty)
	return nil
}

func (l *ledger) snapshotFor(date time.Time) (*Snapshot, bool) {
	s, ok := l.snapshots[dateKey(date)]
	return s, ok
}

// take records the balances of every known holder for date.
func (l *ledger) take(date, instant, now time.Time) *Snapshot {
	l.lastID++
	s := &Snapshot{
		ID:       l.lastID,
		Date:     date,
		Instant:  instant,
		TakenAt:  now,
		Balances: make(map[string]int64, len(l.holders)),
	}
	for _, h := range l.holders {
		s.Balances[h] = l.balances[h]
	}
	l.snapshots[dateKey(date)] = s
	return s
}

func (l *ledger) latestSnapshot() (*Snapshot, bool) {
	var latest *Snapshot
	for _, s := range l.snapshots {
		if latest == nil || s.Date.After(latest.Date) {
			latest = s
		}
	}
	return latest, latest != nil
}

// nonZero lists holders with a positive balance in first-seen order.
func (l *ledger) nonZero(balances map[string]int64, exclude string) []string {
	out := make([]string, 0, len(l.holders))
	for _, h := range l.holders {
		if h == exclude {
			continue
		}
		if balances[h] > 0 {
			out = append(out, h)
		}
	}
	return out
}
