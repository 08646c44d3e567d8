package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/bond-register/internal/register"
	"github.com/example/bond-register/pkg/audit"
)

var (
	ErrNotFound       = errors.New("archive: not found")
	ErrSnapshotExists = errors.New("archive: snapshot already recorded for date")
)

// Entry is one archived register event with its hash-chain link.
type Entry struct {
	Seq        uint64             `json:"seq"`
	Kind       register.EventKind `json:"kind"`
	OccurredAt string             `json:"occurred_at"`
	Payload    json.RawMessage    `json:"payload"`
	PrevHash   string             `json:"prev_hash"`
	Hash       string             `json:"hash"`
}

func (e Entry) link() *audit.LogEntry {
	return &audit.LogEntry{
		Seq:          e.Seq,
		Timestamp:    e.OccurredAt,
		PreviousHash: e.PrevHash,
		Payload:      string(e.Payload),
		Hash:         e.Hash,
	}
}

// StoredSnapshot is the persisted form of a Snapshot event. A settlement
// date holds at most one snapshot; Seq is the archive entry that recorded it.
type StoredSnapshot struct {
	Seq      uint64           `json:"seq"`
	ID       uint64           `json:"id"`
	Date     time.Time        `json:"date"`
	Instant  time.Time        `json:"instant"`
	Balances map[string]int64 `json:"balances"`
}

// Backend persists entries. Append must store the entry and its snapshot
// atomically and fail with ErrSnapshotExists rather than replace a stored
// snapshot.
type Backend interface {
	Append(ctx context.Context, e Entry, snap *StoredSnapshot) error
	Last(ctx context.Context) (seq uint64, hash string, err error)
	Entries(ctx context.Context, afterSeq uint64, limit int) ([]Entry, error)
	Snapshot(ctx context.Context, date time.Time) (*StoredSnapshot, error)
}

// Archive is a register.EventSink writing a tamper-evident event log.
type Archive struct {
	mu      sync.Mutex
	backend Backend
	chain   *audit.ChainLogger
	logger  *slog.Logger
}

// Open resumes the chain from the last persisted entry.
func Open(ctx context.Context, b Backend, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seq, hash, err := b.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Archive{
		backend: b,
		chain:   audit.ResumeChainLogger(seq, hash),
		logger:  logger,
	}, nil
}

// Record implements register.EventSink.
func (a *Archive) Record(ctx context.Context, e register.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("archive %s: %w", e.Kind, err)
	}

	var snap *StoredSnapshot
	if e.Kind == register.EventSnapshot && e.Date != nil && e.Instant != nil {
		snap = &StoredSnapshot{ID: e.SnapshotID, Date: *e.Date, Instant: *e.Instant, Balances: e.Balances}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	link := a.chain.AppendAt(string(payload), e.At)
	entry := Entry{
		Seq:        link.Seq,
		Kind:       e.Kind,
		OccurredAt: link.Timestamp,
		Payload:    payload,
		PrevHash:   link.PreviousHash,
		Hash:       link.Hash,
	}
	if err := a.backend.Append(ctx, entry, snap); err != nil {
		a.chain.Rollback(link)
		return fmt.Errorf("archive %s: %w", e.Kind, err)
	}
	return nil
}

// Entries pages through the log in sequence order.
func (a *Archive) Entries(ctx context.Context, afterSeq uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxPage {
		limit = maxPage
	}
	return a.backend.Entries(ctx, afterSeq, limit)
}

// Snapshot loads the archived snapshot of a settlement date.
func (a *Archive) Snapshot(ctx context.Context, date time.Time) (*StoredSnapshot, error) {
	return a.backend.Snapshot(ctx, date)
}

const maxPage = 500

// Report is the outcome of a full chain verification.
type Report struct {
	Entries  int    `json:"entries"`
	Intact   bool   `json:"intact"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
}

// Verify rehashes the whole log. Pages overlap by one entry so links across
// page boundaries are checked too.
func (a *Archive) Verify(ctx context.Context) (Report, error) {
	var (
		report = Report{Intact: true}
		prev   *audit.LogEntry
		after  uint64
	)
	for {
		page, err := a.backend.Entries(ctx, after, maxPage)
		if err != nil {
			return Report{}, fmt.Errorf("verify archive: %w", err)
		}
		if len(page) == 0 {
			return report, nil
		}

		links := make([]*audit.LogEntry, 0, len(page)+1)
		if prev != nil {
			links = append(links, prev)
		} else if page[0].PrevHash != audit.GenesisHash || page[0].Seq != 1 {
			return a.broken(report, page[0].Seq), nil
		}
		for _, e := range page {
			links = append(links, e.link())
		}
		if i := audit.FirstBreak(links); i >= 0 {
			return a.broken(report, links[i].Seq), nil
		}

		report.Entries += len(page)
		prev = links[len(links)-1]
		after = prev.Seq
	}
}

func (a *Archive) broken(r Report, seq uint64) Report {
	r.Intact = false
	r.BrokenAt = seq
	a.logger.Error("archive chain broken", "seq", seq)
	return r
}
