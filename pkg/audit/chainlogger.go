package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the previous hash of the first entry in a chain.
var GenesisHash = strings.Repeat("0", 64)

// LogEntry is one link of the chain. Timestamp is stored as formatted so that
// a verifier rehashes exactly what was hashed on append.
type LogEntry struct {
	Seq          uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger links payloads with sha256 so that any edit, reorder or removal
// of a stored entry is detectable.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	seq          uint64
}

// NewChainLogger starts an empty chain.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{previousHash: GenesisHash}
}

// ResumeChainLogger continues a chain whose last persisted entry had the given
// sequence number and hash.
func ResumeChainLogger(lastSeq uint64, lastHash string) *ChainLogger {
	if lastHash == "" {
		lastHash = GenesisHash
	}
	return &ChainLogger{previousHash: lastHash, seq: lastSeq}
}

// Append links payload at the current time.
func (c *ChainLogger) Append(payload string) *LogEntry {
	return c.AppendAt(payload, time.Now())
}

// AppendAt links payload stamped with at.
func (c *ChainLogger) AppendAt(payload string, at time.Time) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Seq:          c.seq + 1,
		Timestamp:    at.UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entry.computeHash()

	c.seq = entry.Seq
	c.previousHash = entry.Hash
	return entry
}

// Rollback undoes the last append when the caller failed to persist it.
func (c *ChainLogger) Rollback(entry *LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry == nil || entry.Hash != c.previousHash {
		return
	}
	c.previousHash = entry.PreviousHash
	c.seq = entry.Seq - 1
}

func (e *LogEntry) computeHash() string {
	hashInput := fmt.Sprintf("%d|%s|%s|%s", e.Seq, e.PreviousHash, e.Timestamp, e.Payload)
	sum := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

// FirstBreak returns the index of the first entry that does not link to its
// predecessor or whose hash does not match its content, or -1 if the chain is
// intact. The first entry may link to any previous hash so that a window of a
// longer chain can be checked.
func FirstBreak(entries []*LogEntry) int {
	for i, entry := range entries {
		if i > 0 {
			prev := entries[i-1]
			if entry.PreviousHash != prev.Hash || entry.Seq != prev.Seq+1 {
				return i
			}
		}
		if entry.computeHash() != entry.Hash {
			return i
		}
	}
	return -1
}

// VerifyChain reports whether entries form an unbroken chain.
func VerifyChain(entries []*LogEntry) bool {
	return FirstBreak(entries) == -1
}
