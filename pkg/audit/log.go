// Package audit keeps an append-only, hash-chained record of the
// envelopes and decisions that passed through the agent. Each entry
// commits to its predecessor, so a mutated or dropped entry breaks
// verification for everything after it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindEnvelopeIn  Kind = "envelope_in"
	KindEnvelopeOut Kind = "envelope_out"
	KindProposal    Kind = "proposal"
	KindExecution   Kind = "execution"
	KindLifecycle   Kind = "lifecycle"
)

// genesisHash anchors the first entry of every chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var ErrChainBroken = errors.New("audit: hash chain broken")

// Entry is one link in the chain. Hash covers the canonical JSON of
// the entry with Hash itself blanked, so the digest is reproducible by
// any verifier.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Timestamp int64          `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
}

// Store persists entries beyond the in-memory chain.
type Store interface {
	Save(entry Entry) error
}

// Log is the in-memory chain head plus the retained entries. Append is
// serialized; the chain has exactly one head at all times.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	store   Store
	clock   func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithStore mirrors every appended entry to a persistent store.
func WithStore(store Store) Option {
	return func(l *Log) { l.store = store }
}

// WithClock substitutes the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

func NewLog(opts ...Option) *Log {
	l := &Log{clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append chains a new entry and returns it. A store failure fails the
// append; the in-memory chain is not advanced on error.
func (l *Log) Append(kind Kind, subject string, payload map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisHash
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}

	entry := Entry{
		Seq:       uint64(len(l.entries)),
		Timestamp: l.clock().UnixMilli(),
		Kind:      kind,
		Subject:   subject,
		Payload:   payload,
		PrevHash:  prev,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.Hash = hash

	if l.store != nil {
		if err := l.store.Save(entry); err != nil {
			return Entry{}, fmt.Errorf("audit: persist entry %d: %w", entry.Seq, err)
		}
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Entries returns a copy of the chain.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the chain length.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Verify walks the chain and recomputes every link. It returns
// ErrChainBroken, wrapped with the offending sequence number, on the
// first mismatch.
func (l *Log) Verify() error {
	l.mu.Lock()
	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()
	return VerifyChain(entries)
}

// VerifyChain checks an exported chain independently of any Log.
func VerifyChain(entries []Entry) error {
	prev := genesisHash
	for i, entry := range entries {
		if entry.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev hash mismatch", ErrChainBroken, entry.Seq)
		}
		if entry.Seq != uint64(i) {
			return fmt.Errorf("%w: entry %d out of sequence", ErrChainBroken, entry.Seq)
		}
		want, err := entryHash(entry)
		if err != nil {
			return err
		}
		if entry.Hash != want {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, entry.Seq)
		}
		prev = entry.Hash
	}
	return nil
}

// entryHash digests the RFC 8785 canonical form of the entry with the
// Hash field blanked.
func entryHash(entry Entry) (string, error) {
	entry.Hash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry %d: %w", entry.Seq, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry %d: %w", entry.Seq, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
