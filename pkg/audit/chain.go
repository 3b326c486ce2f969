// Package audit is the sole writer of audit events. Every record is
// hash-chained to its predecessor so tampering with stored history is
// detectable, and forwarded asynchronously to external sinks.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/arbiter/pkg/canonicalize"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// GenesisHash is the previous hash of the first record.
const GenesisHash = "genesis"

var (
	ErrChainBroken   = errors.New("audit: hash chain is broken")
	ErrEventNotFound = errors.New("audit: event not found")
)

// Record is a stored, chained audit event.
type Record struct {
	Sequence     uint64               `json:"sequence"`
	Event        contracts.AuditEvent `json:"-"`
	Payload      json.RawMessage      `json:"payload"` // canonical JSON of Event, as hashed
	PayloadHash  string               `json:"payload_hash"`
	PreviousHash string               `json:"previous_hash"`
	EntryHash    string               `json:"entry_hash"`
}

type chainLink struct {
	Sequence      uint64 `json:"sequence"`
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
	PayloadHash   string `json:"payload_hash"`
	PreviousHash  string `json:"previous_hash"`
}

// seal builds the record for e at seq following prev.
func seal(seq uint64, prev string, e contracts.AuditEvent) (Record, error) {
	payload, err := canonicalize.JCS(e)
	if err != nil {
		return Record{}, fmt.Errorf("audit: canonicalize event: %w", err)
	}
	r := Record{
		Sequence:     seq,
		Payload:      payload,
		PayloadHash:  "sha256:" + canonicalize.HashBytes(payload),
		PreviousHash: prev,
		Event:        e,
	}
	r.EntryHash, err = entryHash(r)
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

func entryHash(r Record) (string, error) {
	return canonicalize.PrefixedHash(chainLink{
		Sequence:      r.Sequence,
		EventID:       r.Event.ID,
		CorrelationID: r.Event.CorrelationID,
		PayloadHash:   r.PayloadHash,
		PreviousHash:  r.PreviousHash,
	})
}

// decode fills r.Event from r.Payload.
func (r *Record) decode() error {
	return json.Unmarshal(r.Payload, &r.Event)
}

// ChainVerifier checks records in sequence order. Feed it every record from
// the first; it fails on the first inconsistency.
type ChainVerifier struct {
	expectedPrev string
	expectedSeq  uint64
	count        int
}

func NewChainVerifier() *ChainVerifier {
	return &ChainVerifier{expectedPrev: GenesisHash, expectedSeq: 1}
}

// Next verifies r against the records seen so far.
func (v *ChainVerifier) Next(r Record) error {
	if r.Sequence != v.expectedSeq {
		return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, v.expectedSeq, r.Sequence)
	}
	if r.PreviousHash != v.expectedPrev {
		return fmt.Errorf("%w: record %d has previous_hash %s but expected %s",
			ErrChainBroken, r.Sequence, r.PreviousHash, v.expectedPrev)
	}
	if got := "sha256:" + canonicalize.HashBytes(r.Payload); got != r.PayloadHash {
		return fmt.Errorf("%w: record %d payload hash mismatch", ErrChainBroken, r.Sequence)
	}
	if r.Event.ID == "" {
		if err := r.decode(); err != nil {
			return fmt.Errorf("%w: record %d payload unreadable: %w", ErrChainBroken, r.Sequence, err)
		}
	}
	computed, err := entryHash(r)
	if err != nil {
		return fmt.Errorf("%w: record %d hash computation failed: %w", ErrChainBroken, r.Sequence, err)
	}
	if computed != r.EntryHash {
		return fmt.Errorf("%w: record %d hash mismatch (computed %s, stored %s)",
			ErrChainBroken, r.Sequence, computed, r.EntryHash)
	}
	v.expectedPrev = r.EntryHash
	v.expectedSeq++
	v.count++
	return nil
}

// Count returns how many records verified.
func (v *ChainVerifier) Count() int { return v.count }

// VerifyRecords checks a complete chain held in memory.
func VerifyRecords(records []Record) error {
	v := NewChainVerifier()
	for _, r := range records {
		if err := v.Next(r); err != nil {
			return err
		}
	}
	return nil
}
