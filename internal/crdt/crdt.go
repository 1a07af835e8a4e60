// Package crdt holds the replicated-state merge primitive the sync engine
// is built on. The engine only depends on the Merger contract: merge is
// commutative, associative, and idempotent, so a set of changes yields the
// same state no matter the order they arrive in. The concrete algorithm is
// swappable; the default is a last-writer-wins register map, which is
// enough structure for research-object manifests.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedChange = errors.New("malformed change record")

// Entry is one register: a field value tagged with the logical clock and
// actor that wrote it.
type Entry struct {
	Value json.RawMessage `json:"value"`
	Clock int64           `json:"clock"`
	Actor string          `json:"actor"`
}

// ChangeRecord is a set of field writes from one actor. It is also the
// chunk payload encoding: a compaction snapshot is just a ChangeRecord
// carrying every winning entry with its original clock and actor, so a
// snapshot merged with any concurrent chunk still converges.
type ChangeRecord struct {
	Actor   string           `json:"actor"`
	Entries map[string]Entry `json:"entries"`
}

func (r ChangeRecord) Validate() error {
	if r.Actor == "" {
		return fmt.Errorf("%w: missing actor", ErrMalformedChange)
	}
	if len(r.Entries) == 0 {
		return fmt.Errorf("%w: no entries", ErrMalformedChange)
	}
	for field, entry := range r.Entries {
		if field == "" {
			return fmt.Errorf("%w: empty field name", ErrMalformedChange)
		}
		if entry.Clock <= 0 {
			return fmt.Errorf("%w: field %q has no clock", ErrMalformedChange, field)
		}
		if entry.Actor == "" {
			return fmt.Errorf("%w: field %q has no actor", ErrMalformedChange, field)
		}
	}
	return nil
}

func (r ChangeRecord) Encode() ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode change: %w", err)
	}
	return payload, nil
}

func DecodeChange(payload []byte) (ChangeRecord, error) {
	var record ChangeRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return ChangeRecord{}, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if err := record.Validate(); err != nil {
		return ChangeRecord{}, err
	}
	return record, nil
}

// DecodeChunk decodes a persisted chunk payload. Unlike DecodeChange it
// accepts an empty entry set: a document seeded from an empty manifest
// persists an entry-less seed chunk.
func DecodeChunk(payload []byte) (ChangeRecord, error) {
	var record ChangeRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return ChangeRecord{}, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if record.Actor == "" {
		return ChangeRecord{}, fmt.Errorf("%w: missing actor", ErrMalformedChange)
	}
	for field, entry := range record.Entries {
		if field == "" || entry.Clock <= 0 || entry.Actor == "" {
			return ChangeRecord{}, fmt.Errorf("%w: bad entry %q", ErrMalformedChange, field)
		}
	}
	return record, nil
}

// FromManifest builds a change record writing every manifest field at the
// given clock. Used to seed a fresh document.
func FromManifest(actor string, clock int64, manifest map[string]json.RawMessage) ChangeRecord {
	entries := make(map[string]Entry, len(manifest))
	for field, value := range manifest {
		entries[field] = Entry{Value: value, Clock: clock, Actor: actor}
	}
	return ChangeRecord{Actor: actor, Entries: entries}
}

// State is the merged replica state: the winning entry per field.
type State map[string]Entry

// Materialize projects the state down to the plain manifest callers see.
func (s State) Materialize() map[string]json.RawMessage {
	manifest := make(map[string]json.RawMessage, len(s))
	for field, entry := range s {
		manifest[field] = entry.Value
	}
	return manifest
}

// Merger is the swappable merge primitive.
type Merger interface {
	// Merge folds a change into a state, returning the new state. It must
	// not mutate its inputs; the caller publishes the result atomically.
	Merge(state State, change ChangeRecord) State
	// Snapshot renders the full state as a single change record.
	Snapshot(state State) ChangeRecord
}

// LWW is the default Merger: per-field last-writer-wins, ties on the
// logical clock broken by actor ID so every replica picks the same winner.
type LWW struct{}

func (LWW) Merge(state State, change ChangeRecord) State {
	next := make(State, len(state)+len(change.Entries))
	for field, entry := range state {
		next[field] = entry
	}
	for field, entry := range change.Entries {
		current, ok := next[field]
		if !ok || wins(entry, current) {
			next[field] = entry
		}
	}
	return next
}

func (LWW) Snapshot(state State) ChangeRecord {
	entries := make(map[string]Entry, len(state))
	for field, entry := range state {
		entries[field] = entry
	}
	return ChangeRecord{Actor: "snapshot", Entries: entries}
}

func wins(a, b Entry) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Actor > b.Actor
}
