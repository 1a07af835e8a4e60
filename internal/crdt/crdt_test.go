package crdt

import (
	"encoding/json"
	"math/rand"
	"reflect"
	"testing"
)

func raw(value string) json.RawMessage {
	encoded, _ := json.Marshal(value)
	return encoded
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		record ChangeRecord
		ok     bool
	}{
		{
			name:   "valid",
			record: ChangeRecord{Actor: "x", Entries: map[string]Entry{"title": {Value: raw("A"), Clock: 1, Actor: "x"}}},
			ok:     true,
		},
		{
			name:   "missing actor",
			record: ChangeRecord{Entries: map[string]Entry{"title": {Value: raw("A"), Clock: 1, Actor: "x"}}},
			ok:     false,
		},
		{
			name:   "no entries",
			record: ChangeRecord{Actor: "x"},
			ok:     false,
		},
		{
			name:   "zero clock",
			record: ChangeRecord{Actor: "x", Entries: map[string]Entry{"title": {Value: raw("A"), Actor: "x"}}},
			ok:     false,
		},
		{
			name:   "entry missing actor",
			record: ChangeRecord{Actor: "x", Entries: map[string]Entry{"title": {Value: raw("A"), Clock: 1}}},
			ok:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.record.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDecodeChangeRejectsGarbage(t *testing.T) {
	if _, err := DecodeChange([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := DecodeChange([]byte(`{"actor":"","entries":{}}`)); err == nil {
		t.Fatal("expected validation error for empty record")
	}
}

func TestDecodeChunkAcceptsEmptyEntrySet(t *testing.T) {
	record, err := DecodeChunk([]byte(`{"actor":"owner","entries":{}}`))
	if err != nil {
		t.Fatalf("DecodeChunk() error = %v", err)
	}
	if len(record.Entries) != 0 {
		t.Fatalf("entries = %v, want empty", record.Entries)
	}

	if _, err := DecodeChunk([]byte(`{"actor":"","entries":{}}`)); err == nil {
		t.Fatalf("expected missing actor to be rejected")
	}
	if _, err := DecodeChunk([]byte(`{"actor":"a","entries":{"f":{"value":"1","clock":0,"actor":"a"}}}`)); err == nil {
		t.Fatalf("expected zero clock to be rejected")
	}
}

func TestMergeCommutative(t *testing.T) {
	merger := LWW{}
	changes := []ChangeRecord{
		{Actor: "x", Entries: map[string]Entry{"title": {Value: raw("B"), Clock: 2, Actor: "x"}}},
		{Actor: "y", Entries: map[string]Entry{"tag": {Value: raw("x"), Clock: 2, Actor: "y"}}},
		{Actor: "x", Entries: map[string]Entry{"title": {Value: raw("A"), Clock: 1, Actor: "x"}, "tag": {Value: raw("old"), Clock: 1, Actor: "x"}}},
	}

	apply := func(order []int) State {
		state := State{}
		for _, index := range order {
			state = merger.Merge(state, changes[index])
		}
		return state
	}

	want := apply([]int{0, 1, 2}).Materialize()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		order := rng.Perm(len(changes))
		got := apply(order).Materialize()
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("order %v yielded %v, want %v", order, got, want)
		}
	}

	if string(want["title"]) != `"B"` || string(want["tag"]) != `"x"` {
		t.Fatalf("unexpected converged state: %v", want)
	}
}

func TestMergeIdempotent(t *testing.T) {
	merger := LWW{}
	change := ChangeRecord{Actor: "x", Entries: map[string]Entry{"title": {Value: raw("A"), Clock: 1, Actor: "x"}}}

	once := merger.Merge(State{}, change)
	twice := merger.Merge(once, change)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("re-merging the same change altered state: %v vs %v", once, twice)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	merger := LWW{}
	state := State{"title": {Value: raw("A"), Clock: 1, Actor: "x"}}
	change := ChangeRecord{Actor: "y", Entries: map[string]Entry{"title": {Value: raw("B"), Clock: 2, Actor: "y"}}}

	_ = merger.Merge(state, change)
	if string(state["title"].Value) != `"A"` {
		t.Fatal("Merge mutated the input state")
	}
}

func TestMergeTieBreaksByActor(t *testing.T) {
	merger := LWW{}
	fromX := ChangeRecord{Actor: "x", Entries: map[string]Entry{"title": {Value: raw("from-x"), Clock: 5, Actor: "x"}}}
	fromY := ChangeRecord{Actor: "y", Entries: map[string]Entry{"title": {Value: raw("from-y"), Clock: 5, Actor: "y"}}}

	a := merger.Merge(merger.Merge(State{}, fromX), fromY)
	b := merger.Merge(merger.Merge(State{}, fromY), fromX)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("tie-break diverged: %v vs %v", a, b)
	}
	if string(a["title"].Value) != `"from-y"` {
		t.Fatalf("expected actor y to win the tie, got %s", a["title"].Value)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	merger := LWW{}
	state := State{}
	state = merger.Merge(state, ChangeRecord{Actor: "x", Entries: map[string]Entry{"title": {Value: raw("B"), Clock: 2, Actor: "x"}}})
	state = merger.Merge(state, ChangeRecord{Actor: "y", Entries: map[string]Entry{"tag": {Value: raw("x"), Clock: 2, Actor: "y"}}})

	snapshot := merger.Snapshot(state)
	encoded, err := snapshot.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := DecodeChange(encoded)
	if err != nil {
		t.Fatalf("DecodeChange() error = %v", err)
	}

	rebuilt := merger.Merge(State{}, decoded)
	if !reflect.DeepEqual(rebuilt.Materialize(), state.Materialize()) {
		t.Fatalf("snapshot round trip diverged: %v vs %v", rebuilt.Materialize(), state.Materialize())
	}

	// A stale concurrent change merged after the snapshot must still lose.
	stale := ChangeRecord{Actor: "x", Entries: map[string]Entry{"title": {Value: raw("A"), Clock: 1, Actor: "x"}}}
	merged := merger.Merge(rebuilt, stale)
	if string(merged["title"].Value) != `"B"` {
		t.Fatalf("stale change overrode snapshot: %s", merged["title"].Value)
	}
}
