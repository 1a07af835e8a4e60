package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"lattice/api/internal/crdt"
	"lattice/api/internal/store"
)

type memChunkStore struct {
	mu     sync.Mutex
	chunks map[string]map[string][]byte // documentID -> key -> payload
	seq    int

	saveErr   error
	loadErr   error
	saveDelay time.Duration
}

func newMemChunkStore() *memChunkStore {
	return &memChunkStore{chunks: make(map[string]map[string][]byte)}
}

func (m *memChunkStore) LoadChunks(_ context.Context, documentID string) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	byKey := m.chunks[documentID]
	if len(byKey) == 0 {
		return nil, store.ErrNotFound
	}
	items := make([]store.Chunk, 0, len(byKey))
	for key, payload := range byKey {
		items = append(items, store.Chunk{DocumentID: documentID, Key: key, Payload: payload})
	}
	return items, nil
}

func (m *memChunkStore) LoadChunkRange(_ context.Context, keyPrefix string) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Chunk, 0)
	for documentID, byKey := range m.chunks {
		for key, payload := range byKey {
			if strings.HasPrefix(key, keyPrefix) {
				items = append(items, store.Chunk{DocumentID: documentID, Key: key, Payload: payload})
			}
		}
	}
	return items, nil
}

func (m *memChunkStore) SaveChunk(_ context.Context, documentID, chunkKey string, payload []byte) error {
	if m.saveDelay > 0 {
		time.Sleep(m.saveDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	byKey := m.chunks[documentID]
	if byKey == nil {
		byKey = make(map[string][]byte)
		m.chunks[documentID] = byKey
	}
	byKey[chunkKey] = payload
	m.seq++
	return nil
}

func (m *memChunkStore) RemoveChunk(_ context.Context, documentID, chunkKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks[documentID], chunkKey)
	return nil
}

func (m *memChunkStore) count(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[documentID])
}

func raw(value string) json.RawMessage {
	encoded, _ := json.Marshal(value)
	return encoded
}

func newTestParty(chunks *memChunkStore, compactThreshold int) *Party {
	return NewParty(chunks, crdt.LWW{}, 0, compactThreshold)
}

func change(actor, field, value string, clock int64) crdt.ChangeRecord {
	return crdt.ChangeRecord{
		Actor:   actor,
		Entries: map[string]crdt.Entry{field: {Value: raw(value), Clock: clock, Actor: actor}},
	}
}

func TestCreateThenGetReturnsSeed(t *testing.T) {
	party := newTestParty(newMemChunkStore(), 0)
	defer party.Close()
	ctx := context.Background()

	seed := map[string]json.RawMessage{"title": raw("A")}
	created, err := party.CreateDocument(ctx, "doc-1", "owner", seed)
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if string(created["title"]) != `"A"` {
		t.Fatalf("created manifest = %v", created)
	}

	got, err := party.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if string(got["title"]) != `"A"` {
		t.Fatalf("GetDocument() = %v, want seeded manifest", got)
	}
}

func TestEmptySeedSurvivesRestart(t *testing.T) {
	chunks := newMemChunkStore()
	party := newTestParty(chunks, 0)
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	party.Close()

	rebuilt := newTestParty(chunks, 0)
	defer rebuilt.Close()
	got, err := rebuilt.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() after restart error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("GetDocument() = %v, want empty manifest", got)
	}
}

func TestCreateDocumentConflict(t *testing.T) {
	party := newTestParty(newMemChunkStore(), 0)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	_, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("B")})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateDocumentConflictAcrossRestart(t *testing.T) {
	chunks := newMemChunkStore()
	first := newTestParty(chunks, 0)
	ctx := context.Background()
	if _, err := first.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	first.Close()

	// A fresh party over the same store must detect the existing chunks.
	second := newTestParty(chunks, 0)
	defer second.Close()
	_, err := second.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("B")})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	party := newTestParty(newMemChunkStore(), 0)
	defer party.Close()

	_, err := party.GetDocument(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyChangeOnMissingDocument(t *testing.T) {
	chunks := newMemChunkStore()
	party := newTestParty(chunks, 0)
	defer party.Close()

	_, err := party.ApplyChange(context.Background(), "missing", change("x", "title", "B", 2))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if chunks.count("missing") != 0 {
		t.Fatal("ApplyChange must never create a document implicitly")
	}
}

func TestApplyChangeRejectsMalformedRecord(t *testing.T) {
	party := newTestParty(newMemChunkStore(), 0)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	_, err := party.ApplyChange(ctx, "doc-1", crdt.ChangeRecord{})
	if !errors.Is(err, crdt.ErrMalformedChange) {
		t.Fatalf("expected ErrMalformedChange, got %v", err)
	}
}

func TestApplyChangePersistFailureLeavesReplicaUntouched(t *testing.T) {
	chunks := newMemChunkStore()
	party := newTestParty(chunks, 0)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	chunks.mu.Lock()
	chunks.saveErr = &store.BackendError{Op: "save chunk", Err: errors.New("connection reset")}
	chunks.mu.Unlock()

	if _, err := party.ApplyChange(ctx, "doc-1", change("x", "title", "B", 2)); err == nil {
		t.Fatal("expected persist failure to surface")
	}

	got, err := party.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if string(got["title"]) != `"A"` {
		t.Fatalf("replica diverged ahead of durable state: %v", got)
	}
}

func TestConcurrentChangesConverge(t *testing.T) {
	party := newTestParty(newMemChunkStore(), 0)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			field := fmt.Sprintf("field-%d", i)
			if _, err := party.ApplyChange(ctx, "doc-1", change("actor", field, fmt.Sprintf("v%d", i), 2)); err != nil {
				t.Errorf("ApplyChange(%s) error = %v", field, err)
			}
		}(i)
	}

	// Concurrent readers must always see a fully merged state: every
	// field present is complete, never a torn entry.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			manifest, err := party.GetDocument(ctx, "doc-1")
			if err != nil {
				t.Errorf("GetDocument() error = %v", err)
				return
			}
			for field, value := range manifest {
				if len(value) == 0 {
					t.Errorf("torn read: field %q empty", field)
					return
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()

	final, err := party.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if len(final) != writers+1 {
		t.Fatalf("final state has %d fields, want %d", len(final), writers+1)
	}
	for i := 0; i < writers; i++ {
		field := fmt.Sprintf("field-%d", i)
		if string(final[field]) != fmt.Sprintf("%q", fmt.Sprintf("v%d", i)) {
			t.Fatalf("field %s = %s", field, final[field])
		}
	}
}

func TestTwoReplicaScenarioConverges(t *testing.T) {
	// create doc-1 {title: A}, replica X sets title=B, replica Y adds
	// tag=x concurrently; final state is {title: B, tag: x} whichever
	// change lands first.
	for _, order := range [][]crdt.ChangeRecord{
		{change("x", "title", "B", 2), change("y", "tag", "x", 2)},
		{change("y", "tag", "x", 2), change("x", "title", "B", 2)},
	} {
		party := newTestParty(newMemChunkStore(), 0)
		ctx := context.Background()
		if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
			t.Fatalf("CreateDocument() error = %v", err)
		}
		for _, record := range order {
			if _, err := party.ApplyChange(ctx, "doc-1", record); err != nil {
				t.Fatalf("ApplyChange() error = %v", err)
			}
		}
		final, err := party.GetDocument(ctx, "doc-1")
		if err != nil {
			t.Fatalf("GetDocument() error = %v", err)
		}
		if string(final["title"]) != `"B"` || string(final["tag"]) != `"x"` {
			t.Fatalf("converged state = %v, want title B and tag x", final)
		}
		party.Close()
	}
}

func TestCompactionIsTransparent(t *testing.T) {
	chunks := newMemChunkStore()
	party := newTestParty(chunks, 0)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := party.ApplyChange(ctx, "doc-1", change("x", fmt.Sprintf("f%d", i), "v", 2)); err != nil {
			t.Fatalf("ApplyChange() error = %v", err)
		}
	}

	before, err := party.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if chunks.count("doc-1") != 11 {
		t.Fatalf("chunk count before compaction = %d", chunks.count("doc-1"))
	}

	if err := party.Compact(ctx, "doc-1"); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if chunks.count("doc-1") != 1 {
		t.Fatalf("chunk count after compaction = %d, want 1", chunks.count("doc-1"))
	}

	after, err := party.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("compaction changed state: %v vs %v", before, after)
	}
	for field, value := range before {
		if string(after[field]) != string(value) {
			t.Fatalf("field %q changed across compaction: %s vs %s", field, value, after[field])
		}
	}

	// A fresh party rebuilding from the snapshot alone must agree too.
	rebuilt := newTestParty(chunks, 0)
	defer rebuilt.Close()
	fresh, err := rebuilt.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() after reload error = %v", err)
	}
	if string(fresh["title"]) != `"A"` || len(fresh) != len(before) {
		t.Fatalf("rebuilt state = %v", fresh)
	}
}

func TestCompactionLeavesForeignChunksAlone(t *testing.T) {
	chunks := newMemChunkStore()
	party := newTestParty(chunks, 0)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	// A chunk written by another process after this party loaded: it is
	// not in the captured key set and must survive compaction.
	foreign, err := change("z", "extra", "kept", 3).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := chunks.SaveChunk(ctx, "doc-1", "doc-1/incremental/foreign", foreign); err != nil {
		t.Fatalf("SaveChunk() error = %v", err)
	}

	if err := party.Compact(ctx, "doc-1"); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	chunks.mu.Lock()
	_, kept := chunks.chunks["doc-1"]["doc-1/incremental/foreign"]
	chunks.mu.Unlock()
	if !kept {
		t.Fatal("compaction removed a chunk it never read")
	}
}

func TestAutoCompactionAtThreshold(t *testing.T) {
	chunks := newMemChunkStore()
	party := newTestParty(chunks, 4)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	for i := 0; i < 12; i++ {
		if _, err := party.ApplyChange(ctx, "doc-1", change("x", fmt.Sprintf("f%d", i), "v", 2)); err != nil {
			t.Fatalf("ApplyChange() error = %v", err)
		}
	}
	if count := chunks.count("doc-1"); count > 5 {
		t.Fatalf("auto compaction never ran: %d chunks resident", count)
	}

	final, err := party.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if len(final) != 13 {
		t.Fatalf("state lost fields across auto compaction: %d", len(final))
	}
}

func TestFailedLoadIsNotCached(t *testing.T) {
	chunks := newMemChunkStore()
	party := newTestParty(chunks, 0)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	// Fresh party so doc-1 is not resident, with the store failing.
	broken := newTestParty(chunks, 0)
	defer broken.Close()
	chunks.mu.Lock()
	chunks.loadErr = &store.BackendError{Op: "load chunks", Err: errors.New("connection refused")}
	chunks.mu.Unlock()

	if _, err := broken.GetDocument(ctx, "doc-1"); err == nil {
		t.Fatal("expected load failure")
	}
	if broken.ResidentCount() != 0 {
		t.Fatal("broken replica was cached")
	}

	chunks.mu.Lock()
	chunks.loadErr = nil
	chunks.mu.Unlock()

	got, err := broken.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("retry after failed load error = %v", err)
	}
	if string(got["title"]) != `"A"` {
		t.Fatalf("retry returned %v", got)
	}
}

func TestIdleEviction(t *testing.T) {
	chunks := newMemChunkStore()
	party := NewParty(chunks, crdt.LWW{}, 50*time.Millisecond, 0)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if party.ResidentCount() != 1 {
		t.Fatalf("ResidentCount() = %d", party.ResidentCount())
	}

	party.evictIdle(time.Now().Add(time.Second))
	if party.ResidentCount() != 0 {
		t.Fatal("idle replica not evicted")
	}

	// Re-access reloads from chunks.
	got, err := party.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() after eviction error = %v", err)
	}
	if string(got["title"]) != `"A"` {
		t.Fatalf("reloaded state = %v", got)
	}
}

func TestExportChunks(t *testing.T) {
	chunks := newMemChunkStore()
	party := newTestParty(chunks, 0)
	defer party.Close()
	ctx := context.Background()

	if _, err := party.CreateDocument(ctx, "doc-1", "owner", map[string]json.RawMessage{"title": raw("A")}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if _, err := party.ApplyChange(ctx, "doc-1", change("x", "tag", "x", 2)); err != nil {
		t.Fatalf("ApplyChange() error = %v", err)
	}

	exported, err := party.ExportChunks(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ExportChunks() error = %v", err)
	}
	if len(exported) != 2 {
		t.Fatalf("exported %d chunks, want 2", len(exported))
	}
	if !strings.HasPrefix(exported[0].Key, "doc-1/snapshot/") {
		t.Fatalf("expected snapshot first, got %s", exported[0].Key)
	}

	if _, err := party.ExportChunks(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing document, got %v", err)
	}
}
