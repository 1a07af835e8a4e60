// Package collab holds the synchronization engine: live in-memory
// replicas of open documents, merged from and persisted to the chunk
// store, and served to callers that already passed the access gate.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lattice/api/internal/crdt"
	"lattice/api/internal/store"
	"lattice/api/internal/util"
)

const (
	chunkKindIncremental = "incremental"
	chunkKindSnapshot    = "snapshot"

	minSweepInterval = time.Second
)

type chunkStore interface {
	LoadChunks(ctx context.Context, documentID string) ([]store.Chunk, error)
	LoadChunkRange(ctx context.Context, keyPrefix string) ([]store.Chunk, error)
	SaveChunk(ctx context.Context, documentID, chunkKey string, payload []byte) error
	RemoveChunk(ctx context.Context, documentID, chunkKey string) error
}

// Party owns the handle-to-replica registry. Mutations on one handle are
// serialized by the replica's own lock; the registry lock only covers map
// insertion and eviction.
type Party struct {
	store            chunkStore
	merger           crdt.Merger
	idleTTL          time.Duration
	compactThreshold int

	mu       sync.Mutex
	replicas map[string]*replica

	done chan struct{}
	once sync.Once
}

type replica struct {
	// mu serializes loading, mutation, and compaction for one handle.
	// It is never held across a merge publication read.
	mu      sync.Mutex
	evicted bool

	// stateMu guards the published materialized state so reads proceed
	// concurrently and only ever see a fully merged state.
	stateMu sync.RWMutex
	loaded  bool
	state   crdt.State

	// chunkKeys tracks the durable chunk set this party knows about for
	// the handle; compaction removes exactly the keys captured here.
	chunkKeys map[string]struct{}

	lastAccess atomic.Int64
}

func NewParty(chunkStore chunkStore, merger crdt.Merger, idleTTL time.Duration, compactThreshold int) *Party {
	p := &Party{
		store:            chunkStore,
		merger:           merger,
		idleTTL:          idleTTL,
		compactThreshold: compactThreshold,
		replicas:         make(map[string]*replica),
		done:             make(chan struct{}),
	}
	if idleTTL > 0 {
		go p.sweep()
	}
	return p
}

// Close stops the eviction sweeper. Resident replicas are simply dropped:
// everything they held is already durable.
func (p *Party) Close() {
	p.once.Do(func() { close(p.done) })
}

// GetDocument returns the materialized manifest for a document, loading
// its chunks on first access. It never mutates durable state.
func (p *Party) GetDocument(ctx context.Context, documentID string) (map[string]json.RawMessage, error) {
	p.mu.Lock()
	r, ok := p.replicas[documentID]
	p.mu.Unlock()
	if ok {
		if manifest, resident := r.published(); resident {
			r.touch()
			return manifest, nil
		}
	}

	r = p.lockedReplica(documentID)
	defer r.mu.Unlock()

	state, err := p.ensureLoaded(ctx, documentID, r)
	if err != nil {
		return nil, err
	}
	return state.Materialize(), nil
}

// CreateDocument seeds a new document with an initial manifest and
// persists the seed as its first chunk. ErrConflict when chunks already
// exist for the handle.
func (p *Party) CreateDocument(ctx context.Context, documentID, actor string, manifest map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	r := p.lockedReplica(documentID)
	defer r.mu.Unlock()

	if r.isLoaded() {
		return nil, store.ErrConflict
	}
	_, err := p.store.LoadChunks(ctx, documentID)
	if err == nil {
		return nil, store.ErrConflict
	}
	if !errors.Is(err, store.ErrNotFound) {
		p.discardUnloaded(documentID, r)
		return nil, err
	}

	seed := crdt.FromManifest(actor, 1, manifest)
	payload, err := seed.Encode()
	if err != nil {
		p.discardUnloaded(documentID, r)
		return nil, err
	}
	key := newChunkKey(documentID, chunkKindSnapshot)
	if err := p.store.SaveChunk(ctx, documentID, key, payload); err != nil {
		p.discardUnloaded(documentID, r)
		return nil, err
	}

	state := p.merger.Merge(crdt.State{}, seed)
	r.chunkKeys = map[string]struct{}{key: {}}
	r.publish(state)
	r.touch()
	return state.Materialize(), nil
}

// ApplyChange merges one change record into the document. The chunk is
// persisted before the in-memory replica is updated, so memory never runs
// ahead of durable state; on persist failure the replica is untouched.
func (p *Party) ApplyChange(ctx context.Context, documentID string, record crdt.ChangeRecord) (map[string]json.RawMessage, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}

	r := p.lockedReplica(documentID)
	defer r.mu.Unlock()

	state, err := p.ensureLoaded(ctx, documentID, r)
	if err != nil {
		return nil, err
	}

	payload, err := record.Encode()
	if err != nil {
		return nil, err
	}
	key := newChunkKey(documentID, chunkKindIncremental)
	if err := p.store.SaveChunk(ctx, documentID, key, payload); err != nil {
		return nil, err
	}

	next := p.merger.Merge(state, record)
	r.chunkKeys[key] = struct{}{}
	r.publish(next)
	r.touch()

	if p.compactThreshold > 0 && len(r.chunkKeys) > p.compactThreshold {
		// Best effort: a failed compaction leaves extra chunks behind,
		// which the next threshold crossing retries.
		_ = p.compactLocked(ctx, documentID, r)
	}
	return next.Materialize(), nil
}

// Compact folds the document's current chunk set into one snapshot chunk
// and removes the superseded chunks. Safe under concurrent writes from
// other processes: only the chunk keys captured before the snapshot was
// written are removed.
func (p *Party) Compact(ctx context.Context, documentID string) error {
	r := p.lockedReplica(documentID)
	defer r.mu.Unlock()

	if _, err := p.ensureLoaded(ctx, documentID, r); err != nil {
		return err
	}
	return p.compactLocked(ctx, documentID, r)
}

func (p *Party) compactLocked(ctx context.Context, documentID string, r *replica) error {
	superseded := make([]string, 0, len(r.chunkKeys))
	for key := range r.chunkKeys {
		superseded = append(superseded, key)
	}

	snapshot := p.merger.Snapshot(r.currentState())
	payload, err := snapshot.Encode()
	if err != nil {
		return err
	}
	snapshotKey := newChunkKey(documentID, chunkKindSnapshot)
	if err := p.store.SaveChunk(ctx, documentID, snapshotKey, payload); err != nil {
		return err
	}

	r.chunkKeys[snapshotKey] = struct{}{}
	for _, key := range superseded {
		if err := p.store.RemoveChunk(ctx, documentID, key); err != nil {
			return err
		}
		delete(r.chunkKeys, key)
	}
	return nil
}

// ExportChunks returns the raw chunk set for a document, snapshots first.
// Bulk consumers (migration, offline export) read through this rather
// than the registry so they see durable state only.
func (p *Party) ExportChunks(ctx context.Context, documentID string) ([]store.Chunk, error) {
	snapshots, err := p.store.LoadChunkRange(ctx, documentID+"/"+chunkKindSnapshot+"/")
	if err != nil {
		return nil, err
	}
	incremental, err := p.store.LoadChunkRange(ctx, documentID+"/"+chunkKindIncremental+"/")
	if err != nil {
		return nil, err
	}
	chunks := append(snapshots, incremental...)
	if len(chunks) == 0 {
		return nil, store.ErrNotFound
	}
	return chunks, nil
}

// lockedReplica returns the registry entry for a handle with its lock
// held. Entries marked evicted between fetch and lock are retried so two
// callers can never mutate the same handle through different entries.
func (p *Party) lockedReplica(documentID string) *replica {
	for {
		p.mu.Lock()
		r, ok := p.replicas[documentID]
		if !ok {
			r = &replica{chunkKeys: make(map[string]struct{})}
			p.replicas[documentID] = r
		}
		p.mu.Unlock()

		r.mu.Lock()
		if r.evicted {
			r.mu.Unlock()
			continue
		}
		return r
	}
}

// ensureLoaded rehydrates the replica from the chunk store if needed.
// Callers hold r.mu. A failed load is not cached: the entry is discarded
// so the next access retries loading.
func (p *Party) ensureLoaded(ctx context.Context, documentID string, r *replica) (crdt.State, error) {
	if r.isLoaded() {
		r.touch()
		return r.currentState(), nil
	}

	chunks, err := p.store.LoadChunks(ctx, documentID)
	if err != nil {
		p.discardUnloaded(documentID, r)
		return nil, err
	}

	state := crdt.State{}
	keys := make(map[string]struct{}, len(chunks))
	for _, chunk := range chunks {
		record, err := crdt.DecodeChunk(chunk.Payload)
		if err != nil {
			p.discardUnloaded(documentID, r)
			return nil, err
		}
		state = p.merger.Merge(state, record)
		keys[chunk.Key] = struct{}{}
	}

	r.chunkKeys = keys
	r.publish(state)
	r.touch()
	return state, nil
}

// discardUnloaded drops a registry entry that never reached Resident so a
// broken replica is not cached. Callers hold r.mu.
func (p *Party) discardUnloaded(documentID string, r *replica) {
	if r.isLoaded() {
		return
	}
	r.evicted = true
	p.mu.Lock()
	if current, ok := p.replicas[documentID]; ok && current == r {
		delete(p.replicas, documentID)
	}
	p.mu.Unlock()
}

func (p *Party) sweep() {
	interval := p.idleTTL / 4
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictIdle(time.Now())
		}
	}
}

func (p *Party) evictIdle(now time.Time) {
	cutoff := now.Add(-p.idleTTL).UnixNano()
	p.mu.Lock()
	defer p.mu.Unlock()
	for documentID, r := range p.replicas {
		// A replica under mutation stays resident for this round.
		if !r.mu.TryLock() {
			continue
		}
		if r.lastAccess.Load() < cutoff {
			r.evicted = true
			r.dropState()
			delete(p.replicas, documentID)
		}
		r.mu.Unlock()
	}
}

// ResidentCount reports how many replicas are currently in memory.
func (p *Party) ResidentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.replicas)
}

func (r *replica) published() (map[string]json.RawMessage, bool) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	if !r.loaded {
		return nil, false
	}
	return r.state.Materialize(), true
}

func (r *replica) publish(state crdt.State) {
	r.stateMu.Lock()
	r.state = state
	r.loaded = true
	r.stateMu.Unlock()
}

func (r *replica) dropState() {
	r.stateMu.Lock()
	r.state = nil
	r.loaded = false
	r.stateMu.Unlock()
}

func (r *replica) isLoaded() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.loaded
}

func (r *replica) currentState() crdt.State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *replica) touch() {
	r.lastAccess.Store(time.Now().UnixNano())
}

func newChunkKey(documentID, kind string) string {
	return documentID + "/" + kind + "/" + util.NewID("")
}
