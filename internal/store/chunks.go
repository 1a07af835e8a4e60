package store

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"
)

const readRetryBackoff = 100 * time.Millisecond

// LoadChunks returns every chunk persisted for a document, ordered by
// (created_at, chunk_key). The order is stable but carries no semantic
// weight: merges are commutative, so replay in this order is just a
// convenient convention. Returns ErrNotFound when no chunks exist.
func (s *PostgresStore) LoadChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	return retryRead(ctx, func(ctx context.Context) ([]Chunk, error) {
		return s.loadChunks(ctx, documentID)
	})
}

func (s *PostgresStore) loadChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, chunk_key, payload, created_at
		FROM document_chunks
		WHERE document_id=$1
		ORDER BY created_at ASC, chunk_key ASC
	`, documentID)
	if err != nil {
		return nil, wrapBackend("load chunks", err)
	}
	defer rows.Close()

	items := make([]Chunk, 0)
	for rows.Next() {
		var item Chunk
		if err := rows.Scan(&item.DocumentID, &item.Key, &item.Payload, &item.CreatedAt); err != nil {
			return nil, wrapBackend("scan chunk", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend("iterate chunks", err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items, nil
}

// LoadChunkRange returns every chunk whose key starts with the given
// prefix, across documents. Used by bulk compaction and export sweeps;
// an empty result is not an error.
func (s *PostgresStore) LoadChunkRange(ctx context.Context, keyPrefix string) ([]Chunk, error) {
	return retryRead(ctx, func(ctx context.Context) ([]Chunk, error) {
		return s.loadChunkRange(ctx, keyPrefix)
	})
}

func (s *PostgresStore) loadChunkRange(ctx context.Context, keyPrefix string) ([]Chunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, chunk_key, payload, created_at
		FROM document_chunks
		WHERE chunk_key LIKE $1 || '%' ESCAPE '\'
		ORDER BY document_id ASC, created_at ASC, chunk_key ASC
	`, escapeLike(keyPrefix))
	if err != nil {
		return nil, wrapBackend("load chunk range", err)
	}
	defer rows.Close()

	items := make([]Chunk, 0)
	for rows.Next() {
		var item Chunk
		if err := rows.Scan(&item.DocumentID, &item.Key, &item.Payload, &item.CreatedAt); err != nil {
			return nil, wrapBackend("scan chunk", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend("iterate chunk range", err)
	}
	return items, nil
}

// SaveChunk persists one chunk. Saving the same (document, key) twice with
// an identical payload is a no-op; the same key with a different payload
// is ErrConflict, since chunks are immutable once written. Writes are
// never retried here: idempotency lives in the chunk key, and a blind
// retry could mask a real duplicate.
func (s *PostgresStore) SaveChunk(ctx context.Context, documentID, chunkKey string, payload []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO document_chunks (document_id, chunk_key, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, chunk_key) DO NOTHING
	`, documentID, chunkKey, payload)
	if err != nil {
		return wrapBackend("save chunk", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapBackend("save chunk rows", err)
	}
	if affected > 0 {
		return nil
	}

	var existing []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT payload FROM document_chunks WHERE document_id=$1 AND chunk_key=$2
	`, documentID, chunkKey).Scan(&existing)
	if err != nil {
		return wrapBackend("reread chunk", err)
	}
	if !bytes.Equal(existing, payload) {
		return ErrConflict
	}
	return nil
}

// RemoveChunk deletes one chunk. Only compaction calls this; ordinary
// writers only ever add chunks.
func (s *PostgresStore) RemoveChunk(ctx context.Context, documentID, chunkKey string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM document_chunks WHERE document_id=$1 AND chunk_key=$2
	`, documentID, chunkKey); err != nil {
		return wrapBackend("remove chunk", err)
	}
	return nil
}

func (s *PostgresStore) ChunkCount(ctx context.Context, documentID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_chunks WHERE document_id=$1
	`, documentID).Scan(&count)
	if err != nil {
		return 0, wrapBackend("count chunks", err)
	}
	return count, nil
}

// retryRead runs an idempotent read, retrying once after a short backoff
// when the failure looks transient. Writes never go through here:
// idempotency for them lives in the chunk key.
func retryRead(ctx context.Context, fn func(context.Context) ([]Chunk, error)) ([]Chunk, error) {
	items, err := fn(ctx)
	if err == nil || !IsRetryable(err) {
		return items, err
	}
	select {
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-time.After(readRetryBackoff):
	}
	return fn(ctx)
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// escapeLike quotes LIKE metacharacters so a key prefix matches
// literally. Generated document IDs contain underscores, which LIKE
// would otherwise treat as single-character wildcards.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func wrapBackend(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return backendErr(op, err)
}
