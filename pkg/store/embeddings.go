package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/echoman-project/echoman/pkg/models"
)

// EmbeddingStore keeps provenance metadata for every vector pushed to
// the external Vector Index (spec.md §4.3). The vector itself lives
// only in the index; this table lets a lookup go item/topic -> vector
// ID without a round trip to the index.
type EmbeddingStore struct {
	db dbtx
}

func NewEmbeddingStore(db *sql.DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

func (s *EmbeddingStore) WithTx(tx *sql.Tx) *EmbeddingStore {
	return &EmbeddingStore{db: tx}
}

func (s *EmbeddingStore) Upsert(ctx context.Context, e models.Embedding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (embedding_id, object_type, object_id, provider, model, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (object_type, object_id)
		DO UPDATE SET embedding_id = EXCLUDED.embedding_id, provider = EXCLUDED.provider,
		              model = EXCLUDED.model, created_at = now()
	`, e.EmbeddingID, e.ObjectType, e.ObjectID, e.Provider, e.Model)
	if err != nil {
		return fmt.Errorf("store: upsert embedding: %w", err)
	}
	return nil
}

func (s *EmbeddingStore) Get(ctx context.Context, objectType models.EmbeddingObjectKind, objectID string) (models.Embedding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT embedding_id, object_type, object_id, provider, model, created_at
		FROM embeddings WHERE object_type = $1 AND object_id = $2
	`, objectType, objectID)

	var e models.Embedding
	err := row.Scan(&e.EmbeddingID, &e.ObjectType, &e.ObjectID, &e.Provider, &e.Model, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Embedding{}, ErrNotFound
	}
	return e, err
}

// Delete removes an embedding's bookkeeping row, paired with a Delete
// call against the vector index itself.
func (s *EmbeddingStore) Delete(ctx context.Context, objectType models.EmbeddingObjectKind, objectID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM embeddings WHERE object_type = $1 AND object_id = $2
	`, objectType, objectID)
	if err != nil {
		return fmt.Errorf("store: delete embedding: %w", err)
	}
	return nil
}

// ListByObjectType returns every embedding of a kind, the fallback
// candidate source when the vector index itself is unavailable.
func (s *EmbeddingStore) ListByObjectType(ctx context.Context, objectType models.EmbeddingObjectKind) ([]models.Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT embedding_id, object_type, object_id, provider, model, created_at
		FROM embeddings WHERE object_type = $1
	`, objectType)
	if err != nil {
		return nil, fmt.Errorf("store: list embeddings: %w", err)
	}
	defer rows.Close()

	var out []models.Embedding
	for rows.Next() {
		var e models.Embedding
		if err := rows.Scan(&e.EmbeddingID, &e.ObjectType, &e.ObjectID, &e.Provider, &e.Model, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
