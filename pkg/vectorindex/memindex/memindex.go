// Package memindex is an in-memory vectorindex.Index used by tests and
// by local development without a running Qdrant instance.
package memindex

import (
	"context"
	"sort"
	"sync"

	"github.com/echoman-project/echoman/pkg/textutil"
	"github.com/echoman-project/echoman/pkg/vectorindex"
)

// Index is a mutex-guarded map-backed vectorindex.Index computing true
// cosine similarity over stored vectors.
type Index struct {
	mu     sync.RWMutex
	points map[string]vectorindex.Point
}

// New returns an empty Index.
func New() *Index {
	return &Index{points: make(map[string]vectorindex.Point)}
}

func (idx *Index) Upsert(_ context.Context, points []vectorindex.Point) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, p := range points {
		idx.points[p.ID] = p
	}
	return nil
}

func (idx *Index) Query(_ context.Context, vector []float64, topK int, where vectorindex.Where) ([]vectorindex.Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matches := make([]vectorindex.Match, 0, len(idx.points))
	for _, p := range idx.points {
		if where.ObjectType != "" {
			ot, _ := p.Payload["object_type"].(string)
			if ot != where.ObjectType {
				continue
			}
		}
		matches = append(matches, vectorindex.Match{
			Point: p,
			Score: textutil.CosineSimilarity(vector, p.Vector),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if topK >= 0 && topK < len(matches) {
		matches = matches[:topK]
	}
	return matches, nil
}

func (idx *Index) Delete(_ context.Context, ids []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range ids {
		delete(idx.points, id)
	}
	return nil
}
