// Package httpindex implements vectorindex.Index over a Qdrant-shaped
// REST API: plain HTTP/JSON against /collections/{name}/points, needing
// no generated client (grounded on the vector-store survey in the RAG
// reference material, which names Qdrant as the no-codegen option
// among Qdrant/Pinecone/Milvus/pgvector).
package httpindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/echoman-project/echoman/pkg/vectorindex"
)

// Index is an HTTP-backed vectorindex.Index.
type Index struct {
	baseURL    string
	collection string
	apiKey     string
	client     *http.Client
}

// New returns an Index talking to baseURL's REST API for the named
// collection.
func New(baseURL, collection, apiKey string, client *http.Client) *Index {
	if client == nil {
		client = http.DefaultClient
	}
	return &Index{baseURL: baseURL, collection: collection, apiKey: apiKey, client: client}
}

type upsertRequest struct {
	Points []wirePoint `json:"points"`
}

type wirePoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (idx *Index) Upsert(ctx context.Context, points []vectorindex.Point) error {
	if len(points) == 0 {
		return nil
	}
	wire := make([]wirePoint, len(points))
	for i, p := range points {
		wire[i] = wirePoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}

	return withRetry(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(upsertRequest{Points: wire})
		if err != nil {
			return fmt.Errorf("httpindex: encode upsert: %w", err)
		}
		url := fmt.Sprintf("%s/collections/%s/points", idx.baseURL, idx.collection)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		idx.setHeaders(req)
		resp, err := idx.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("httpindex: upsert returned status %d", resp.StatusCode)
		}
		return nil
	})
}

type searchRequest struct {
	Vector      []float64     `json:"vector"`
	Limit       int           `json:"limit"`
	Filter      *searchFilter `json:"filter,omitempty"`
	WithPayload bool          `json:"with_payload"`
	WithVector  bool          `json:"with_vector"`
}

// searchFilter is Qdrant's must/match filter shape, used here to narrow
// candidate recall to one object_type (spec.md §4.3/§4.6).
type searchFilter struct {
	Must []searchFilterCondition `json:"must"`
}

type searchFilterCondition struct {
	Key   string               `json:"key"`
	Match searchFilterMatchAny `json:"match"`
}

type searchFilterMatchAny struct {
	Value string `json:"value"`
}

type searchResponse struct {
	Result []struct {
		ID      string         `json:"id"`
		Score   float64        `json:"score"`
		Vector  []float64      `json:"vector"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

func (idx *Index) Query(ctx context.Context, vector []float64, topK int, where vectorindex.Where) ([]vectorindex.Match, error) {
	var matches []vectorindex.Match
	req := searchRequest{Vector: vector, Limit: topK, WithPayload: true, WithVector: true}
	if where.ObjectType != "" {
		req.Filter = &searchFilter{Must: []searchFilterCondition{
			{Key: "object_type", Match: searchFilterMatchAny{Value: where.ObjectType}},
		}}
	}
	err := withRetry(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("httpindex: encode search: %w", err)
		}
		url := fmt.Sprintf("%s/collections/%s/points/search", idx.baseURL, idx.collection)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		idx.setHeaders(req)
		resp, err := idx.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("httpindex: search returned status %d", resp.StatusCode)
		}
		var out searchResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("httpindex: decode search response: %w", err)
		}
		matches = make([]vectorindex.Match, len(out.Result))
		for i, r := range out.Result {
			matches[i] = vectorindex.Match{
				Point: vectorindex.Point{ID: r.ID, Vector: r.Vector, Payload: r.Payload},
				Score: r.Score,
			}
		}
		return nil
	})
	return matches, err
}

type deleteRequest struct {
	Points []string `json:"points"`
}

func (idx *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(deleteRequest{Points: ids})
		if err != nil {
			return fmt.Errorf("httpindex: encode delete: %w", err)
		}
		url := fmt.Sprintf("%s/collections/%s/points/delete", idx.baseURL, idx.collection)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		idx.setHeaders(req)
		resp, err := idx.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("httpindex: delete returned status %d", resp.StatusCode)
		}
		return nil
	})
}

func (idx *Index) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if idx.apiKey != "" {
		req.Header.Set("api-key", idx.apiKey)
	}
}
