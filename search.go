package opal

import (
	"context"
	"time"

	"github.com/opalstore/opal/index"
	"github.com/opalstore/opal/manifest"
)

// VectorMatch pairs a manifest with its similarity score.
type VectorMatch struct {
	Manifest *manifest.Manifest
	Score    float32
}

// SearchByText returns up to limit manifests whose content summary or tag
// keys contain the query substring, case-insensitively.
func (s *Store) SearchByText(ctx context.Context, query string, limit int) ([]*manifest.Manifest, error) {
	start := time.Now()
	if s.closed.Load() {
		err := ErrStoreClosed
		s.metrics.RecordSearch("text", time.Since(start), err)
		return nil, err
	}
	out := s.idx.Search(query, limit)
	s.metrics.RecordSearch("text", time.Since(start), nil)
	s.logger.LogSearch(ctx, "text", len(out), nil)
	return out, nil
}

// SearchByVector returns up to limit manifests whose embedding is similar to
// the query vector, best first. Blocks until embedding hydration completes.
func (s *Store) SearchByVector(ctx context.Context, query []float32, limit int) ([]VectorMatch, error) {
	start := time.Now()
	matches, err := s.searchByVector(ctx, query, limit)
	err = translateError(err)
	s.metrics.RecordSearch("vector", time.Since(start), err)
	s.logger.LogSearch(ctx, "vector", len(matches), err)
	return matches, err
}

func (s *Store) searchByVector(ctx context.Context, query []float32, limit int) ([]VectorMatch, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	results, err := s.vectors.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	matches := make([]VectorMatch, 0, len(results))
	for _, r := range results {
		if m, ok := s.idx.Get(r.Key); ok {
			matches = append(matches, VectorMatch{Manifest: m, Score: r.Score})
		}
	}
	return matches, nil
}

// SearchByTextAndVector intersects a vector similarity search with a text
// substring search: only similar objects that also match the text survive,
// ordered by similarity. An empty vector falls back to text search alone.
func (s *Store) SearchByTextAndVector(ctx context.Context, query string, vector []float32, limit int) ([]VectorMatch, error) {
	start := time.Now()
	matches, err := s.searchByTextAndVector(ctx, query, vector, limit)
	err = translateError(err)
	s.metrics.RecordSearch("hybrid", time.Since(start), err)
	s.logger.LogSearch(ctx, "hybrid", len(matches), err)
	return matches, err
}

func (s *Store) searchByTextAndVector(ctx context.Context, query string, vector []float32, limit int) ([]VectorMatch, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	// Without a vector this degrades to plain text search, scored zero.
	if len(vector) == 0 {
		var out []VectorMatch
		for _, m := range s.idx.Search(query, limit) {
			out = append(out, VectorMatch{Manifest: m})
		}
		return out, nil
	}

	// Unbounded vector pass, then filter by text and cut to limit.
	similar, err := s.searchByVector(ctx, vector, 0)
	if err != nil {
		return nil, err
	}

	textMatches := make(map[string]struct{})
	for _, m := range s.idx.Search(query, 0) {
		textMatches[m.Bucket()+"/"+m.Key()] = struct{}{}
	}

	var out []VectorMatch
	for _, vm := range similar {
		if _, ok := textMatches[vm.Manifest.Bucket()+"/"+vm.Manifest.Key()]; !ok {
			continue
		}
		out = append(out, vm)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ExecuteCompositeQuery evaluates a structured filter query against all
// manifests and returns up to limit matches.
func (s *Store) ExecuteCompositeQuery(ctx context.Context, q index.Composite, limit int) ([]*manifest.Manifest, error) {
	start := time.Now()
	if s.closed.Load() {
		err := ErrStoreClosed
		s.metrics.RecordSearch("composite", time.Since(start), err)
		return nil, err
	}
	out := s.idx.ExecuteQuery(q, limit)
	s.metrics.RecordSearch("composite", time.Since(start), nil)
	s.logger.LogSearch(ctx, "composite", len(out), nil)
	return out, nil
}

// ExecuteSimpleQuery parses a single "field op value" expression and runs it.
// Supported operators: ==, !=, CONTAINS, >, <.
func (s *Store) ExecuteSimpleQuery(ctx context.Context, expr string, limit int) ([]*manifest.Manifest, error) {
	f, err := index.ParseSimpleQuery(expr)
	if err != nil {
		return nil, err
	}
	return s.ExecuteCompositeQuery(ctx, index.Composite{Mode: index.ModeAnd, Filters: []index.Filter{f}}, limit)
}
