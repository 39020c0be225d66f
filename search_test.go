package opal

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opalstore/opal/index"
	"github.com/opalstore/opal/manifest"
)

func seedSearchStore(t *testing.T) *Store {
	t.Helper()
	s, _ := newTestStore(t)
	ctx := context.Background()

	type object struct {
		key       string
		payload   string
		summary   string
		tags      map[string]string
		embedding []float32
	}

	objects := []object{
		{"invoice-q1", "q1 numbers", "quarterly invoice january", map[string]string{"department": "finance"}, []float32{1, 0, 0}},
		{"invoice-q2", "q2 numbers", "quarterly invoice april", map[string]string{"department": "finance"}, []float32{0.9, 0.1, 0}},
		{"holiday-pic", "jpeg bytes here", "beach photo", map[string]string{"department": "hr"}, []float32{0, 1, 0}},
	}

	for _, o := range objects {
		_, err := s.StoreObject(ctx, "docs", o.key, strings.NewReader(o.payload), manifest.StorageIntent{},
			WithMetadataOverride(manifest.MetadataOverride{ContentSummary: o.summary, Tags: o.tags}),
			WithEmbedding(o.embedding))
		require.NoError(t, err)
	}
	return s
}

func TestSearchByText(t *testing.T) {
	s := seedSearchStore(t)
	ctx := context.Background()

	got, err := s.SearchByText(ctx, "invoice", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.SearchByText(ctx, "BEACH", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "holiday-pic", got[0].Key())

	got, err = s.SearchByText(ctx, "absent", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchByVector(t *testing.T) {
	s := seedSearchStore(t)

	got, err := s.SearchByVector(context.Background(), []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "orthogonal embedding is below threshold")

	assert.Equal(t, "invoice-q1", got[0].Manifest.Key())
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.Equal(t, "invoice-q2", got[1].Manifest.Key())
}

func TestSearchByTextAndVector(t *testing.T) {
	s := seedSearchStore(t)
	ctx := context.Background()

	// Both invoices are similar to the query, but only january matches.
	got, err := s.SearchByTextAndVector(ctx, "january", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "invoice-q1", got[0].Manifest.Key())

	got, err = s.SearchByTextAndVector(ctx, "invoice", []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "invoice-q1", got[0].Manifest.Key(), "limit keeps the most similar")

	got, err = s.SearchByTextAndVector(ctx, "invoice", nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "without a vector every text match survives")
	for _, m := range got {
		assert.Zero(t, m.Score)
	}
}

func TestExecuteCompositeQuery(t *testing.T) {
	s := seedSearchStore(t)
	ctx := context.Background()

	got, err := s.ExecuteCompositeQuery(ctx, index.Composite{
		Mode: index.ModeAnd,
		Filters: []index.Filter{
			{Field: "Tags.department", Op: index.OpEqual, Value: "finance"},
			{Field: "Tags.key", Op: index.OpContains, Value: "q2"},
		},
	}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "invoice-q2", got[0].Key())
}

func TestExecuteSimpleQuery(t *testing.T) {
	s := seedSearchStore(t)
	ctx := context.Background()

	got, err := s.ExecuteSimpleQuery(ctx, "Tags.department == hr", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "holiday-pic", got[0].Key())

	_, err = s.ExecuteSimpleQuery(ctx, "garbage", 0)
	assert.Error(t, err)
}
