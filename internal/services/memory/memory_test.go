package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plugbox/internal/services"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreMemory(ctx, "notes", "The deploy runs every Friday", "fact", map[string]string{"source": "chat"})
	require.NoError(t, err)
	_, err = s.StoreMemory(ctx, "notes", "Friday lunch is pizza", "fact", nil)
	require.NoError(t, err)
	_, err = s.StoreMemory(ctx, "notes", "Unrelated entry", "fact", nil)
	require.NoError(t, err)

	results, err := s.SearchMemory(ctx, "deploy friday", services.SearchOptions{Namespace: "notes"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "The deploy runs every Friday", results[0].Content)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, "chat", results[0].Metadata["source"])
	assert.Equal(t, 0.5, results[1].Score)
}

func TestSearchIsNamespaced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreMemory(ctx, "plugin-a", "secret token", "", nil)
	require.NoError(t, err)

	results, err := s.SearchMemory(ctx, "secret", services.SearchOptions{Namespace: "plugin-b"})
	require.NoError(t, err)
	assert.Empty(t, results)

	n, err := s.Count(ctx, "plugin-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSearchLimitAndType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.StoreMemory(ctx, "ns", "alpha beta", "a", nil)
		require.NoError(t, err)
	}
	_, err := s.StoreMemory(ctx, "ns", "alpha", "b", nil)
	require.NoError(t, err)

	results, err := s.SearchMemory(ctx, "alpha", services.SearchOptions{Namespace: "ns", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)

	results, err = s.SearchMemory(ctx, "alpha", services.SearchOptions{Namespace: "ns", Type: "b"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].Type)
}

func TestInvalidInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreMemory(ctx, "ns", "   ", "", nil)
	assert.ErrorIs(t, err, services.ErrInvalidRequest)

	_, err = s.SearchMemory(ctx, "!!", services.SearchOptions{Namespace: "ns"})
	assert.ErrorIs(t, err, services.ErrInvalidRequest)
}
