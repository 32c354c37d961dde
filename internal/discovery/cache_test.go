package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetThenGetReturnsSameResult(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	result := &Result{Status: StatusCompleted, ToolCount: 3}

	require.NoError(t, cache.Set(ctx, "tok-1", result, time.Minute))

	got, err := cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, result.ToolCount, got.ToolCount)
}

func TestMemoryCache_MissingKeyReturnsNilNoError(t *testing.T) {
	got, err := NewMemoryCache().Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMemoryCache_ExpiredEntryIsEvicted(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	require.NoError(t, cache.Set(ctx, "tok-1", &Result{Status: StatusCompleted}, time.Millisecond))

	time.Sleep(5 * time.Millisecond)
	got, err := cache.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

// TestMemoryCache_SetIsIdempotentProperty verifies that repeated Set calls
// with the same key and result always leave the cache in the same observed
// state, regardless of how many times Set is replayed — the property
// underlying the workflow's "idempotent via a cache token" contract.
func TestMemoryCache_SetIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated Set with identical inputs is idempotent", prop.ForAll(
		func(key string, toolCount int, repeats int) bool {
			if repeats < 1 {
				repeats = 1
			}
			if repeats > 20 {
				repeats = 20
			}
			ctx := context.Background()
			cache := NewMemoryCache()
			result := &Result{Status: StatusCompleted, ToolCount: toolCount}

			for i := 0; i < repeats; i++ {
				if err := cache.Set(ctx, key, result, time.Minute); err != nil {
					return false
				}
			}

			got, err := cache.Get(ctx, key)
			if err != nil || got == nil {
				return false
			}
			return got.ToolCount == toolCount && got.Status == StatusCompleted
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.IntRange(0, 500),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
