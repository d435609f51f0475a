package paginate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletio/inlet/pkg/errors"
)

func page(n, size int) []map[string]interface{} {
	out := make([]map[string]interface{}, size)
	for i := range out {
		out[i] = map[string]interface{}{"id": fmt.Sprintf("p%d-r%d", n, i)}
	}
	return out
}

func TestAggregateDrainsCursor(t *testing.T) {
	calls := 0
	records, err := Aggregate(context.Background(), func(_ context.Context, cursor string) ([]map[string]interface{}, string, error) {
		calls++
		switch cursor {
		case "":
			return page(1, 3), "c2", nil
		case "c2":
			return page(2, 3), "c3", nil
		case "c3":
			return page(3, 1), "", nil
		default:
			t.Fatalf("unexpected cursor %q", cursor)
			return nil, "", nil
		}
	}, Options{})

	require.NoError(t, err)
	assert.Len(t, records, 7)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "p1-r0", records[0]["id"])
	assert.Equal(t, "p3-r0", records[6]["id"])
}

func TestAggregateMaxPages(t *testing.T) {
	records, err := Aggregate(context.Background(), func(_ context.Context, _ string) ([]map[string]interface{}, string, error) {
		// Cursor never exhausts.
		return page(1, 1), "again", nil
	}, Options{MaxPages: 5})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePagination))
	assert.Len(t, records, 5)
}

func TestAggregateMaxRecords(t *testing.T) {
	records, err := Aggregate(context.Background(), func(_ context.Context, _ string) ([]map[string]interface{}, string, error) {
		return page(1, 4), "more", nil
	}, Options{MaxRecords: 10})

	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestAggregateReturnsPartialOnError(t *testing.T) {
	boom := fmt.Errorf("http 500")
	records, err := Aggregate(context.Background(), func(_ context.Context, cursor string) ([]map[string]interface{}, string, error) {
		if cursor == "" {
			return page(1, 2), "c2", nil
		}
		return nil, "", boom
	}, Options{})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePagination))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, records, 2, "records fetched before the failure survive")
}

func TestAggregateCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	records, err := Aggregate(ctx, func(_ context.Context, _ string) ([]map[string]interface{}, string, error) {
		cancel()
		return page(1, 1), "next", nil
	}, Options{})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePagination))
	assert.Len(t, records, 1)
}
