package sheets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/inletio/inlet/pkg/config"
	"github.com/inletio/inlet/pkg/errors"
)

var testRateLimit = config.RateLimitConfig{MinInterval: time.Millisecond}

func TestNew(t *testing.T) {
	t.Run("spreadsheet_id is required", func(t *testing.T) {
		_, err := New(config.Credentials{"access_token": "t"}, testRateLimit)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("zero rate limit config takes the quota default", func(t *testing.T) {
		conn, err := New(config.Credentials{
			"access_token": "t", "spreadsheet_id": "sheet-1",
		}, config.RateLimitConfig{})
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		stats := conn.(*Connector).LimiterStats()
		assert.Equal(t, DefaultRateLimit.MinInterval, stats.MinInterval)
		assert.Equal(t, DefaultRateLimit.RequestBudget, stats.WindowBudget)
	})
}

func TestAuthenticateWithoutCredentials(t *testing.T) {
	conn, err := New(config.Credentials{"spreadsheet_id": "sheet-1"}, testRateLimit)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	err = conn.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestFetchDataBeforeAuthenticate(t *testing.T) {
	conn, err := New(config.Credentials{
		"access_token": "t", "spreadsheet_id": "sheet-1",
	}, testRateLimit)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	result, err := conn.FetchData(context.Background(), config.Object("Sheet1"), config.QueryParams{})
	require.NoError(t, err, "a missing service is reported through Errors")
	assert.True(t, result.Empty())
	require.Len(t, result.Errors, 1)
	assert.True(t, errors.IsType(result.Errors[0], errors.ErrorTypeAuthentication))
}

func TestClassifyAPIError(t *testing.T) {
	assert.True(t, errors.IsType(
		classifyAPIError(&googleapi.Error{Code: 401}), errors.ErrorTypeAuthentication))
	assert.True(t, errors.IsType(
		classifyAPIError(&googleapi.Error{Code: 429}), errors.ErrorTypeRateLimit))

	notFound := &googleapi.Error{Code: 404}
	assert.Equal(t, error(notFound), classifyAPIError(notFound))
}

func TestTabulate(t *testing.T) {
	values := [][]interface{}{
		{"name", "amount", "closed"},
		{"Acme", 1200, true},
		{"Globex", 50},
	}

	t.Run("first row as headers", func(t *testing.T) {
		headers, rows, firstRow := tabulate(values, true)
		assert.Equal(t, []string{"name", "amount", "closed"}, headers)
		require.Len(t, rows, 2)
		assert.Equal(t, 2, firstRow, "data starts on spreadsheet row 2")
		assert.Equal(t, "Acme", rows[0][0])
	})

	t.Run("generated column names", func(t *testing.T) {
		headers, rows, firstRow := tabulate(values, false)
		assert.Equal(t, []string{"Column_1", "Column_2", "Column_3"}, headers)
		assert.Len(t, rows, 3)
		assert.Equal(t, 1, firstRow)
	})

	t.Run("column names cover the widest row", func(t *testing.T) {
		headers, _, _ := tabulate([][]interface{}{
			{"a"},
			{"b", "c", "d"},
		}, false)
		assert.Equal(t, []string{"Column_1", "Column_2", "Column_3"}, headers)
	})

	t.Run("non-string header cells are stringified", func(t *testing.T) {
		headers, _, _ := tabulate([][]interface{}{
			{"id", 2024, true},
			{"x", "y", "z"},
		}, true)
		assert.Equal(t, []string{"id", "2024", "true"}, headers)
	})
}

func TestSheetFromRange(t *testing.T) {
	assert.Equal(t, "Sheet1", sheetFromRange("Sheet1!A1:C10"))
	assert.Equal(t, "Q1 Pipeline", sheetFromRange("Q1 Pipeline!A:F"))
	assert.Equal(t, "Sheet1", sheetFromRange("Sheet1"))
	assert.Equal(t, "A1:C10", sheetFromRange("A1:C10"))
}
