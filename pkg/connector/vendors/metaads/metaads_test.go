package metaads

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletio/inlet/pkg/config"
	"github.com/inletio/inlet/pkg/connector/core"
	"github.com/inletio/inlet/pkg/errors"
	"github.com/inletio/inlet/pkg/schema"
)

var testRateLimit = config.RateLimitConfig{MinInterval: time.Millisecond}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestConnector(t *testing.T, server *httptest.Server) *Connector {
	t.Helper()
	conn, err := New(config.Credentials{
		"access_token": "meta-token",
		"account_id":   "act_987",
		"base_url":     server.URL,
	}, testRateLimit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*Connector)
}

func TestNew(t *testing.T) {
	t.Run("account_id is required", func(t *testing.T) {
		_, err := New(config.Credentials{"access_token": "t"}, testRateLimit)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("act_ prefix is stripped", func(t *testing.T) {
		conn, err := New(config.Credentials{
			"access_token": "t", "account_id": "act_42",
		}, testRateLimit)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		assert.Equal(t, "42", conn.(*Connector).accountID)
	})
}

func TestAuthenticate(t *testing.T) {
	conn, err := New(config.Credentials{"account_id": "42"}, testRateLimit)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	err = conn.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestRefreshNotSupported(t *testing.T) {
	conn, err := New(config.Credentials{
		"access_token": "t", "account_id": "42",
	}, testRateLimit)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.RefreshAccessToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTokenRefresh))
}

func TestValidateConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v18.0/me", r.URL.Path)
		assert.Equal(t, "meta-token", r.URL.Query().Get("access_token"))
		writeJSON(w, map[string]interface{}{"id": "10158"})
	}))
	defer server.Close()

	conn := newTestConnector(t, server)
	assert.NoError(t, conn.ValidateConnection(context.Background()))
}

func TestFetchData(t *testing.T) {
	var pages int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v18.0/act_987/campaigns", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "meta-token", q.Get("access_token"))
		assert.Equal(t, "id,name,status,objective,created_time,updated_time", q.Get("fields"))

		switch atomic.AddInt32(&pages, 1) {
		case 1:
			assert.Empty(t, q.Get("after"))
			writeJSON(w, map[string]interface{}{
				"data": []map[string]interface{}{
					{"id": "c1", "name": "Spring", "status": "ACTIVE"},
					{"id": "c2", "name": "Summer", "status": "PAUSED"},
				},
				"paging": map[string]interface{}{
					"cursors": map[string]string{"after": "cur-2"},
					"next":    "https://graph.facebook.com/next",
				},
			})
		default:
			assert.Equal(t, "cur-2", q.Get("after"))
			// A trailing cursor without a next link ends the walk.
			writeJSON(w, map[string]interface{}{
				"data": []map[string]interface{}{
					{"id": "c3", "name": "Fall", "status": "ACTIVE"},
				},
				"paging": map[string]interface{}{
					"cursors": map[string]string{"after": "cur-3"},
				},
			})
		}
	}))
	defer server.Close()

	conn := newTestConnector(t, server)
	result, err := conn.FetchData(context.Background(), config.Object(ObjectCampaigns), config.QueryParams{})
	require.NoError(t, err)
	require.Len(t, result.Records, 3)
	assert.EqualValues(t, 2, atomic.LoadInt32(&pages))

	first := result.Records[0]
	assert.Equal(t, "987", first["_account_id"])
	assert.Equal(t, "meta_ads", first[core.MetaSourceID])
	assert.Equal(t, ObjectCampaigns, first[core.MetaObjectType])
	assert.NotEmpty(t, first[core.MetaExtractedAt])
}

func TestFetchDataUnknownEdge(t *testing.T) {
	conn, err := New(config.Credentials{
		"access_token": "t", "account_id": "42",
	}, testRateLimit)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.FetchData(context.Background(), config.Object("audiences"), config.QueryParams{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))
}

func TestFetchDataRejectsQuerySelector(t *testing.T) {
	conn, err := New(config.Credentials{
		"access_token": "t", "account_id": "42",
	}, testRateLimit)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.FetchData(context.Background(), config.Query("SELECT *"), config.QueryParams{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestFetchDataPartialFailure(t *testing.T) {
	var pages int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&pages, 1) == 1 {
			writeJSON(w, map[string]interface{}{
				"data": []map[string]interface{}{{"id": "c1", "name": "Spring"}},
				"paging": map[string]interface{}{
					"cursors": map[string]string{"after": "cur-2"},
					"next":    "https://graph.facebook.com/next",
				},
			})
			return
		}
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	conn := newTestConnector(t, server)
	result, err := conn.FetchData(context.Background(), config.Object(ObjectCampaigns), config.QueryParams{})
	require.NoError(t, err, "partial results suppress the fetch error")
	assert.True(t, result.Partial())
	require.Len(t, result.Records, 1)
	require.Len(t, result.Errors, 1)
	assert.True(t, errors.IsType(result.Errors[0], errors.ErrorTypePagination))
}

func TestFetchSchema(t *testing.T) {
	conn, err := New(config.Credentials{
		"access_token": "t", "account_id": "42",
	}, testRateLimit)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	result, err := conn.FetchSchema(context.Background(), ObjectAdSets)
	require.NoError(t, err)
	require.NotNil(t, result.Schema)

	byName := map[string]schema.Type{}
	for _, f := range result.Schema.Fields {
		byName[f.Name] = f.Type
	}
	assert.Equal(t, schema.TypeString, byName["campaign_id"])
	assert.Equal(t, schema.TypeDate, byName["created_time"])

	soft, err := conn.FetchSchema(context.Background(), "audiences")
	require.NoError(t, err)
	assert.Nil(t, soft.Schema)
	require.Len(t, soft.Errors, 1)
	assert.True(t, errors.IsType(soft.Errors[0], errors.ErrorTypeSchema))
}

func TestListObjects(t *testing.T) {
	conn, err := New(config.Credentials{
		"access_token": "t", "account_id": "42",
	}, testRateLimit)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	result, err := conn.ListObjects(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(result.Objects))
	for _, o := range result.Objects {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{ObjectCampaigns, ObjectAdSets, ObjectAds, ObjectCreatives}, names)

	for _, o := range result.Objects {
		assert.NotEmpty(t, o.Fields, "every edge carries its field shape: %s", o.Name)
	}
	assert.Equal(t, "created_time", result.Objects[0].Fields[4].Name)
	assert.Equal(t, "date", string(result.Objects[0].Fields[4].Type))
}
