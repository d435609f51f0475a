// Package ga4 implements the Google Analytics 4 connector over the
// Analytics Data API. Reports run through runReport with offset
// paging; the realtime surface is exposed as its own object kind.
package ga4

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inletio/inlet/pkg/auth"
	"github.com/inletio/inlet/pkg/config"
	"github.com/inletio/inlet/pkg/connector/base"
	"github.com/inletio/inlet/pkg/connector/core"
	"github.com/inletio/inlet/pkg/errors"
	"github.com/inletio/inlet/pkg/metrics"
	"github.com/inletio/inlet/pkg/paginate"
	"github.com/inletio/inlet/pkg/schema"
)

const (
	// VendorID is the registry identifier.
	VendorID = "ga4"

	googleTokenURL = "https://oauth2.googleapis.com/token" //nolint:gosec // G101: endpoint URL, not a credential

	defaultReportLimit = 10000
)

// Report kinds exposed as objects.
const (
	ObjectStandardReport = "standard"
	ObjectRealtimeReport = "realtime"
)

// DefaultRateLimit spaces requests under GA4's hourly token quotas.
var DefaultRateLimit = config.RateLimitConfig{
	MinInterval: 100 * time.Millisecond,
}

// Connector talks to the GA4 Analytics Data API.
type Connector struct {
	*base.Connector

	propertyID string
	endpoint   string
	oauth      *auth.OAuthClient
	service    *analyticsdata.Service
}

// New builds a GA4 connector. Required credentials: client_id,
// client_secret, refresh_token, property_id. Optional: access_token,
// endpoint override for test doubles.
func New(creds config.Credentials, rl config.RateLimitConfig) (core.Connector, error) {
	if rl == (config.RateLimitConfig{}) {
		rl = DefaultRateLimit
	}

	propertyID, err := creds.Require("property_id")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(propertyID, "properties/") {
		propertyID = "properties/" + propertyID
	}

	c := &Connector{
		propertyID: propertyID,
		endpoint:   creds.Get("endpoint"),
	}

	initial := auth.TokenSet{
		AccessToken:  creds.Get("access_token"),
		RefreshToken: creds.Get("refresh_token"),
	}
	c.Connector = base.New(VendorID, creds, rl, initial, c.refreshToken)

	tokenURL := creds.Get("token_url")
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	c.oauth = auth.NewOAuthClient(&auth.OAuthConfig{
		TokenURL:     tokenURL,
		ClientID:     creds.Get("client_id"),
		ClientSecret: creds.Get("client_secret"),
		RedirectURI:  creds.Get("redirect_uri"),
	}, c.HTTP(), c.Logger())

	return c, nil
}

func (c *Connector) refreshToken(ctx context.Context, refreshToken string) (auth.TokenSet, error) {
	return c.oauth.Refresh(ctx, refreshToken)
}

// sessionTokenSource adapts the auth session to oauth2.TokenSource so
// the Google API client always sees a fresh token while the session
// state machine stays authoritative.
type sessionTokenSource struct {
	ctx     context.Context
	session *auth.Session
}

func (s *sessionTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.session.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Expiry:      token.ExpiresAt,
	}, nil
}

// Authenticate obtains an access token and builds the Analytics Data
// service around the session's token source.
func (c *Connector) Authenticate(ctx context.Context) error {
	token := c.Session().Store().Get()
	if token.AccessToken == "" {
		if token.RefreshToken == "" {
			return errors.New(errors.ErrorTypeAuthentication,
				"no refresh_token configured; complete the OAuth flow first")
		}
		if _, err := c.RefreshAccessToken(ctx); err != nil {
			return err
		}
	}

	opts := []option.ClientOption{
		option.WithTokenSource(&sessionTokenSource{ctx: ctx, session: c.Session()}),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	service, err := analyticsdata.NewService(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication,
			"failed to build analytics data client")
	}
	c.service = service
	c.Logger().Info("authenticated", zap.String("property_id", c.propertyID))
	return nil
}

// ExchangeCodeForTokens completes the OAuth code flow.
func (c *Connector) ExchangeCodeForTokens(ctx context.Context, code string) (auth.TokenSet, error) {
	granted, err := c.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return auth.TokenSet{}, err
	}
	return c.Session().Install(granted), nil
}

func (c *Connector) ensureService() error {
	if c.service == nil {
		return errors.New(errors.ErrorTypeAuthentication,
			"not authenticated; call Authenticate first")
	}
	return nil
}

// classifyAPIError maps generated-client errors onto the typed
// vocabulary so token rejections are recognizable upstream.
func classifyAPIError(err error) error {
	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) {
		switch gerr.Code {
		case 401, 403:
			return errors.Wrap(err, errors.ErrorTypeAuthentication, "token rejected")
		case 429:
			return errors.Wrap(err, errors.ErrorTypeRateLimit, "quota exhausted")
		}
	}
	return err
}

// ValidateConnection fetches the property metadata, the cheapest call
// that proves both the token and property access. A token rejection
// triggers one refresh-and-retry before the failure stands.
func (c *Connector) ValidateConnection(ctx context.Context) error {
	if err := c.ensureService(); err != nil {
		return err
	}
	err := c.AuthRetry(ctx, func(ctx context.Context) error {
		if err := c.RateLimit(ctx); err != nil {
			return err
		}

		_, err := c.service.Properties.GetMetadata(c.propertyID + "/metadata").Context(ctx).Do()
		metrics.ObserveRequest(VendorID, "validate", err)
		if err != nil {
			return classifyAPIError(err)
		}
		return nil
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeAuthentication) ||
			errors.IsType(err, errors.ErrorTypeTokenRefresh) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeConnectionValidation,
			"property metadata probe failed")
	}
	return nil
}

// FetchData runs a report. Object selectors pick the report kind
// (standard or realtime); params.Dimensions and params.Metrics select
// columns, with e-commerce defaults. Standard reports page by offset
// until rowCount is drained.
func (c *Connector) FetchData(ctx context.Context, sel config.Selector, params config.QueryParams) (*core.FetchResult, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if sel.Kind != config.SelectorObject {
		return nil, errors.New(errors.ErrorTypeCapability,
			"ga4 supports object selectors only (standard, realtime)")
	}
	if err := c.ensureService(); err != nil {
		c.Logger().Warn("fetch aborted before any request", zap.Error(err))
		return &core.FetchResult{Errors: []error{err}}, nil
	}

	timer := metrics.NewTimer(VendorID, "fetch")
	defer timer.Stop()

	var (
		records []map[string]interface{}
		err     error
	)
	switch sel.Value {
	case ObjectStandardReport:
		records, err = c.runStandardReport(ctx, params)
	case ObjectRealtimeReport:
		records, err = c.runRealtimeReport(ctx, params)
	default:
		return nil, errors.New(errors.ErrorTypeQuery,
			fmt.Sprintf("unknown ga4 report kind %q", sel.Value))
	}

	result := &core.FetchResult{}
	now := time.Now()
	for _, raw := range records {
		rec := core.Record(raw)
		rec["_report_type"] = sel.Value
		rec["_property_id"] = c.propertyID
		rec.SetMeta(VendorID, sel.Value, now)
		result.Records = append(result.Records, rec)
	}
	metrics.RecordsFetched.WithLabelValues(VendorID, sel.Value).Add(float64(len(result.Records)))

	if err != nil {
		result.Errors = append(result.Errors, err)
		metrics.PartialFailures.WithLabelValues(VendorID).Inc()
		c.Logger().Warn("fetch completed with errors",
			zap.Int("records", len(result.Records)), zap.Error(err))
	}
	return result, nil
}

func (c *Connector) runStandardReport(ctx context.Context, params config.QueryParams) ([]map[string]interface{}, error) {
	dimensions := pickColumns(params.Dimensions, []string{
		"date", "country", "deviceCategory", "sessionDefaultChannelGrouping", "sessionSource", "sessionMedium",
	})
	metricNames := pickColumns(params.Metrics, []string{
		"sessions", "totalUsers", "newUsers", "screenPageViews", "bounceRate",
		"averageSessionDuration", "conversions", "totalRevenue",
	})
	start, end := reportingWindow(params.DateRange)

	pageSize := int64(params.Limit)
	if pageSize <= 0 {
		pageSize = defaultReportLimit
	}

	return paginate.Aggregate(ctx, func(ctx context.Context, cursor string) ([]map[string]interface{}, string, error) {
		offset, _ := strconv.ParseInt(cursor, 10, 64)

		if err := c.RateLimit(ctx); err != nil {
			return nil, "", err
		}

		req := &analyticsdata.RunReportRequest{
			Dimensions: namedDimensions(dimensions),
			Metrics:    namedMetrics(metricNames),
			DateRanges: []*analyticsdata.DateRange{{StartDate: start, EndDate: end}},
			Limit:      pageSize,
			Offset:     offset,
		}
		resp, err := c.service.Properties.RunReport(c.propertyID, req).Context(ctx).Do()
		metrics.ObserveRequest(VendorID, "fetch", err)
		if err != nil {
			return nil, "", errors.Wrap(err, errors.ErrorTypeQuery, "runReport failed")
		}
		metrics.PagesFetched.WithLabelValues(VendorID).Inc()

		rows := convertRows(resp.DimensionHeaders, resp.MetricHeaders, resp.Rows)

		next := ""
		if consumed := offset + int64(len(resp.Rows)); len(resp.Rows) > 0 && consumed < resp.RowCount {
			next = strconv.FormatInt(consumed, 10)
		}
		return rows, next, nil
	}, paginate.Options{MaxPages: params.MaxPages})
}

func (c *Connector) runRealtimeReport(ctx context.Context, params config.QueryParams) ([]map[string]interface{}, error) {
	dimensions := pickColumns(params.Dimensions, []string{"country", "deviceCategory"})
	metricNames := pickColumns(params.Metrics, []string{"activeUsers"})

	limit := int64(params.Limit)
	if limit <= 0 {
		limit = defaultReportLimit
	}

	if err := c.RateLimit(ctx); err != nil {
		return nil, err
	}

	req := &analyticsdata.RunRealtimeReportRequest{
		Dimensions: namedDimensions(dimensions),
		Metrics:    namedMetrics(metricNames),
		Limit:      limit,
	}
	resp, err := c.service.Properties.RunRealtimeReport(c.propertyID, req).Context(ctx).Do()
	metrics.ObserveRequest(VendorID, "fetch", err)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "runRealtimeReport failed")
	}
	metrics.PagesFetched.WithLabelValues(VendorID).Inc()

	return convertRows(resp.DimensionHeaders, resp.MetricHeaders, resp.Rows), nil
}

func namedDimensions(names []string) []*analyticsdata.Dimension {
	out := make([]*analyticsdata.Dimension, len(names))
	for i, name := range names {
		out[i] = &analyticsdata.Dimension{Name: name}
	}
	return out
}

func namedMetrics(names []string) []*analyticsdata.Metric {
	out := make([]*analyticsdata.Metric, len(names))
	for i, name := range names {
		out[i] = &analyticsdata.Metric{Name: name}
	}
	return out
}

// convertRows zips dimension and metric headers with row values.
func convertRows(dims []*analyticsdata.DimensionHeader, mets []*analyticsdata.MetricHeader, rows []*analyticsdata.Row) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		record := make(map[string]interface{}, len(dims)+len(mets))
		for i, v := range row.DimensionValues {
			if i < len(dims) {
				record[dims[i].Name] = v.Value
			}
		}
		for i, v := range row.MetricValues {
			if i < len(mets) {
				record[mets[i].Name] = v.Value
			}
		}
		out = append(out, record)
	}
	return out
}

// pickColumns trims the requested column names, falling back to the
// defaults when none survive.
func pickColumns(names, fallback []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if trimmed := strings.TrimSpace(n); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// metricType maps GA4 metric type names onto the normalized
// vocabulary.
func metricType(name string) schema.Type {
	switch name {
	case "TYPE_INTEGER":
		return schema.TypeInteger
	case "TYPE_FLOAT", "TYPE_CURRENCY", "TYPE_SECONDS", "TYPE_MILLISECONDS",
		"TYPE_MINUTES", "TYPE_HOURS", "TYPE_STANDARD", "TYPE_METERS",
		"TYPE_FEET", "TYPE_KILOMETERS", "TYPE_MILES":
		return schema.TypeNumber
	default:
		return schema.TypeString
	}
}

// catalogFields fetches the property's dimension and metric catalog
// as normalized fields. Dimensions normalize to string; metric types
// come from the metadata.
func (c *Connector) catalogFields(ctx context.Context) ([]schema.Field, error) {
	if err := c.ensureService(); err != nil {
		return nil, err
	}
	if err := c.RateLimit(ctx); err != nil {
		return nil, err
	}

	meta, err := c.service.Properties.GetMetadata(c.propertyID + "/metadata").Context(ctx).Do()
	metrics.ObserveRequest(VendorID, "schema", err)
	if err != nil {
		return nil, errors.Wrap(classifyAPIError(err), errors.ErrorTypeSchema,
			"metadata fetch failed")
	}

	fields := make([]schema.Field, 0, len(meta.Dimensions)+len(meta.Metrics))
	for _, dim := range meta.Dimensions {
		fields = append(fields, schema.Field{
			Name:     dim.ApiName,
			Type:     schema.TypeString,
			Nullable: true,
			Label:    dim.UiName,
		})
	}
	for _, met := range meta.Metrics {
		fields = append(fields, schema.Field{
			Name:     met.ApiName,
			Type:     metricType(met.Type),
			Nullable: true,
			Native:   met.Type,
			Label:    met.UiName,
		})
	}
	return fields, nil
}

// FetchSchema returns the property's column catalog as one flat
// schema; both report kinds draw from the same catalog.
func (c *Connector) FetchSchema(ctx context.Context, object string) (*core.SchemaResult, error) {
	fields, err := c.catalogFields(ctx)
	if err != nil {
		return &core.SchemaResult{Errors: []error{err}}, nil
	}
	return &core.SchemaResult{Schema: &schema.Schema{Object: object, Fields: fields}}, nil
}

// ListObjects enumerates the report kinds with the property's column
// catalog attached. When the catalog cannot be fetched the kinds
// still list, field-less, with the failure recorded in Errors.
func (c *Connector) ListObjects(ctx context.Context) (*core.ObjectsResult, error) {
	result := &core.ObjectsResult{}

	fields, err := c.catalogFields(ctx)
	if err != nil {
		c.Logger().Warn("listing report kinds without the column catalog", zap.Error(err))
		result.Errors = append(result.Errors, err)
	}

	result.Objects = []core.ObjectInfo{
		{Name: ObjectStandardReport, Label: "Standard report", Queryable: true, Fields: fields},
		{Name: ObjectRealtimeReport, Label: "Realtime report", Queryable: true, Fields: fields},
	}
	return result, nil
}

// reportingWindow resolves "start..end" date specs, defaulting to the
// last 30 days.
func reportingWindow(dateRange string) (start, end string) {
	if parts := strings.SplitN(dateRange, "..", 2); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[0], parts[1]
	}
	now := time.Now()
	return now.AddDate(0, 0, -30).Format("2006-01-02"), now.Format("2006-01-02")
}
