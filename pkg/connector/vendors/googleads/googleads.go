// Package googleads implements the Google Ads connector over the
// Google Ads REST API. Object selectors expand into GAQL statements
// per object kind; query selectors pass GAQL through verbatim.
package googleads

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

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
	VendorID = "google_ads"

	defaultBaseURL    = "https://googleads.googleapis.com"
	defaultAPIVersion = "v17"
	googleTokenURL    = "https://oauth2.googleapis.com/token" //nolint:gosec // G101: endpoint URL, not a credential
)

// DefaultRateLimit spaces requests to stay inside the per-developer
// operation quotas.
var DefaultRateLimit = config.RateLimitConfig{
	MinInterval: 100 * time.Millisecond,
}

// Object kinds the connector can expand into GAQL.
const (
	ObjectCampaigns    = "campaigns"
	ObjectAdGroups     = "ad_groups"
	ObjectAds          = "ads"
	ObjectKeywords     = "keywords"
	ObjectCampaignPerf = "campaign_performance"
	ObjectAdGroupPerf  = "ad_group_performance"
	ObjectKeywordPerf  = "keyword_performance"
)

// Connector talks to the Google Ads REST API.
type Connector struct {
	*base.Connector

	baseURL    string
	apiVersion string
	customerID string
	loginCID   string
	devToken   string
	oauth      *auth.OAuthClient
}

// New builds a Google Ads connector. Required credentials: client_id,
// client_secret, refresh_token, developer_token, customer_id.
// Optional: login_customer_id for manager accounts, base_url and
// api_version overrides.
func New(creds config.Credentials, rl config.RateLimitConfig) (core.Connector, error) {
	if rl == (config.RateLimitConfig{}) {
		rl = DefaultRateLimit
	}

	customerID, err := creds.Require("customer_id")
	if err != nil {
		return nil, err
	}
	devToken, err := creds.Require("developer_token")
	if err != nil {
		return nil, err
	}

	baseURL := creds.Get("base_url")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := creds.Get("api_version")
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}

	c := &Connector{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		customerID: strings.ReplaceAll(customerID, "-", ""),
		loginCID:   strings.ReplaceAll(creds.Get("login_customer_id"), "-", ""),
		devToken:   devToken,
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

// Authenticate exercises the refresh token to obtain an access token.
// Google OAuth refresh tokens are long-lived and reusable, so the
// grant doubles as the credential check.
func (c *Connector) Authenticate(ctx context.Context) error {
	token := c.Session().Store().Get()
	if token.AccessToken != "" {
		return nil
	}
	if token.RefreshToken == "" {
		return errors.New(errors.ErrorTypeAuthentication,
			"no refresh_token configured; complete the OAuth flow first")
	}
	_, err := c.RefreshAccessToken(ctx)
	return err
}

// ExchangeCodeForTokens completes the OAuth code flow.
func (c *Connector) ExchangeCodeForTokens(ctx context.Context, code string) (auth.TokenSet, error) {
	granted, err := c.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return auth.TokenSet{}, err
	}
	return c.Session().Install(granted), nil
}

func (c *Connector) headers(ctx context.Context) (map[string]string, error) {
	headers, err := c.AuthHeaders(ctx)
	if err != nil {
		return nil, err
	}
	headers["developer-token"] = c.devToken
	if c.loginCID != "" {
		headers["login-customer-id"] = c.loginCID
	}
	return headers, nil
}

// ValidateConnection lists accessible customers, the cheapest call
// that exercises both the token and the developer token. A token
// rejection triggers one refresh-and-retry before the failure stands.
func (c *Connector) ValidateConnection(ctx context.Context) error {
	var accessible int
	err := c.AuthRetry(ctx, func(ctx context.Context) error {
		headers, err := c.headers(ctx)
		if err != nil {
			return err
		}
		if err := c.RateLimit(ctx); err != nil {
			return err
		}

		var probe struct {
			ResourceNames []string `json:"resourceNames"`
		}
		url := fmt.Sprintf("%s/%s/customers:listAccessibleCustomers", c.baseURL, c.apiVersion)
		err = c.HTTP().GetJSON(ctx, url, headers, &probe)
		metrics.ObserveRequest(VendorID, "validate", err)
		if err != nil {
			return err
		}
		accessible = len(probe.ResourceNames)
		return nil
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeAuthentication) ||
			errors.IsType(err, errors.ErrorTypeTokenRefresh) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeConnectionValidation,
			"accessible customers probe failed")
	}
	c.Logger().Debug("connection validated",
		zap.Int("accessible_customers", accessible))
	return nil
}

// searchRequest is the googleAds:search body.
type searchRequest struct {
	Query     string `json:"query"`
	PageToken string `json:"pageToken,omitempty"`
	PageSize  int    `json:"pageSize,omitempty"`
}

// searchResponse is one GAQL result page.
type searchResponse struct {
	Results       []map[string]interface{} `json:"results"`
	NextPageToken string                   `json:"nextPageToken"`
}

// FetchData runs GAQL and drains nextPageToken. Object selectors
// expand via gaqlFor; the params' DateRange bounds performance kinds.
func (c *Connector) FetchData(ctx context.Context, sel config.Selector, params config.QueryParams) (*core.FetchResult, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	var gaql, objectType string
	switch sel.Kind {
	case config.SelectorQuery:
		gaql, objectType = sel.Value, "query"
	case config.SelectorObject:
		var err error
		gaql, err = gaqlFor(sel.Value, params)
		if err != nil {
			return nil, err
		}
		objectType = sel.Value
	}
	c.Logger().Debug("running GAQL query", zap.String("query", gaql))

	timer := metrics.NewTimer(VendorID, "fetch")
	defer timer.Stop()

	searchURL := fmt.Sprintf("%s/%s/customers/%s/googleAds:search",
		c.baseURL, c.apiVersion, c.customerID)
	result := &core.FetchResult{}
	now := time.Now()

	records, err := paginate.Aggregate(ctx, func(ctx context.Context, cursor string) ([]map[string]interface{}, string, error) {
		headers, err := c.headers(ctx)
		if err != nil {
			return nil, "", err
		}
		if err := c.RateLimit(ctx); err != nil {
			return nil, "", err
		}

		body := searchRequest{Query: gaql, PageToken: cursor, PageSize: params.Limit}
		var page searchResponse
		err = c.HTTP().PostJSON(ctx, searchURL, headers, body, &page)
		metrics.ObserveRequest(VendorID, "fetch", err)
		if err != nil {
			return nil, "", err
		}
		metrics.PagesFetched.WithLabelValues(VendorID).Inc()
		return page.Results, page.NextPageToken, nil
	}, paginate.Options{MaxPages: params.MaxPages})

	for _, raw := range records {
		rec := core.Record(raw)
		rec["_customer_id"] = c.customerID
		rec.SetMeta(VendorID, objectType, now)
		result.Records = append(result.Records, rec)
	}
	metrics.RecordsFetched.WithLabelValues(VendorID, objectType).Add(float64(len(result.Records)))

	if err != nil {
		result.Errors = append(result.Errors, err)
		metrics.PartialFailures.WithLabelValues(VendorID).Inc()
		c.Logger().Warn("fetch completed with errors",
			zap.Int("records", len(result.Records)), zap.Error(err))
	}
	return result, nil
}

// gaqlFor expands an object kind into its GAQL statement.
func gaqlFor(object string, params config.QueryParams) (string, error) {
	fields := params.Fields
	start, end := reportingWindow(params.DateRange)

	var from, where string
	switch object {
	case ObjectCampaigns:
		if len(fields) == 0 {
			fields = []string{
				"campaign.id", "campaign.name", "campaign.status",
				"campaign.advertising_channel_type", "campaign.start_date",
				"campaign.end_date", "campaign.campaign_budget",
			}
		}
		from, where = "campaign", "campaign.status != 'REMOVED'"
	case ObjectAdGroups:
		if len(fields) == 0 {
			fields = []string{
				"ad_group.id", "ad_group.name", "ad_group.status",
				"campaign.id", "campaign.name",
			}
		}
		from, where = "ad_group", "ad_group.status != 'REMOVED'"
	case ObjectAds:
		if len(fields) == 0 {
			fields = []string{
				"ad_group_ad.ad.id", "ad_group_ad.ad.name", "ad_group_ad.status",
				"ad_group_ad.ad.type", "ad_group.id", "campaign.id",
			}
		}
		from, where = "ad_group_ad", "ad_group_ad.status != 'REMOVED'"
	case ObjectKeywords:
		if len(fields) == 0 {
			fields = []string{
				"ad_group_criterion.criterion_id", "ad_group_criterion.keyword.text",
				"ad_group_criterion.keyword.match_type", "ad_group_criterion.status",
				"ad_group.id", "campaign.id",
			}
		}
		from, where = "keyword_view", "ad_group_criterion.status != 'REMOVED'"
	case ObjectCampaignPerf:
		if len(fields) == 0 {
			fields = []string{
				"campaign.id", "campaign.name", "segments.date",
				"metrics.impressions", "metrics.clicks", "metrics.cost_micros",
				"metrics.conversions", "metrics.ctr", "metrics.average_cpc",
			}
		}
		from = "campaign"
		where = fmt.Sprintf("segments.date BETWEEN '%s' AND '%s' AND campaign.status != 'REMOVED'", start, end)
	case ObjectAdGroupPerf:
		if len(fields) == 0 {
			fields = []string{
				"campaign.id", "ad_group.id", "ad_group.name", "segments.date",
				"metrics.impressions", "metrics.clicks", "metrics.cost_micros",
				"metrics.conversions", "metrics.ctr", "metrics.average_cpc",
			}
		}
		from = "ad_group"
		where = fmt.Sprintf("segments.date BETWEEN '%s' AND '%s' AND ad_group.status != 'REMOVED'", start, end)
	case ObjectKeywordPerf:
		if len(fields) == 0 {
			fields = []string{
				"campaign.id", "ad_group.id", "ad_group_criterion.criterion_id",
				"ad_group_criterion.keyword.text", "segments.date",
				"metrics.impressions", "metrics.clicks", "metrics.cost_micros",
				"metrics.conversions", "metrics.ctr", "metrics.average_cpc",
			}
		}
		from = "keyword_view"
		where = fmt.Sprintf("segments.date BETWEEN '%s' AND '%s' AND ad_group_criterion.status != 'REMOVED'", start, end)
	default:
		return "", errors.New(errors.ErrorTypeQuery,
			fmt.Sprintf("unknown google_ads object %q", object))
	}

	gaql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(fields, ", "), from, where)
	if params.Where != "" {
		gaql += " AND " + params.Where
	}
	if params.OrderBy != "" {
		gaql += " ORDER BY " + params.OrderBy
	}
	return gaql, nil
}

// reportingWindow resolves "start..end" date ranges in YYYY-MM-DD,
// defaulting to the last 30 days.
func reportingWindow(dateRange string) (start, end string) {
	if parts := strings.SplitN(dateRange, "..", 2); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[0], parts[1]
	}
	now := time.Now()
	return now.AddDate(0, 0, -30).Format("2006-01-02"), now.Format("2006-01-02")
}

// staticSchemas describes the fields each object kind exposes. The
// Ads API has no lightweight describe endpoint on this surface, so
// the shapes are pinned.
var staticSchemas = map[string][]schema.Field{
	ObjectCampaigns: {
		{Name: "campaign.id", Type: schema.TypeInteger, Nullable: true},
		{Name: "campaign.name", Type: schema.TypeString, Nullable: true},
		{Name: "campaign.status", Type: schema.TypeString, Nullable: true},
		{Name: "campaign.advertising_channel_type", Type: schema.TypeString, Nullable: true},
		{Name: "campaign.start_date", Type: schema.TypeDate, Nullable: true},
		{Name: "campaign.end_date", Type: schema.TypeDate, Nullable: true},
	},
	ObjectAdGroups: {
		{Name: "ad_group.id", Type: schema.TypeInteger, Nullable: true},
		{Name: "ad_group.name", Type: schema.TypeString, Nullable: true},
		{Name: "ad_group.status", Type: schema.TypeString, Nullable: true},
		{Name: "campaign.id", Type: schema.TypeInteger, Nullable: true},
	},
	ObjectAds: {
		{Name: "ad_group_ad.ad.id", Type: schema.TypeInteger, Nullable: true},
		{Name: "ad_group_ad.ad.name", Type: schema.TypeString, Nullable: true},
		{Name: "ad_group_ad.status", Type: schema.TypeString, Nullable: true},
		{Name: "ad_group_ad.ad.type", Type: schema.TypeString, Nullable: true},
	},
	ObjectKeywords: {
		{Name: "ad_group_criterion.criterion_id", Type: schema.TypeInteger, Nullable: true},
		{Name: "ad_group_criterion.keyword.text", Type: schema.TypeString, Nullable: true},
		{Name: "ad_group_criterion.keyword.match_type", Type: schema.TypeString, Nullable: true},
		{Name: "ad_group_criterion.status", Type: schema.TypeString, Nullable: true},
	},
	ObjectCampaignPerf: {
		{Name: "campaign.id", Type: schema.TypeInteger, Nullable: true},
		{Name: "segments.date", Type: schema.TypeDate, Nullable: true},
		{Name: "metrics.impressions", Type: schema.TypeInteger, Nullable: true},
		{Name: "metrics.clicks", Type: schema.TypeInteger, Nullable: true},
		{Name: "metrics.cost_micros", Type: schema.TypeInteger, Nullable: true},
		{Name: "metrics.conversions", Type: schema.TypeNumber, Nullable: true},
		{Name: "metrics.ctr", Type: schema.TypeNumber, Nullable: true},
		{Name: "metrics.average_cpc", Type: schema.TypeNumber, Nullable: true},
	},
	ObjectAdGroupPerf: {
		{Name: "campaign.id", Type: schema.TypeInteger, Nullable: true},
		{Name: "ad_group.id", Type: schema.TypeInteger, Nullable: true},
		{Name: "segments.date", Type: schema.TypeDate, Nullable: true},
		{Name: "metrics.impressions", Type: schema.TypeInteger, Nullable: true},
		{Name: "metrics.clicks", Type: schema.TypeInteger, Nullable: true},
		{Name: "metrics.cost_micros", Type: schema.TypeInteger, Nullable: true},
		{Name: "metrics.conversions", Type: schema.TypeNumber, Nullable: true},
	},
	ObjectKeywordPerf: {
		{Name: "campaign.id", Type: schema.TypeInteger, Nullable: true},
		{Name: "ad_group.id", Type: schema.TypeInteger, Nullable: true},
		{Name: "ad_group_criterion.keyword.text", Type: schema.TypeString, Nullable: true},
		{Name: "segments.date", Type: schema.TypeDate, Nullable: true},
		{Name: "metrics.impressions", Type: schema.TypeInteger, Nullable: true},
		{Name: "metrics.clicks", Type: schema.TypeInteger, Nullable: true},
		{Name: "metrics.cost_micros", Type: schema.TypeInteger, Nullable: true},
	},
}

// FetchSchema returns the pinned schema for an object kind.
func (c *Connector) FetchSchema(_ context.Context, object string) (*core.SchemaResult, error) {
	fields, ok := staticSchemas[object]
	if !ok {
		return &core.SchemaResult{Errors: []error{
			errors.New(errors.ErrorTypeSchema,
				fmt.Sprintf("unknown google_ads object %q", object)),
		}}, nil
	}
	return &core.SchemaResult{Schema: &schema.Schema{
		Object: object,
		Fields: fields,
	}}, nil
}

// ListObjects enumerates the supported object kinds with their pinned
// schemas.
func (c *Connector) ListObjects(_ context.Context) (*core.ObjectsResult, error) {
	result := &core.ObjectsResult{}
	for _, name := range []string{
		ObjectCampaigns, ObjectAdGroups, ObjectAds, ObjectKeywords,
		ObjectCampaignPerf, ObjectAdGroupPerf, ObjectKeywordPerf,
	} {
		result.Objects = append(result.Objects, core.ObjectInfo{
			Name:      name,
			Queryable: true,
			Fields:    staticSchemas[name],
		})
	}
	return result, nil
}
