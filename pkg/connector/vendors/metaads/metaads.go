// Package metaads implements the Meta Marketing API connector against
// the Graph API. Fetches walk an ad account's campaign, adset, ad or
// creative collections with cursor pagination.
package metaads

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
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
	VendorID = "meta_ads"

	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v18.0"
	defaultPageSize   = 100
)

// Object kinds mapped to Graph API edges.
const (
	ObjectCampaigns = "campaigns"
	ObjectAdSets    = "adsets"
	ObjectAds       = "ads"
	ObjectCreatives = "adcreatives"
)

// DefaultRateLimit spaces calls to stay inside the Marketing API's
// per-account budget.
var DefaultRateLimit = config.RateLimitConfig{
	MinInterval: 200 * time.Millisecond,
}

var edgeFields = map[string][]string{
	ObjectCampaigns: {"id", "name", "status", "objective", "created_time", "updated_time"},
	ObjectAdSets:    {"id", "name", "status", "campaign_id", "created_time", "updated_time"},
	ObjectAds:       {"id", "name", "status", "adset_id", "created_time", "updated_time"},
	ObjectCreatives: {"id", "name", "status", "created_time", "updated_time"},
}

var typeMap = map[string]schema.Type{
	"id":           schema.TypeString,
	"name":         schema.TypeString,
	"status":       schema.TypeString,
	"objective":    schema.TypeString,
	"campaign_id":  schema.TypeString,
	"adset_id":     schema.TypeString,
	"created_time": schema.TypeDate,
	"updated_time": schema.TypeDate,
}

// Connector talks to the Meta Marketing API.
type Connector struct {
	*base.Connector

	baseURL    string
	apiVersion string
	accountID  string
	normalizer *schema.Normalizer
}

// New builds a Meta Ads connector. Required credentials: access_token,
// account_id (with or without the act_ prefix). Optional: api_version,
// base_url for test doubles. Marketing API tokens are long-lived and
// not refreshable through a refresh token grant.
func New(creds config.Credentials, rl config.RateLimitConfig) (core.Connector, error) {
	if rl == (config.RateLimitConfig{}) {
		rl = DefaultRateLimit
	}

	accountID, err := creds.Require("account_id")
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
		accountID:  strings.TrimPrefix(accountID, "act_"),
		normalizer: schema.NewNormalizer(typeMap),
	}

	initial := auth.TokenSet{AccessToken: creds.Get("access_token")}
	c.Connector = base.New(VendorID, creds, rl, initial, nil)

	return c, nil
}

// Authenticate confirms an access token is configured. Tokens are
// minted in the Meta developer console or via the app's login flow,
// so there is no credential exchange to run here.
func (c *Connector) Authenticate(ctx context.Context) error {
	if c.Session().Store().Get().AccessToken == "" {
		return errors.New(errors.ErrorTypeAuthentication,
			"no access_token configured")
	}
	return nil
}

// ValidateConnection probes /me with the configured token. The
// refresh-and-retry path exists for symmetry but never fires here:
// Marketing API tokens carry no refresh token.
func (c *Connector) ValidateConnection(ctx context.Context) error {
	var userID string
	err := c.AuthRetry(ctx, func(ctx context.Context) error {
		token, err := c.AccessToken(ctx)
		if err != nil {
			return err
		}
		if err := c.RateLimit(ctx); err != nil {
			return err
		}

		probeURL := fmt.Sprintf("%s/%s/me?access_token=%s",
			c.baseURL, c.apiVersion, url.QueryEscape(token.AccessToken))

		var probe struct {
			ID string `json:"id"`
		}
		err = c.HTTP().GetJSON(ctx, probeURL, nil, &probe)
		metrics.ObserveRequest(VendorID, "validate", err)
		if err != nil {
			return err
		}
		userID = probe.ID
		return nil
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeAuthentication) ||
			errors.IsType(err, errors.ErrorTypeTokenRefresh) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeConnectionValidation,
			"token probe failed")
	}
	c.Logger().Debug("connection validated", zap.String("user_id", userID))
	return nil
}

// edgeResponse is one Graph API collection page.
type edgeResponse struct {
	Data   []map[string]interface{} `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// FetchData walks an account edge, following paging.cursors.after
// while paging.next is present. Only object selectors are supported.
func (c *Connector) FetchData(ctx context.Context, sel config.Selector, params config.QueryParams) (*core.FetchResult, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if sel.Kind != config.SelectorObject {
		return nil, errors.New(errors.ErrorTypeCapability,
			"meta_ads supports object selectors only")
	}
	edge := sel.Value
	defaults, ok := edgeFields[edge]
	if !ok {
		return nil, errors.New(errors.ErrorTypeQuery,
			fmt.Sprintf("unknown meta_ads object %q", edge))
	}

	fields := params.Fields
	if len(fields) == 0 {
		fields = defaults
	}
	pageSize := params.Limit
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}

	timer := metrics.NewTimer(VendorID, "fetch")
	defer timer.Stop()

	result := &core.FetchResult{}
	now := time.Now()

	records, err := paginate.Aggregate(ctx, func(ctx context.Context, cursor string) ([]map[string]interface{}, string, error) {
		token, err := c.AccessToken(ctx)
		if err != nil {
			return nil, "", err
		}
		if err := c.RateLimit(ctx); err != nil {
			return nil, "", err
		}

		query := url.Values{
			"access_token": {token.AccessToken},
			"fields":       {strings.Join(fields, ",")},
			"limit":        {strconv.Itoa(pageSize)},
		}
		if params.DateRange != "" {
			query.Set("date_preset", params.DateRange)
		}
		if cursor != "" {
			query.Set("after", cursor)
		}
		pageURL := fmt.Sprintf("%s/%s/act_%s/%s?%s",
			c.baseURL, c.apiVersion, c.accountID, edge, query.Encode())

		var page edgeResponse
		err = c.HTTP().GetJSON(ctx, pageURL, nil, &page)
		metrics.ObserveRequest(VendorID, "fetch", err)
		if err != nil {
			return nil, "", err
		}
		metrics.PagesFetched.WithLabelValues(VendorID).Inc()

		// The after cursor is only meaningful while a next link is
		// advertised.
		next := ""
		if page.Paging.Next != "" {
			next = page.Paging.Cursors.After
		}
		return page.Data, next, nil
	}, paginate.Options{MaxPages: params.MaxPages})

	for _, raw := range records {
		rec := core.Record(raw)
		rec["_account_id"] = c.accountID
		rec.SetMeta(VendorID, edge, now)
		result.Records = append(result.Records, rec)
	}
	metrics.RecordsFetched.WithLabelValues(VendorID, edge).Add(float64(len(result.Records)))

	if err != nil {
		result.Errors = append(result.Errors, err)
		metrics.PartialFailures.WithLabelValues(VendorID).Inc()
		c.Logger().Warn("fetch completed with errors",
			zap.Int("records", len(result.Records)), zap.Error(err))
	}
	return result, nil
}

// FetchSchema returns the pinned field shapes for an edge.
func (c *Connector) FetchSchema(_ context.Context, object string) (*core.SchemaResult, error) {
	fields, ok := edgeFields[object]
	if !ok {
		return &core.SchemaResult{Errors: []error{
			errors.New(errors.ErrorTypeSchema,
				fmt.Sprintf("unknown meta_ads object %q", object)),
		}}, nil
	}

	out := &schema.Schema{Object: object}
	for _, name := range fields {
		out.Fields = append(out.Fields, c.normalizer.Field(name, name))
	}
	return &core.SchemaResult{Schema: out}, nil
}

// ListObjects enumerates the supported account edges with their
// normalized field shapes.
func (c *Connector) ListObjects(_ context.Context) (*core.ObjectsResult, error) {
	result := &core.ObjectsResult{}
	for _, name := range []string{ObjectCampaigns, ObjectAdSets, ObjectAds, ObjectCreatives} {
		info := core.ObjectInfo{Name: name, Queryable: true}
		for _, field := range edgeFields[name] {
			info.Fields = append(info.Fields, c.normalizer.Field(field, field))
		}
		result.Objects = append(result.Objects, info)
	}
	return result, nil
}
