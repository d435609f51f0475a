// Package hubspot implements the HubSpot CRM v3 connector. Fetches go
// through the CRM search API with cursor pagination; refresh tokens
// are single-use, so every refresh rotates the stored set.
package hubspot

import (
	"context"
	"fmt"
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
	VendorID = "hubspot"

	defaultBaseURL  = "https://api.hubapi.com"
	defaultPageSize = 100
)

// DefaultRateLimit keeps under HubSpot's ~10 requests/second app cap.
var DefaultRateLimit = config.RateLimitConfig{
	MinInterval: 110 * time.Millisecond,
}

var typeMap = map[string]schema.Type{
	"string":       schema.TypeString,
	"enumeration":  schema.TypeString,
	"phone_number": schema.TypeString,
	"number":       schema.TypeNumber,
	"date":         schema.TypeDate,
	"datetime":     schema.TypeDate,
	"bool":         schema.TypeBoolean,
}

// Connector talks to the HubSpot CRM v3 API.
type Connector struct {
	*base.Connector

	baseURL    string
	oauth      *auth.OAuthClient
	normalizer *schema.Normalizer
}

// New builds a HubSpot connector. Required credentials: access_token,
// or client_id + client_secret + refresh_token. Optional: base_url
// for test doubles.
func New(creds config.Credentials, rl config.RateLimitConfig) (core.Connector, error) {
	if rl == (config.RateLimitConfig{}) {
		rl = DefaultRateLimit
	}

	baseURL := creds.Get("base_url")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	c := &Connector{
		baseURL:    baseURL,
		normalizer: schema.NewNormalizer(typeMap),
	}

	initial := auth.TokenSet{
		AccessToken:  creds.Get("access_token"),
		RefreshToken: creds.Get("refresh_token"),
	}
	c.Connector = base.New(VendorID, creds, rl, initial, c.refreshToken)

	c.oauth = auth.NewOAuthClient(&auth.OAuthConfig{
		TokenURL:     baseURL + "/oauth/v1/token",
		ClientID:     creds.Get("client_id"),
		ClientSecret: creds.Get("client_secret"),
		RedirectURI:  creds.Get("redirect_uri"),
	}, c.HTTP(), c.Logger())

	return c, nil
}

func (c *Connector) refreshToken(ctx context.Context, refreshToken string) (auth.TokenSet, error) {
	return c.oauth.Refresh(ctx, refreshToken)
}

// Authenticate confirms a usable token is held. HubSpot sessions are
// established out of band via the OAuth code flow, so there is no
// credential exchange to run here; a held refresh token is exercised
// when the access token is missing or stale.
func (c *Connector) Authenticate(ctx context.Context) error {
	token := c.Session().Store().Get()
	if token.AccessToken == "" && token.RefreshToken == "" {
		return errors.New(errors.ErrorTypeAuthentication,
			"no access_token or refresh_token configured; complete the OAuth flow first")
	}
	if token.AccessToken == "" {
		if _, err := c.RefreshAccessToken(ctx); err != nil {
			return err
		}
	}
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

// ValidateConnection probes the account details endpoint. A token
// rejection triggers one refresh-and-retry before the failure stands.
func (c *Connector) ValidateConnection(ctx context.Context) error {
	var portalID int64
	err := c.AuthRetry(ctx, func(ctx context.Context) error {
		headers, err := c.AuthHeaders(ctx)
		if err != nil {
			return err
		}
		if err := c.RateLimit(ctx); err != nil {
			return err
		}

		var probe struct {
			PortalID int64 `json:"portalId"`
		}
		err = c.HTTP().GetJSON(ctx, c.baseURL+"/account-info/v3/details", headers, &probe)
		metrics.ObserveRequest(VendorID, "validate", err)
		if err != nil {
			return err
		}
		portalID = probe.PortalID
		return nil
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeAuthentication) ||
			errors.IsType(err, errors.ErrorTypeTokenRefresh) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeConnectionValidation,
			"account details probe failed")
	}
	c.Logger().Debug("connection validated", zap.Int64("portal_id", portalID))
	return nil
}

// searchRequest is the CRM search body.
type searchRequest struct {
	Properties []string `json:"properties"`
	Limit      int      `json:"limit"`
	After      string   `json:"after,omitempty"`
}

// searchResponse is one CRM search result page.
type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		ID         string                 `json:"id"`
		Properties map[string]interface{} `json:"properties"`
	} `json:"results"`
	Paging struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// FetchData searches a CRM object type, draining the paging.next.after
// cursor. Each record is the flattened properties map plus the record
// id. Only object selectors are supported; HubSpot has no generic
// query language on this surface.
func (c *Connector) FetchData(ctx context.Context, sel config.Selector, params config.QueryParams) (*core.FetchResult, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if sel.Kind != config.SelectorObject {
		return nil, errors.New(errors.ErrorTypeCapability,
			"hubspot supports object selectors only")
	}
	objectType := sel.Value

	properties := params.Fields
	if len(properties) == 0 {
		properties = []string{"createdate", "lastmodifieddate", "hs_object_id"}
	}
	pageSize := params.Limit
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}

	timer := metrics.NewTimer(VendorID, "fetch")
	defer timer.Stop()

	searchURL := fmt.Sprintf("%s/crm/v3/objects/%s/search", c.baseURL, objectType)
	result := &core.FetchResult{}
	now := time.Now()

	records, err := paginate.Aggregate(ctx, func(ctx context.Context, cursor string) ([]map[string]interface{}, string, error) {
		headers, err := c.AuthHeaders(ctx)
		if err != nil {
			return nil, "", err
		}
		if err := c.RateLimit(ctx); err != nil {
			return nil, "", err
		}

		body := searchRequest{Properties: properties, Limit: pageSize, After: cursor}
		var page searchResponse
		err = c.HTTP().PostJSON(ctx, searchURL, headers, body, &page)
		metrics.ObserveRequest(VendorID, "fetch", err)
		if err != nil {
			return nil, "", err
		}
		metrics.PagesFetched.WithLabelValues(VendorID).Inc()

		flattened := make([]map[string]interface{}, 0, len(page.Results))
		for _, item := range page.Results {
			flat := make(map[string]interface{}, len(item.Properties)+1)
			for k, v := range item.Properties {
				flat[k] = v
			}
			flat["id"] = item.ID
			flattened = append(flattened, flat)
		}
		return flattened, page.Paging.Next.After, nil
	}, paginate.Options{MaxPages: params.MaxPages})

	for _, raw := range records {
		rec := core.Record(raw)
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

// schemaResponse is the CRM schema wire shape.
type schemaResponse struct {
	Name       string `json:"name"`
	Properties []struct {
		Name  string `json:"name"`
		Type  string `json:"type"`
		Label string `json:"label"`
	} `json:"properties"`
}

// FetchSchema retrieves a CRM object schema.
func (c *Connector) FetchSchema(ctx context.Context, object string) (*core.SchemaResult, error) {
	headers, err := c.AuthHeaders(ctx)
	if err != nil {
		return &core.SchemaResult{Errors: []error{err}}, nil
	}
	if err := c.RateLimit(ctx); err != nil {
		return &core.SchemaResult{Errors: []error{err}}, nil
	}

	var resp schemaResponse
	err = c.HTTP().GetJSON(ctx, c.baseURL+"/crm/v3/schemas/"+object, headers, &resp)
	metrics.ObserveRequest(VendorID, "schema", err)
	if err != nil {
		return &core.SchemaResult{Errors: []error{
			errors.Wrap(err, errors.ErrorTypeSchema,
				fmt.Sprintf("schema fetch for %s failed", object)),
		}}, nil
	}

	out := &schema.Schema{Object: resp.Name}
	for _, prop := range resp.Properties {
		field := c.normalizer.Field(prop.Name, prop.Type)
		field.Label = prop.Label
		out.Fields = append(out.Fields, field)
	}
	return &core.SchemaResult{Schema: out}, nil
}

// ListObjects enumerates CRM object schemas visible to this app,
// returning each object's normalized fields from the same listing
// response.
func (c *Connector) ListObjects(ctx context.Context) (*core.ObjectsResult, error) {
	headers, err := c.AuthHeaders(ctx)
	if err != nil {
		return &core.ObjectsResult{Errors: []error{err}}, nil
	}
	if err := c.RateLimit(ctx); err != nil {
		return &core.ObjectsResult{Errors: []error{err}}, nil
	}

	var resp struct {
		Results []schemaResponse `json:"results"`
	}
	err = c.HTTP().GetJSON(ctx, c.baseURL+"/crm/v3/schemas", headers, &resp)
	metrics.ObserveRequest(VendorID, "objects", err)
	if err != nil {
		return &core.ObjectsResult{Errors: []error{
			errors.Wrap(err, errors.ErrorTypeSchema, "schemas listing failed"),
		}}, nil
	}

	result := &core.ObjectsResult{}
	for _, s := range resp.Results {
		info := core.ObjectInfo{Name: s.Name, Queryable: true}
		for _, prop := range s.Properties {
			field := c.normalizer.Field(prop.Name, prop.Type)
			field.Label = prop.Label
			info.Fields = append(info.Fields, field)
		}
		result.Objects = append(result.Objects, info)
	}
	return result, nil
}
