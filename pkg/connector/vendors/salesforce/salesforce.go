// Package salesforce implements the Salesforce REST API connector.
// It authenticates via OAuth2 (password grant or a pre-issued access
// token), fetches with SOQL, and paginates through nextRecordsUrl
// cursors.
package salesforce

import (
	"context"
	"fmt"
	"net/url"
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
	VendorID = "salesforce"

	defaultAPIVersion = "57.0"
	loginHost         = "https://login.salesforce.com"
	sandboxHost       = "https://test.salesforce.com"

	// maxDescribedObjects bounds how many sobjects ListObjects
	// returns; orgs routinely expose thousands.
	maxDescribedObjects = 100
)

// DefaultRateLimit paces Salesforce API traffic: short spacing between
// calls plus a burst budget to stay clear of concurrent-request caps.
var DefaultRateLimit = config.RateLimitConfig{
	MinInterval:   100 * time.Millisecond,
	RequestBudget: 100,
	Window:        5 * time.Second,
}

// typeMap translates Salesforce field types onto the normalized
// vocabulary.
var typeMap = map[string]schema.Type{
	"id":        schema.TypeString,
	"string":    schema.TypeString,
	"textarea":  schema.TypeString,
	"picklist":  schema.TypeString,
	"reference": schema.TypeString,
	"phone":     schema.TypeString,
	"url":       schema.TypeString,
	"email":     schema.TypeString,
	"int":       schema.TypeInteger,
	"long":      schema.TypeInteger,
	"double":    schema.TypeNumber,
	"currency":  schema.TypeNumber,
	"percent":   schema.TypeNumber,
	"date":      schema.TypeDate,
	"datetime":  schema.TypeDate,
	"boolean":   schema.TypeBoolean,
}

// Connector talks to the Salesforce REST API.
type Connector struct {
	*base.Connector

	apiVersion string
	sandbox    bool
	oauth      *auth.OAuthClient
	normalizer *schema.Normalizer
}

// New builds a Salesforce connector. Required credentials: either
// access_token + instance_url, or client_id, client_secret, username
// and password (with optional security_token appended to the
// password). Optional: refresh_token, api_version, sandbox.
func New(creds config.Credentials, rl config.RateLimitConfig) (core.Connector, error) {
	if rl == (config.RateLimitConfig{}) {
		rl = DefaultRateLimit
	}

	apiVersion := creds.Get("api_version")
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	apiVersion = strings.TrimPrefix(apiVersion, "v")

	c := &Connector{
		apiVersion: apiVersion,
		sandbox:    strings.EqualFold(creds.Get("sandbox"), "true"),
		normalizer: schema.NewNormalizer(typeMap),
	}

	initial := auth.TokenSet{
		AccessToken:  creds.Get("access_token"),
		RefreshToken: creds.Get("refresh_token"),
		InstanceURL:  creds.Get("instance_url"),
	}
	c.Connector = base.New(VendorID, creds, rl, initial, c.refreshToken)

	tokenURL := creds.Get("token_url")
	if tokenURL == "" {
		tokenURL = c.authURL()
	}
	c.oauth = auth.NewOAuthClient(&auth.OAuthConfig{
		TokenURL:     tokenURL,
		ClientID:     creds.Get("client_id"),
		ClientSecret: creds.Get("client_secret"),
		RedirectURI:  creds.Get("redirect_uri"),
	}, c.HTTP(), c.Logger())

	return c, nil
}

func (c *Connector) authURL() string {
	if c.sandbox {
		return sandboxHost + "/services/oauth2/token"
	}
	return loginHost + "/services/oauth2/token"
}

func (c *Connector) refreshToken(ctx context.Context, refreshToken string) (auth.TokenSet, error) {
	return c.oauth.Refresh(ctx, refreshToken)
}

// Authenticate establishes a session. A pre-issued access token with
// an instance URL is used as-is; otherwise the password grant runs,
// with the security token appended to the password as Salesforce
// requires for API logins outside trusted networks.
func (c *Connector) Authenticate(ctx context.Context) error {
	token := c.Session().Store().Get()
	if token.AccessToken != "" && token.InstanceURL != "" {
		return nil
	}

	username, err := c.Credentials().Require("username")
	if err != nil {
		return err
	}
	password, err := c.Credentials().Require("password")
	if err != nil {
		return err
	}
	password += c.Credentials().Get("security_token")

	granted, err := c.oauth.PasswordGrant(ctx, username, password)
	if err != nil {
		return err
	}
	if granted.InstanceURL == "" {
		return errors.New(errors.ErrorTypeAuthentication,
			"token response carried no instance_url")
	}

	c.Session().Install(granted)
	c.Logger().Info("authenticated",
		zap.String("instance_url", granted.InstanceURL),
		zap.Bool("sandbox", c.sandbox))
	return nil
}

// ExchangeCodeForTokens completes the web-server OAuth flow.
func (c *Connector) ExchangeCodeForTokens(ctx context.Context, code string) (auth.TokenSet, error) {
	granted, err := c.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return auth.TokenSet{}, err
	}
	return c.Session().Install(granted), nil
}

// instanceURL returns the org base URL for the current session.
func (c *Connector) instanceURL(ctx context.Context) (string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	if token.InstanceURL == "" {
		return "", errors.New(errors.ErrorTypeAuthentication,
			"no instance_url held; authenticate first")
	}
	return strings.TrimRight(token.InstanceURL, "/"), nil
}

func (c *Connector) restURL(instance, suffix string) string {
	return fmt.Sprintf("%s/services/data/v%s/%s", instance, c.apiVersion, suffix)
}

// ValidateConnection probes the sobjects listing endpoint. A token
// rejection triggers one refresh-and-retry before the failure stands.
func (c *Connector) ValidateConnection(ctx context.Context) error {
	err := c.AuthRetry(ctx, func(ctx context.Context) error {
		instance, err := c.instanceURL(ctx)
		if err != nil {
			return err
		}
		headers, err := c.AuthHeaders(ctx)
		if err != nil {
			return err
		}
		if err := c.RateLimit(ctx); err != nil {
			return err
		}

		var probe struct {
			Encoding string `json:"encoding"`
		}
		err = c.HTTP().GetJSON(ctx, c.restURL(instance, "sobjects"), headers, &probe)
		metrics.ObserveRequest(VendorID, "validate", err)
		return err
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeAuthentication) ||
			errors.IsType(err, errors.ErrorTypeTokenRefresh) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeConnectionValidation,
			"connection probe failed")
	}
	return nil
}

// queryResponse is one SOQL result page.
type queryResponse struct {
	TotalSize      int                      `json:"totalSize"`
	Done           bool                     `json:"done"`
	NextRecordsURL string                   `json:"nextRecordsUrl"`
	Records        []map[string]interface{} `json:"records"`
}

// FetchData runs a SOQL query and drains the nextRecordsUrl cursor.
// An object selector expands into a SOQL statement over either the
// params' field list or a small default projection.
func (c *Connector) FetchData(ctx context.Context, sel config.Selector, params config.QueryParams) (*core.FetchResult, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	instance, err := c.instanceURL(ctx)
	if err != nil {
		return c.failedFetch(err), nil
	}

	soql, objectType := c.buildQuery(sel, params)
	c.Logger().Debug("running SOQL query", zap.String("query", soql))

	timer := metrics.NewTimer(VendorID, "fetch")
	defer timer.Stop()

	result := &core.FetchResult{}
	firstURL := c.restURL(instance, "query") + "?q=" + url.QueryEscape(soql)

	records, err := paginate.Aggregate(ctx, func(ctx context.Context, cursor string) ([]map[string]interface{}, string, error) {
		pageURL := firstURL
		if cursor != "" {
			// nextRecordsUrl is an instance-relative path.
			pageURL = instance + cursor
		}

		headers, err := c.AuthHeaders(ctx)
		if err != nil {
			return nil, "", err
		}
		if err := c.RateLimit(ctx); err != nil {
			return nil, "", err
		}

		var page queryResponse
		err = c.HTTP().GetJSON(ctx, pageURL, headers, &page)
		metrics.ObserveRequest(VendorID, "fetch", err)
		if err != nil {
			return nil, "", err
		}
		metrics.PagesFetched.WithLabelValues(VendorID).Inc()

		next := ""
		if !page.Done {
			next = page.NextRecordsURL
		}
		return page.Records, next, nil
	}, paginate.Options{MaxPages: params.MaxPages, MaxRecords: params.Limit})

	now := time.Now()
	for _, raw := range records {
		rec := core.Record(raw)
		delete(rec, "attributes")
		rec.SetMeta(VendorID, objectType, now)
		result.Records = append(result.Records, rec)
	}
	metrics.RecordsFetched.WithLabelValues(VendorID, objectType).Add(float64(len(result.Records)))

	if err != nil {
		// Keep whatever pages landed before the failure.
		result.Errors = append(result.Errors, err)
		metrics.PartialFailures.WithLabelValues(VendorID).Inc()
		c.Logger().Warn("fetch completed with errors",
			zap.Int("records", len(result.Records)), zap.Error(err))
	}
	return result, nil
}

// failedFetch wraps a pre-flight failure into an empty result. Fetch
// reports vendor and session trouble through Errors, not a hard error.
func (c *Connector) failedFetch(err error) *core.FetchResult {
	c.Logger().Warn("fetch aborted before any request", zap.Error(err))
	return &core.FetchResult{Errors: []error{err}}
}

// buildQuery turns a selector into SOQL plus the object name used for
// record metadata.
func (c *Connector) buildQuery(sel config.Selector, params config.QueryParams) (soql, objectType string) {
	if sel.Kind == config.SelectorQuery {
		return sel.Value, objectFromSOQL(sel.Value)
	}

	fields := params.Fields
	if len(fields) == 0 {
		fields = []string{"Id", "Name", "CreatedDate", "LastModifiedDate"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(fields, ", "), sel.Value)
	if params.Where != "" {
		fmt.Fprintf(&b, " WHERE %s", params.Where)
	}
	if params.OrderBy != "" {
		fmt.Fprintf(&b, " ORDER BY %s", params.OrderBy)
	}
	if params.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", params.Limit)
	}
	return b.String(), sel.Value
}

// objectFromSOQL pulls the FROM target out of a SOQL statement for
// metadata stamping. Unparseable statements fall back to "query".
func objectFromSOQL(soql string) string {
	tokens := strings.Fields(soql)
	for i, tok := range tokens {
		if strings.EqualFold(tok, "FROM") && i+1 < len(tokens) {
			return tokens[i+1]
		}
	}
	return "query"
}

// describeResponse is the sobject describe wire shape.
type describeResponse struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Fields []struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Label    string `json:"label"`
		Nillable bool   `json:"nillable"`
	} `json:"fields"`
}

// describe fetches and normalizes one sobject's field schema.
func (c *Connector) describe(ctx context.Context, instance, object string) (*schema.Schema, error) {
	headers, err := c.AuthHeaders(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.RateLimit(ctx); err != nil {
		return nil, err
	}

	var desc describeResponse
	err = c.HTTP().GetJSON(ctx, c.restURL(instance, "sobjects/"+object+"/describe"), headers, &desc)
	metrics.ObserveRequest(VendorID, "schema", err)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchema,
			fmt.Sprintf("describe of %s failed", object))
	}

	out := &schema.Schema{Object: desc.Name}
	for _, f := range desc.Fields {
		field := c.normalizer.Field(f.Name, f.Type)
		field.Nullable = f.Nillable
		field.Label = f.Label
		out.Fields = append(out.Fields, field)
	}
	return out, nil
}

// FetchSchema describes an sobject and normalizes its field types.
func (c *Connector) FetchSchema(ctx context.Context, object string) (*core.SchemaResult, error) {
	instance, err := c.instanceURL(ctx)
	if err != nil {
		return &core.SchemaResult{Errors: []error{err}}, nil
	}
	out, err := c.describe(ctx, instance, object)
	if err != nil {
		return &core.SchemaResult{Errors: []error{err}}, nil
	}
	return &core.SchemaResult{Schema: out}, nil
}

// sobjectsResponse is the sobjects listing wire shape.
type sobjectsResponse struct {
	SObjects []struct {
		Name          string `json:"name"`
		Label         string `json:"label"`
		Queryable     bool   `json:"queryable"`
		CustomSetting bool   `json:"customSetting"`
	} `json:"sobjects"`
}

// ListObjects discovers queryable standard sobjects and describes
// each one, returning name-to-schema pairs. Custom objects and
// platform events are excluded and the listing is capped at
// maxDescribedObjects. An sobject whose describe fails is dropped
// with the failure recorded in Errors; the rest still come back.
func (c *Connector) ListObjects(ctx context.Context) (*core.ObjectsResult, error) {
	instance, err := c.instanceURL(ctx)
	if err != nil {
		return &core.ObjectsResult{Errors: []error{err}}, nil
	}
	headers, err := c.AuthHeaders(ctx)
	if err != nil {
		return &core.ObjectsResult{Errors: []error{err}}, nil
	}
	if err := c.RateLimit(ctx); err != nil {
		return &core.ObjectsResult{Errors: []error{err}}, nil
	}

	var listing sobjectsResponse
	err = c.HTTP().GetJSON(ctx, c.restURL(instance, "sobjects"), headers, &listing)
	metrics.ObserveRequest(VendorID, "objects", err)
	if err != nil {
		return &core.ObjectsResult{Errors: []error{
			errors.Wrap(err, errors.ErrorTypeSchema, "sobjects listing failed"),
		}}, nil
	}

	var kept []struct{ name, label string }
	for _, obj := range listing.SObjects {
		if !obj.Queryable || obj.CustomSetting ||
			strings.HasSuffix(obj.Name, "__c") || strings.HasSuffix(obj.Name, "__e") {
			continue
		}
		kept = append(kept, struct{ name, label string }{obj.Name, obj.Label})
		if len(kept) >= maxDescribedObjects {
			break
		}
	}

	result := &core.ObjectsResult{}
	for _, obj := range kept {
		described, err := c.describe(ctx, instance, obj.name)
		if err != nil {
			c.Logger().Warn("skipping sobject after describe failure",
				zap.String("object", obj.name), zap.Error(err))
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Objects = append(result.Objects, core.ObjectInfo{
			Name:      obj.name,
			Label:     obj.label,
			Queryable: true,
			Fields:    described.Fields,
		})
	}
	return result, nil
}
