// Package sheets implements the Google Sheets connector. A connector
// instance is bound to one spreadsheet; sheets within it are the
// fetchable objects and query selectors carry A1 ranges.
package sheets

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/inletio/inlet/pkg/auth"
	"github.com/inletio/inlet/pkg/config"
	"github.com/inletio/inlet/pkg/connector/base"
	"github.com/inletio/inlet/pkg/connector/core"
	"github.com/inletio/inlet/pkg/errors"
	"github.com/inletio/inlet/pkg/metrics"
	"github.com/inletio/inlet/pkg/schema"
)

const (
	// VendorID is the registry identifier.
	VendorID = "google_sheets"

	googleTokenURL = "https://oauth2.googleapis.com/token" //nolint:gosec // G101: endpoint URL, not a credential
)

// DefaultRateLimit respects the Sheets per-user read quota of 100
// requests per 100 seconds, spacing calls a second apart.
var DefaultRateLimit = config.RateLimitConfig{
	MinInterval:   time.Second,
	RequestBudget: 100,
	Window:        100 * time.Second,
}

// Connector reads one Google spreadsheet.
type Connector struct {
	*base.Connector

	spreadsheetID string
	endpoint      string
	oauth         *auth.OAuthClient
	service       *sheetsapi.Service
}

// New builds a Sheets connector. Required credentials: client_id,
// client_secret, refresh_token, spreadsheet_id. Optional:
// access_token, endpoint override for test doubles.
func New(creds config.Credentials, rl config.RateLimitConfig) (core.Connector, error) {
	if rl == (config.RateLimitConfig{}) {
		rl = DefaultRateLimit
	}

	spreadsheetID, err := creds.Require("spreadsheet_id")
	if err != nil {
		return nil, err
	}

	c := &Connector{
		spreadsheetID: spreadsheetID,
		endpoint:      creds.Get("endpoint"),
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

// Authenticate obtains an access token and builds the Sheets service.
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
		option.WithScopes(sheetsapi.SpreadsheetsReadonlyScope),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	service, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication,
			"failed to build sheets client")
	}
	c.service = service
	c.Logger().Info("authenticated", zap.String("spreadsheet_id", c.spreadsheetID))
	return nil
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

// ValidateConnection fetches the spreadsheet metadata. A token
// rejection triggers one refresh-and-retry before the failure stands.
func (c *Connector) ValidateConnection(ctx context.Context) error {
	if err := c.ensureService(); err != nil {
		return err
	}
	err := c.AuthRetry(ctx, func(ctx context.Context) error {
		if err := c.RateLimit(ctx); err != nil {
			return err
		}

		_, err := c.service.Spreadsheets.Get(c.spreadsheetID).Context(ctx).Do()
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
			"spreadsheet probe failed")
	}
	return nil
}

// FetchData reads cell values. An object selector names a sheet (tab);
// a query selector carries an A1 range, optionally sheet-qualified.
// With IncludeHeaders the first row names the columns, otherwise
// generated Column_N names are used. Each record carries _row_number,
// _sheet_name and _spreadsheet_id.
func (c *Connector) FetchData(ctx context.Context, sel config.Selector, params config.QueryParams) (*core.FetchResult, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if err := c.ensureService(); err != nil {
		c.Logger().Warn("fetch aborted before any request", zap.Error(err))
		return &core.FetchResult{Errors: []error{err}}, nil
	}

	timer := metrics.NewTimer(VendorID, "fetch")
	defer timer.Stop()

	var sheetName, readRange string
	switch sel.Kind {
	case config.SelectorObject:
		sheetName, readRange = sel.Value, sel.Value
	case config.SelectorQuery:
		readRange = sel.Value
		sheetName = sheetFromRange(sel.Value)
	}

	if err := c.RateLimit(ctx); err != nil {
		return &core.FetchResult{Errors: []error{err}}, nil
	}

	resp, err := c.service.Spreadsheets.Values.Get(c.spreadsheetID, readRange).
		ValueRenderOption("UNFORMATTED_VALUE").Context(ctx).Do()
	metrics.ObserveRequest(VendorID, "fetch", err)
	if err != nil {
		qerr := errors.Wrap(classifyAPIError(err), errors.ErrorTypeQuery,
			fmt.Sprintf("values read for range %q failed", readRange))
		c.Logger().Warn("fetch completed with errors", zap.Error(qerr))
		return &core.FetchResult{Errors: []error{qerr}}, nil
	}

	result := &core.FetchResult{}
	if len(resp.Values) == 0 {
		c.Logger().Warn("no data found in range", zap.String("range", readRange))
		return result, nil
	}

	headers, dataRows, firstRowNumber := tabulate(resp.Values, params.IncludeHeaders)

	now := time.Now()
	for i, row := range dataRows {
		rec := make(core.Record, len(headers)+4)
		for col, header := range headers {
			if col < len(row) {
				rec[header] = row[col]
			} else {
				rec[header] = nil
			}
		}
		rec["_row_number"] = firstRowNumber + i
		rec["_sheet_name"] = sheetName
		rec["_spreadsheet_id"] = c.spreadsheetID
		rec.SetMeta(VendorID, sheetName, now)
		result.Records = append(result.Records, rec)

		if params.Limit > 0 && len(result.Records) >= params.Limit {
			break
		}
	}
	metrics.RecordsFetched.WithLabelValues(VendorID, sheetName).Add(float64(len(result.Records)))
	return result, nil
}

// tabulate splits raw cell rows into headers and data rows. Without
// headers, Column_N names cover the widest row; the returned row
// number is the spreadsheet row of the first data row.
func tabulate(values [][]interface{}, includeHeaders bool) (headers []string, dataRows [][]interface{}, firstRowNumber int) {
	if includeHeaders {
		for _, cell := range values[0] {
			headers = append(headers, fmt.Sprintf("%v", cell))
		}
		return headers, values[1:], 2
	}

	maxCols := 0
	for _, row := range values {
		if len(row) > maxCols {
			maxCols = len(row)
		}
	}
	for i := 0; i < maxCols; i++ {
		headers = append(headers, fmt.Sprintf("Column_%d", i+1))
	}
	return headers, values, 1
}

// sheetFromRange extracts the sheet name from an A1 range like
// "Sheet1!A1:C10". Unqualified ranges read the first sheet.
func sheetFromRange(a1 string) string {
	for i, r := range a1 {
		if r == '!' {
			return a1[:i]
		}
	}
	return a1
}

// headerFields reads a sheet's header row as normalized fields; every
// column is a nullable string since Sheets has no cell typing.
func (c *Connector) headerFields(ctx context.Context, object string) ([]schema.Field, error) {
	if err := c.RateLimit(ctx); err != nil {
		return nil, err
	}

	resp, err := c.service.Spreadsheets.Values.Get(c.spreadsheetID, object+"!1:1").Context(ctx).Do()
	metrics.ObserveRequest(VendorID, "schema", err)
	if err != nil {
		return nil, errors.Wrap(classifyAPIError(err), errors.ErrorTypeSchema,
			fmt.Sprintf("header row read for sheet %q failed", object))
	}

	var fields []schema.Field
	if len(resp.Values) > 0 {
		for _, cell := range resp.Values[0] {
			fields = append(fields, schema.Field{
				Name:     fmt.Sprintf("%v", cell),
				Type:     schema.TypeString,
				Nullable: true,
			})
		}
	}
	return fields, nil
}

// FetchSchema reads a sheet's header row.
func (c *Connector) FetchSchema(ctx context.Context, object string) (*core.SchemaResult, error) {
	if err := c.ensureService(); err != nil {
		return &core.SchemaResult{Errors: []error{err}}, nil
	}
	fields, err := c.headerFields(ctx, object)
	if err != nil {
		return &core.SchemaResult{Errors: []error{err}}, nil
	}
	return &core.SchemaResult{Schema: &schema.Schema{Object: object, Fields: fields}}, nil
}

// ListObjects enumerates the spreadsheet's sheets and reads each grid
// sheet's header row as its schema. A tab whose header read fails
// still lists, field-less, with the failure recorded in Errors.
func (c *Connector) ListObjects(ctx context.Context) (*core.ObjectsResult, error) {
	if err := c.ensureService(); err != nil {
		return &core.ObjectsResult{Errors: []error{err}}, nil
	}
	if err := c.RateLimit(ctx); err != nil {
		return &core.ObjectsResult{Errors: []error{err}}, nil
	}

	spreadsheet, err := c.service.Spreadsheets.Get(c.spreadsheetID).Context(ctx).Do()
	metrics.ObserveRequest(VendorID, "objects", err)
	if err != nil {
		return &core.ObjectsResult{Errors: []error{
			errors.Wrap(classifyAPIError(err), errors.ErrorTypeSchema,
				"spreadsheet metadata fetch failed"),
		}}, nil
	}

	result := &core.ObjectsResult{}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties == nil {
			continue
		}
		info := core.ObjectInfo{
			Name:      sheet.Properties.Title,
			Queryable: sheet.Properties.SheetType == "" || sheet.Properties.SheetType == "GRID",
		}
		if info.Queryable {
			fields, err := c.headerFields(ctx, info.Name)
			if err != nil {
				c.Logger().Warn("listing sheet without its header schema",
					zap.String("sheet", info.Name), zap.Error(err))
				result.Errors = append(result.Errors, err)
			}
			info.Fields = fields
		}
		result.Objects = append(result.Objects, info)
	}
	return result, nil
}
