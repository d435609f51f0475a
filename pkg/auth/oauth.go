package auth

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inletio/inlet/pkg/clients"
	"github.com/inletio/inlet/pkg/errors"
)

// OAuthConfig holds the endpoint and client identity for a vendor's
// OAuth2 token endpoint.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// ExtraParams rides on every token request; some vendors require
	// non-standard form fields.
	ExtraParams map[string]string
}

// tokenResponse is the wire shape of an OAuth2 token grant. Vendors
// extend it (Salesforce adds instance_url) so extras are kept.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	InstanceURL  string `json:"instance_url"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// OAuthClient performs OAuth2 grants against a vendor token endpoint.
type OAuthClient struct {
	config *OAuthConfig
	http   *clients.HTTPClient
	logger *zap.Logger
}

// NewOAuthClient builds a token-endpoint client.
func NewOAuthClient(config *OAuthConfig, httpClient *clients.HTTPClient, logger *zap.Logger) *OAuthClient {
	return &OAuthClient{
		config: config,
		http:   httpClient,
		logger: logger.With(zap.String("component", "oauth_client")),
	}
}

// ExchangeCode trades an authorization code for a token set.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (TokenSet, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.config.RedirectURI},
	}
	return c.grant(ctx, form, errors.ErrorTypeAuthentication, "code exchange")
}

// PasswordGrant performs the resource-owner password grant, used by
// vendors that still support username/password API access.
func (c *OAuthClient) PasswordGrant(ctx context.Context, username, password string) (TokenSet, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	return c.grant(ctx, form, errors.ErrorTypeAuthentication, "password grant")
}

// Refresh trades a refresh token for a fresh token set. The caller
// must treat the input refresh token as consumed: vendors with
// single-use refresh tokens revoke it whether or not a new one was
// read from the response.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.grant(ctx, form, errors.ErrorTypeTokenRefresh, "token refresh")
}

func (c *OAuthClient) grant(ctx context.Context, form url.Values, failType errors.ErrorType, op string) (TokenSet, error) {
	form.Set("client_id", c.config.ClientID)
	if c.config.ClientSecret != "" {
		form.Set("client_secret", c.config.ClientSecret)
	}
	for k, v := range c.config.ExtraParams {
		form.Set(k, v)
	}

	var resp tokenResponse
	err := c.http.PostForm(ctx, c.config.TokenURL, strings.NewReader(form.Encode()), &resp)
	if err != nil {
		return TokenSet{}, errors.Wrap(err, failType, op+" request failed")
	}

	if resp.Error != "" {
		c.logger.Warn("token endpoint rejected grant",
			zap.String("operation", op),
			zap.String("error", resp.Error))
		return TokenSet{}, errors.New(failType, op+" rejected: "+resp.Error).
			WithDetail("error_description", resp.ErrorDesc)
	}
	if resp.AccessToken == "" {
		return TokenSet{}, errors.New(failType, op+" returned no access token")
	}

	token := TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		InstanceURL:  resp.InstanceURL,
	}
	if resp.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return token, nil
}
