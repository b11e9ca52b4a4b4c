package pbx

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/pbxops/pbxprov/internal/models"
)

const (
	authTimeout  = 25 * time.Second
	queryTimeout = 35 * time.Second

	// Refresh the token this long before its actual expiry.
	tokenSafetyMargin = 30 * time.Second

	defaultExpiresIn = 3600
)

// Client talks to the FreePBX administrative GraphQL API on behalf of one
// session. Token and expiry are cached on the session; the caller serializes
// use of a session, so refresh needs no extra locking.
type Client struct {
	sess *models.Session
	http *resty.Client
}

// New builds a client bound to sess. TLS verification follows the session
// flag (self-signed certificates are common on PBX appliances).
func New(sess *models.Session) *Client {
	h := resty.New()
	if !sess.VerifyTLS {
		h.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return &Client{sess: sess, http: h}
}

// Session returns the session this client is bound to.
func (c *Client) Session() *models.Session { return c.sess }

func (c *Client) baseURL() string { return strings.TrimRight(c.sess.BaseURL, "/") }

func (c *Client) tokenURL() string { return c.baseURL() + "/admin/api/api/token" }

func (c *Client) gqlURL() string { return c.baseURL() + "/admin/api/api/gql" }

// EnsureToken returns immediately while the cached token has more than the
// safety margin left, otherwise performs a client-credentials exchange and
// caches the new token with its absolute expiry.
func (c *Client) EnsureToken(ctx context.Context) error {
	if c.sess.Token != "" && time.Until(c.sess.TokenExpiry) > tokenSafetyMargin {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(tctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.sess.ClientID,
			"client_secret": c.sess.ClientSecret,
			"scope":         "gql gql:core",
		}).
		Post(c.tokenURL())
	if err != nil {
		return &AuthError{Op: "token exchange", Err: &NetworkError{Err: err}}
	}
	if !resp.IsSuccess() {
		return &AuthError{
			Op:  "token exchange",
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode(), Truncate(resp.String(), errTextLimit)),
		}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body(), &tok); err != nil {
		return &AuthError{Op: "token exchange", Err: fmt.Errorf("malformed token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return &AuthError{Op: "token exchange", Err: fmt.Errorf("response has no access_token")}
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = defaultExpiresIn
	}

	c.sess.Token = tok.AccessToken
	c.sess.TokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	log.Debug().Str("base", c.sess.BaseURL).Time("expiry", c.sess.TokenExpiry).Msg("bearer token refreshed")
	return nil
}

// Execute runs one GraphQL request and returns the data object. A populated
// errors array in the response is never swallowed: it comes back as an
// AlreadyExistsError or RemoteQueryError carrying the raw messages.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]interface{}) (map[string]json.RawMessage, error) {
	if err := c.EnsureToken(ctx); err != nil {
		return nil, err
	}
	if variables == nil {
		variables = map[string]interface{}{}
	}

	tctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(tctx).
		SetHeader("Authorization", "Bearer "+c.sess.Token).
		SetBody(map[string]interface{}{"query": query, "variables": variables}).
		Post(c.gqlURL())
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if !resp.IsSuccess() {
		return nil, classifyRemote(fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), resp.String()))
	}

	var out struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &RemoteQueryError{Messages: []string{fmt.Sprintf("malformed response: %v", err)}}
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, classifyRemote(msgs...)
	}
	return out.Data, nil
}

// get issues a plain GET against a path under the PBX base URL. Used by the
// ajax reload fallback which predates the GraphQL API.
func (c *Client) get(ctx context.Context, path string, params map[string]string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(tctx).
		SetQueryParams(params).
		Get(c.baseURL() + path)
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode(), Truncate(resp.String(), errTextLimit))
	}
	return resp.String(), nil
}
