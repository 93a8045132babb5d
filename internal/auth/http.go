// ABOUTME: HTTP clients for domain resolution, token issuance and connector exchange
// ABOUTME: Implements DomainResolver and TokenService against the identity backend

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPResolver resolves service domains through the account's baseURI endpoint.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver creates a resolver rooted at baseURL.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		baseURL: withScheme(baseURL),
		client:  &http.Client{Timeout: timeout},
	}
}

type baseURIResponse struct {
	BaseURIs []struct {
		Service string `json:"service"`
		BaseURI string `json:"baseURI"`
	} `json:"baseURIs"`
}

// Resolve fetches the per-service base URIs for an account.
func (r *HTTPResolver) Resolve(ctx context.Context, accountID string) (Domains, error) {
	endpoint := fmt.Sprintf("%s/api/account/%s/service/baseURI.json?version=1.0",
		r.baseURL, url.PathEscape(accountID))

	var resp baseURIResponse
	if err := doJSON(ctx, r.client, http.MethodGet, endpoint, "", nil, &resp); err != nil {
		return nil, err
	}

	d := make(Domains, len(resp.BaseURIs))
	for _, b := range resp.BaseURIs {
		d[b.Service] = b.BaseURI
	}
	if d.Get(ServiceIDP) == "" {
		return nil, fmt.Errorf("no %s domain for account %s", ServiceIDP, accountID)
	}
	return d, nil
}

// HTTPTokenService talks to the identity provider and the connector directory.
type HTTPTokenService struct {
	client *http.Client
}

// NewHTTPTokenService creates a token service with the given request timeout.
func NewHTTPTokenService(timeout time.Duration) *HTTPTokenService {
	return &HTTPTokenService{client: &http.Client{Timeout: timeout}}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// UnauthenticatedToken obtains an anonymous consumer token.
func (s *HTTPTokenService) UnauthenticatedToken(ctx context.Context, d Domains, accountID string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/account/%s/anonymous/authorize",
		withScheme(d.Get(ServiceIDP)), url.PathEscape(accountID))
	return s.token(ctx, endpoint, "", map[string]any{})
}

// Authorize trades an anonymous token for an authorized one.
func (s *HTTPTokenService) Authorize(ctx context.Context, d Domains, accountID, token string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/account/%s/authorize",
		withScheme(d.Get(ServiceIDP)), url.PathEscape(accountID))
	return s.token(ctx, endpoint, token, map[string]any{})
}

// ListConnectors returns every connector configured for the account.
func (s *HTTPTokenService) ListConnectors(ctx context.Context, d Domains, accountID string) ([]Connector, error) {
	endpoint := fmt.Sprintf("%s/api/account/%s/configuration/le-connectors/all-connectors",
		withScheme(d.Get(ServiceConnectors)), url.PathEscape(accountID))

	var connectors []Connector
	if err := doJSON(ctx, s.client, http.MethodGet, endpoint, "", nil, &connectors); err != nil {
		return nil, err
	}
	return connectors, nil
}

// Exchange presents token to the connector and returns the issued token.
func (s *HTTPTokenService) Exchange(ctx context.Context, d Domains, accountID string, c Connector, token string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/account/%s/authenticate?connectorId=%s",
		withScheme(d.Get(ServiceIDP)), url.PathEscape(accountID), url.QueryEscape(c.ID))
	return s.token(ctx, endpoint, "", map[string]any{"id_token": token})
}

func (s *HTTPTokenService) token(ctx context.Context, endpoint, bearer string, body any) (string, error) {
	var resp tokenResponse
	if err := doJSON(ctx, s.client, http.MethodPost, endpoint, bearer, body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("empty token from %s", endpoint)
	}
	return resp.Token, nil
}

func doJSON(ctx context.Context, client *http.Client, method, endpoint, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s returned %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// withScheme prefixes bare hosts with https://.
func withScheme(base string) string {
	base = strings.TrimSuffix(base, "/")
	if base == "" || strings.Contains(base, "://") {
		return base
	}
	return "https://" + base
}
