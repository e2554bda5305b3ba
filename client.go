// Package planboard provides the Go client SDK for the Planboard
// project-management API: the REST surface (projects, milestones, comments,
// search, auth) and the realtime update pipeline (WebSocket connection with
// topic subscriptions, typed event dispatch, and cache-invalidation
// watchers).
//
// Example:
//
//	creds := planboard.NewMemoryCredentials()
//	client := planboard.NewClient("https://planboard.example.com", planboard.WithCredentials(creds))
//
//	client.Auth.Login(ctx, "alice", "secret")
//	projects, _ := client.Projects.List(ctx, nil)
//
//	rt := client.Realtime(nil)
//	rt.Connect(ctx, "")
//	watcher := planboard.WatchProject(rt, cache, projects.Results[0].ID)
//	defer watcher.Close()
package planboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://api.planboard.dev"
	DefaultTimeout = 30 * time.Second

	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 1 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Planboard API client. Every request carries the current
// bearer token from the credential provider when one is present, refreshes
// it silently on 401, and retries transient failures with exponential
// backoff.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	creds          CredentialProvider
	maxRetries     int
	retryBaseDelay time.Duration

	// sleepFn waits between retry attempts; replaced in tests.
	sleepFn func(context.Context, time.Duration) error

	Auth       *AuthClient
	Projects   *ProjectsClient
	Milestones *MilestonesClient
	Comments   *CommentsClient
	Search     *SearchClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCredentials injects the credential provider shared with the realtime
// client. The default is a fresh MemoryCredentials.
func WithCredentials(creds CredentialProvider) ClientOption {
	return func(c *Client) { c.creds = creds }
}

func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

func WithRetryBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.retryBaseDelay = d }
}

// NewClient creates a Planboard client for the given base URL ("" selects
// DefaultBaseURL).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        DefaultBaseURL,
		httpClient:     &http.Client{Timeout: DefaultTimeout},
		maxRetries:     defaultMaxRetries,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.creds == nil {
		c.creds = NewMemoryCredentials()
	}
	c.sleepFn = sleepContext

	c.Auth = &AuthClient{c: c}
	c.Projects = &ProjectsClient{c: c}
	c.Milestones = &MilestonesClient{c: c}
	c.Comments = &CommentsClient{c: c}
	c.Search = &SearchClient{c: c}
	return c
}

// Credentials returns the credential provider backing this client.
func (c *Client) Credentials() CredentialProvider {
	return c.creds
}

// Realtime creates a realtime client sharing this client's base URL and
// credential provider. Call Connect on the result.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	if config != nil && config.HTTPClient == nil {
		cfg := *config
		config = &cfg
	}
	return NewRealtimeClient(c.baseURL, c.creds, config)
}

// ============================================================================
// Request pipeline
// ============================================================================

// requestState carries the mutable retry bookkeeping for one logical
// request: how many backoff retries ran, and whether the one-shot
// 401-refresh retry was already spent.
type requestState struct {
	retries          int
	refreshAttempted bool
}

// doRequest runs one logical request through the retry and token-refresh
// pipeline:
//
//   - 401, refresh not yet attempted: refresh the access token and replay
//     the request exactly once. A failed refresh logs the session out and
//     propagates the original 401.
//   - network error or 5xx: retry after retryBaseDelay * 2^(k-1) for retry
//     k, up to maxRetries retries, then propagate.
//   - any other 4xx: propagate immediately.
//
// The refresh replay does not consume a backoff retry; a replayed request
// that then fails transiently is still eligible for the backoff sequence.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var st requestState
	for {
		data, status, err := c.send(ctx, method, path, body, query, true)

		switch {
		case err == nil && status < 400:
			return data, nil

		case err == nil && status == http.StatusUnauthorized && !st.refreshAttempted:
			st.refreshAttempted = true
			authErr := newHTTPError(status, data)
			if rerr := c.refreshAccessToken(ctx); rerr != nil {
				glog.Warningf("planboard: token refresh failed, logging out: %v", rerr)
				c.Auth.Logout()
				return nil, authErr
			}
			glog.V(1).Infof("planboard: token refreshed, replaying %s %s", method, path)

		case (err != nil || status >= 500) && st.retries < c.maxRetries:
			st.retries++
			delay := c.retryBaseDelay << (st.retries - 1)
			glog.V(1).Infof("planboard: transient failure on %s %s (retry %d/%d in %s): status=%d err=%v",
				method, path, st.retries, c.maxRetries, delay, status, err)
			if serr := c.sleepFn(ctx, delay); serr != nil {
				return nil, serr
			}

		case err != nil:
			return nil, fmt.Errorf("request failed: %w", err)

		default:
			return nil, newHTTPError(status, data)
		}
	}
}

// send performs a single HTTP attempt with no retry logic.
func (c *Client) send(ctx context.Context, method, path string, body interface{}, query map[string]string, withAuth bool) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if withAuth {
		if token := c.creds.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// refreshAccessToken exchanges the stored refresh token for a new access
// token. It bypasses the retry pipeline: the refresh call gets exactly one
// attempt per failed request.
func (c *Client) refreshAccessToken(ctx context.Context) error {
	refresh := c.creds.RefreshToken()
	if refresh == "" {
		return fmt.Errorf("no refresh token stored")
	}

	data, status, err := c.send(ctx, http.MethodPost, "/api/auth/token/refresh/",
		map[string]string{"refresh": refresh}, nil, false)
	if err != nil {
		return fmt.Errorf("refresh request: %w", err)
	}
	if status >= 400 {
		return newHTTPError(status, data)
	}

	var pair TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}
	if pair.Access == "" {
		return fmt.Errorf("refresh response missing access token")
	}
	c.creds.SetTokens(pair.Access, pair.Refresh)
	return nil
}

func newHTTPError(status int, body []byte) *HTTPError {
	herr := &HTTPError{Status: status, Body: body}
	var api APIError
	if json.Unmarshal(body, &api) == nil && api.Message != "" {
		herr.API = &api
	}
	return herr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles login, registration, and session teardown.
type AuthClient struct{ c *Client }

// Login obtains a token pair for the given credentials and stores it in the
// credential provider.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/api/auth/token/",
		map[string]string{"username": username, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	pair, err := decodeJSON[TokenPair](data)
	if err != nil {
		return nil, err
	}
	a.c.creds.SetTokens(pair.Access, pair.Refresh)
	return pair, nil
}

// Register creates a new account.
func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*UserSummary, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/api/auth/register/", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UserSummary](data)
}

// Refresh forces an access-token refresh outside the automatic 401 path.
func (a *AuthClient) Refresh(ctx context.Context) error {
	return a.c.refreshAccessToken(ctx)
}

// Logout clears the stored credentials and authentication state.
func (a *AuthClient) Logout() {
	a.c.creds.Clear()
}

// ============================================================================
// Projects
// ============================================================================

// ProjectsClient handles project resources.
type ProjectsClient struct{ c *Client }

// List returns a page of projects. query passes through opaque filter and
// pagination parameters.
func (p *ProjectsClient) List(ctx context.Context, query map[string]string) (*Page[Project], error) {
	data, err := p.c.doRequest(ctx, http.MethodGet, "/api/projects/", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page[Project]](data)
}

func (p *ProjectsClient) Get(ctx context.Context, id int64) (*Project, error) {
	data, err := p.c.doRequest(ctx, http.MethodGet, "/api/projects/"+formatID(id)+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Project](data)
}

func (p *ProjectsClient) Create(ctx context.Context, body interface{}) (*Project, error) {
	data, err := p.c.doRequest(ctx, http.MethodPost, "/api/projects/", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Project](data)
}

func (p *ProjectsClient) Update(ctx context.Context, id int64, body interface{}) (*Project, error) {
	data, err := p.c.doRequest(ctx, http.MethodPatch, "/api/projects/"+formatID(id)+"/", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Project](data)
}

func (p *ProjectsClient) Delete(ctx context.Context, id int64) error {
	_, err := p.c.doRequest(ctx, http.MethodDelete, "/api/projects/"+formatID(id)+"/", nil, nil)
	return err
}

// ============================================================================
// Milestones / Comments / Search
// ============================================================================

// MilestonesClient handles milestone resources.
type MilestonesClient struct{ c *Client }

func (m *MilestonesClient) ListForProject(ctx context.Context, projectID int64) (*Page[Milestone], error) {
	data, err := m.c.doRequest(ctx, http.MethodGet, "/api/milestones/", nil,
		map[string]string{"project": formatID(projectID)})
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page[Milestone]](data)
}

// CommentsClient handles comment resources.
type CommentsClient struct{ c *Client }

func (cm *CommentsClient) ListForProject(ctx context.Context, projectID int64) (*Page[Comment], error) {
	data, err := cm.c.doRequest(ctx, http.MethodGet, "/api/comments/", nil,
		map[string]string{"project": formatID(projectID)})
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page[Comment]](data)
}

func (cm *CommentsClient) Create(ctx context.Context, projectID int64, content string, parentID *int64) (*Comment, error) {
	body := map[string]interface{}{"project": projectID, "content": content}
	if parentID != nil {
		body["parent"] = *parentID
	}
	data, err := cm.c.doRequest(ctx, http.MethodPost, "/api/comments/", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Comment](data)
}

// SearchClient handles cross-entity search.
type SearchClient struct{ c *Client }

func (s *SearchClient) Query(ctx context.Context, q string, query map[string]string) (*Page[SearchResult], error) {
	params := map[string]string{"q": q}
	for k, v := range query {
		params[k] = v
	}
	data, err := s.c.doRequest(ctx, http.MethodGet, "/api/search/", nil, params)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page[SearchResult]](data)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
