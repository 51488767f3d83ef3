// Package feishu talks to the Feishu open platform: OAuth code exchange for
// single-user login, and tenant-scoped directory enumeration for bulk sync.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"channelhub.cn/internal/auth"
)

const defaultBaseURL = "https://open.feishu.cn"

// Client wraps the Feishu HTTP API.
type Client struct {
	appID     string
	appSecret string
	baseURL   string
	http      *http.Client

	mu              sync.Mutex
	tenantToken     string
	tenantExpiresAt time.Time
}

// Option configures Client.
type Option func(*Client)

// WithBaseURL overrides the open-platform endpoint, mainly for tests.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New constructs a Client for the given app credentials.
func New(appID, appSecret string, opts ...Option) *Client {
	c := &Client{
		appID:     appID,
		appSecret: appSecret,
		baseURL:   defaultBaseURL,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// oauthConfig builds the authorization-code exchange config against the
// Feishu OAuth endpoints.
func (c *Client) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.appID,
		ClientSecret: c.appSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.baseURL + "/open-apis/authen/v1/authorize",
			TokenURL:  c.baseURL + "/open-apis/authen/v2/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// ExchangeCode trades an authorization code for the member's profile.
func (c *Client) ExchangeCode(ctx context.Context, code string) (auth.ExternalProfile, error) {
	if strings.TrimSpace(code) == "" {
		return auth.ExternalProfile{}, fmt.Errorf("feishu: authorization code is required")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	token, err := c.oauthConfig().Exchange(ctx, code)
	if err != nil {
		return auth.ExternalProfile{}, fmt.Errorf("feishu: exchange code: %w", err)
	}
	return c.userInfo(ctx, token.AccessToken)
}

type userInfoResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		OpenID    string `json:"open_id"`
		UnionID   string `json:"union_id"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		Mobile    string `json:"mobile"`
		AvatarURL string `json:"avatar_url"`
	} `json:"data"`
}

func (c *Client) userInfo(ctx context.Context, userToken string) (auth.ExternalProfile, error) {
	var resp userInfoResponse
	if err := c.getJSON(ctx, "/open-apis/authen/v1/user_info", nil, userToken, &resp); err != nil {
		return auth.ExternalProfile{}, err
	}
	if resp.Code != 0 {
		return auth.ExternalProfile{}, fmt.Errorf("feishu: user_info failed: %s (code %d)", resp.Msg, resp.Code)
	}
	return auth.ExternalProfile{
		OpenID:  resp.Data.OpenID,
		UnionID: resp.Data.UnionID,
		Name:    resp.Data.Name,
		Email:   resp.Data.Email,
		Phone:   resp.Data.Mobile,
		Avatar:  resp.Data.AvatarURL,
	}, nil
}

// tenantAccessToken returns a cached tenant token, refreshing it when less
// than a minute of validity remains.
func (c *Client) tenantAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tenantToken != "" && time.Until(c.tenantExpiresAt) > time.Minute {
		return c.tenantToken, nil
	}
	body, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("feishu: tenant token: %w", err)
	}
	defer res.Body.Close()
	var parsed struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("feishu: decode tenant token: %w", err)
	}
	if parsed.Code != 0 {
		return "", fmt.Errorf("feishu: tenant token failed: %s (code %d)", parsed.Msg, parsed.Code)
	}
	c.tenantToken = parsed.TenantAccessToken
	c.tenantExpiresAt = time.Now().Add(time.Duration(parsed.Expire) * time.Second)
	return c.tenantToken, nil
}

type departmentsResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		HasMore   bool   `json:"has_more"`
		PageToken string `json:"page_token"`
		Items     []struct {
			DepartmentID string `json:"department_id"`
			Name         string `json:"name"`
		} `json:"items"`
	} `json:"data"`
}

// ListDepartments enumerates every department id under the root, following
// pagination.
func (c *Client) ListDepartments(ctx context.Context) ([]string, error) {
	token, err := c.tenantAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	pageToken := ""
	for {
		params := url.Values{
			"parent_department_id": {"0"},
			"fetch_child":          {"true"},
			"page_size":            {"50"},
		}
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}
		var resp departmentsResponse
		if err := c.getJSON(ctx, "/open-apis/contact/v3/departments", params, token, &resp); err != nil {
			return nil, err
		}
		if resp.Code != 0 {
			return nil, fmt.Errorf("feishu: list departments failed: %s (code %d)", resp.Msg, resp.Code)
		}
		for _, item := range resp.Data.Items {
			out = append(out, item.DepartmentID)
		}
		if !resp.Data.HasMore {
			return out, nil
		}
		pageToken = resp.Data.PageToken
	}
}

type membersResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		HasMore   bool   `json:"has_more"`
		PageToken string `json:"page_token"`
		Items     []struct {
			OpenID  string `json:"open_id"`
			UnionID string `json:"union_id"`
			Name    string `json:"name"`
			Email   string `json:"email"`
			Mobile  string `json:"mobile"`
			Avatar  struct {
				AvatarOrigin string `json:"avatar_origin"`
			} `json:"avatar"`
		} `json:"items"`
	} `json:"data"`
}

// ListDepartmentMembers enumerates the members of one department, following
// pagination.
func (c *Client) ListDepartmentMembers(ctx context.Context, departmentID string) ([]auth.ExternalProfile, error) {
	token, err := c.tenantAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var out []auth.ExternalProfile
	pageToken := ""
	for {
		params := url.Values{
			"department_id": {departmentID},
			"page_size":     {"50"},
		}
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}
		var resp membersResponse
		if err := c.getJSON(ctx, "/open-apis/contact/v3/users/find_by_department", params, token, &resp); err != nil {
			return nil, err
		}
		if resp.Code != 0 {
			return nil, fmt.Errorf("feishu: list members failed: %s (code %d)", resp.Msg, resp.Code)
		}
		for _, item := range resp.Data.Items {
			out = append(out, auth.ExternalProfile{
				OpenID:  item.OpenID,
				UnionID: item.UnionID,
				Name:    item.Name,
				Email:   item.Email,
				Phone:   item.Mobile,
				Avatar:  item.Avatar.AvatarOrigin,
			})
		}
		if !resp.Data.HasMore {
			return out, nil
		}
		pageToken = resp.Data.PageToken
	}
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, bearer string, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("feishu: %s: %w", path, err)
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("feishu: decode %s: %w", path, err)
	}
	return nil
}
