// Package gateway implements the client-side session gateway: outgoing
// requests carry the stored bearer token, a 401 response triggers exactly one
// transparent refresh-and-retry, and a failed refresh clears the stored
// tokens and signals the caller to return to login.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const refreshCookieName = "refreshToken"

type retriedKey struct{}

// Transport is an http.RoundTripper that maintains the session transparently.
// It never mutates the caller's request.
type Transport struct {
	// Base performs the actual round trips; http.DefaultTransport when nil.
	Base http.RoundTripper
	// Storage holds the bearer-auth fallback tokens.
	Storage Storage
	// RefreshURL is the absolute URL of the refresh endpoint.
	RefreshURL string
	// OnSessionExpired runs after a failed refresh, once the stored tokens
	// are cleared. Typically a redirect to the login page.
	OnSessionExpired func()

	// One in-flight refresh is shared by every concurrent 401.
	mu       sync.Mutex
	inflight *refreshCall
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Authenticated is a presence check on the stored tokens only; it validates
// neither signature nor expiry.
func (t *Transport) Authenticated() bool {
	return t.Storage.AccessToken() != ""
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip attaches the bearer token, and on a 401 that has not been
// retried yet performs one refresh and replays the original request. The
// retry marker lives on the request context, never in package state, so one
// request's retry cannot leak into another's.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if token := t.Storage.AccessToken(); token != "" && out.Header.Get("Authorization") == "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := t.base().RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if retried, _ := req.Context().Value(retriedKey{}).(bool); retried {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		// Cannot replay a consumed body.
		return resp, nil
	}

	token, refreshErr := t.refresh()
	if refreshErr != nil {
		t.Storage.Clear()
		if t.OnSessionExpired != nil {
			t.OnSessionExpired()
		}
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := req.Clone(context.WithValue(req.Context(), retriedKey{}, true))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token)
	// Goes back through RoundTrip so the context marker, not shared state,
	// caps the retry at one.
	return t.RoundTrip(retry)
}

// refresh coalesces concurrent callers onto a single upstream refresh.
func (t *Transport) refresh() (string, error) {
	t.mu.Lock()
	if t.inflight != nil {
		call := t.inflight
		t.mu.Unlock()
		<-call.done
		return call.token, call.err
	}
	call := &refreshCall{done: make(chan struct{})}
	t.inflight = call
	t.mu.Unlock()

	call.token, call.err = t.doRefresh()
	if call.err == nil {
		t.Storage.SetAccessToken(call.token)
	}

	t.mu.Lock()
	t.inflight = nil
	t.mu.Unlock()
	close(call.done)
	return call.token, call.err
}

func (t *Transport) doRefresh() (string, error) {
	refreshToken := t.Storage.RefreshToken()
	if refreshToken == "" {
		return "", errors.New("gateway: no refresh token stored")
	}
	req, err := http.NewRequest(http.MethodPost, t.RefreshURL, nil)
	if err != nil {
		return "", err
	}
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: refreshToken})
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway: refresh failed with status %d", resp.StatusCode)
	}
	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("gateway: decode refresh response: %w", err)
	}
	if parsed.Token == "" {
		return "", errors.New("gateway: refresh response missing token")
	}
	return parsed.Token, nil
}
